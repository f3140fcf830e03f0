package gateway

import "errors"

var (
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrNotAuthenticated     = errors.New("not authenticated")
	ErrDecode               = errors.New("invalid payload")
	ErrGatewayIsAlreadyOpen = errors.New("gateway is already open")
	ErrTransportClosed      = errors.New("transport is closed")
	ErrHeartbeatTimeout     = errors.New("zombied connection: too many missed heartbeat acks")
	ErrInvalidSession       = errors.New("session invalidated by server")
	ErrUnknown              = errors.New("unknown error")
)
