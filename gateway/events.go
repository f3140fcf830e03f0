package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/marislowe/kestrel/structs"
)

type GatewayStatus = string

const (
	StatusReady        GatewayStatus = "READY"
	StatusDisconnected GatewayStatus = "DISCONNECTED"
)

type GatewayOpcode = int

const (
	OpcodeDispatch             GatewayOpcode = 0
	OpcodeHeartbeat            GatewayOpcode = 1
	OpcodeIdentify             GatewayOpcode = 2
	OpcodePresenceUpdate       GatewayOpcode = 3
	OpcodeVoiceStateUpdate     GatewayOpcode = 4
	OpcodeResume               GatewayOpcode = 6
	OpcodeReconnect            GatewayOpcode = 7
	OpcodeRequestGuildMember   GatewayOpcode = 8
	OpcodeInvalidSession       GatewayOpcode = 9
	OpcodeHello                GatewayOpcode = 10
	OpcodeHeartbeatAck         GatewayOpcode = 11
	OpcodeSubscribeGuildEvents GatewayOpcode = 14
)

type GatewayCloseEventCode = int

const (
	CloseUnknownError         GatewayCloseEventCode = 4000
	CloseUnknownOpcode        GatewayCloseEventCode = 4001
	CloseDecodeError          GatewayCloseEventCode = 4002
	CloseNotAuthenticated     GatewayCloseEventCode = 4003
	CloseAuthenticationFailed GatewayCloseEventCode = 4004
	CloseAlreadyAuthenticated GatewayCloseEventCode = 4005
	CloseInvalidSeq           GatewayCloseEventCode = 4007
	CloseRateLimited          GatewayCloseEventCode = 4008
	CloseSessionTimedOut      GatewayCloseEventCode = 4009
)

// DispatchEvent is the decoded form of an op 0 frame. Data holds the
// kind-specific payload; consumers switch on its concrete type. Kinds
// without a decoder pass through with Data nil and Raw set, so the
// sequence still advances and subscribers still see them.
type DispatchEvent struct {
	Name structs.EventName
	Seq  uint64
	Data any
	Raw  json.RawMessage
}

func decodeDispatch(re *structs.RawEvent) (*DispatchEvent, error) {
	ev := &DispatchEvent{Name: re.T, Seq: re.S, Raw: re.D}
	switch re.T {
	case structs.EventNameReady:
		d := new(structs.ReadyEventData)
		if err := json.Unmarshal(re.D, d); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrDecode, re.T, err)
		}
		ev.Data = d
	case structs.EventNameGuildCreate:
		d := new(structs.Guild)
		if err := json.Unmarshal(re.D, d); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrDecode, re.T, err)
		}
		ev.Data = d
	case structs.EventNameGuildDelete:
		d := new(structs.GuildUnavailable)
		if err := json.Unmarshal(re.D, d); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrDecode, re.T, err)
		}
		ev.Data = d
	case structs.EventNameUserUpdate:
		d := new(structs.User)
		if err := json.Unmarshal(re.D, d); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrDecode, re.T, err)
		}
		ev.Data = d
	case structs.EventNameTypingStart:
		d := new(structs.TypingStartEventData)
		if err := json.Unmarshal(re.D, d); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrDecode, re.T, err)
		}
		ev.Data = d
	}
	return ev, nil
}

func closeCodeToError(code GatewayCloseEventCode) error {
	switch code {
	case CloseAuthenticationFailed:
		return ErrAuthenticationFailed
	case CloseNotAuthenticated:
		return ErrNotAuthenticated
	case CloseDecodeError:
		return ErrDecode
	default:
		return ErrUnknown
	}
}
