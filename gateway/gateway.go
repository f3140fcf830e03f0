package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/marislowe/kestrel/metrics"
	"github.com/marislowe/kestrel/rest"
	"github.com/marislowe/kestrel/structs"
)

const (
	defaultGatewayURL      = "wss://gateway.discord.gg"
	defaultHTTPBaseURL     = "https://discord.com/api/v10"
	defaultGatewayVersion  = 10
	defaultDisconnectGrace = 5 * time.Second
)

// ConnectionState is what external observers see: connected is the
// logical session, reachable the underlying link. A network blip drops
// reachable immediately while connected survives a short grace window.
type ConnectionState struct {
	Connected bool
	Reachable bool
}

type CredentialProvider interface {
	Token() (string, error)
}

// StaticToken is the trivial CredentialProvider.
type StaticToken string

func (t StaticToken) Token() (string, error) {
	return string(t), nil
}

// SettingsStore supplies the persisted guild-order preference, read at
// Ready-time when the payload itself carries none.
type SettingsStore interface {
	GuildPositions() []string
}

type Arguments struct {
	Credentials CredentialProvider
	Settings    SettingsStore
	Logger      *slog.Logger

	HTTPBaseURL    string
	GatewayURL     string
	GatewayVersion uint
	Capabilities   uint

	MaxMissedACK    int
	ResumeWindow    time.Duration
	BackoffBase     time.Duration
	BackoffCap      time.Duration
	DisconnectGrace time.Duration
}

type closeNotice struct {
	code  GatewayCloseEventCode
	cause error
}

// Gateway is the connection manager: it owns the transport, the
// heartbeat, the session state and the cache, and fans decoded events
// out to subscribers after folding them.
type Gateway struct {
	OnEvent           *EventDispatch[*DispatchEvent]
	OnAuthFailure     *EventDispatch[error]
	OnConnStateChange *EventDispatch[ConnectionState]

	creds        CredentialProvider
	settings     SettingsStore
	log          *slog.Logger
	rest         *rest.REST
	wsBaseURL    string
	version      uint
	capabilities uint
	maxMissedACK int
	grace        time.Duration

	session *Session
	cache   *CachedState
	recon   *reconnector

	mu         sync.Mutex
	running    bool
	cancelRun  context.CancelFunc
	tr         *transport
	hb         *heartbeat
	hbCancel   context.CancelFunc
	connCtx    context.Context
	connected  bool
	reachable  bool
	graceTimer *time.Timer
	status     GatewayStatus
}

func NewGateway(args Arguments) *Gateway {
	logger := args.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if args.HTTPBaseURL == "" {
		args.HTTPBaseURL = defaultHTTPBaseURL
	}
	if args.GatewayURL == "" {
		args.GatewayURL = defaultGatewayURL
	}
	if args.GatewayVersion == 0 {
		args.GatewayVersion = defaultGatewayVersion
	}
	token := ""
	if args.Credentials != nil {
		token, _ = args.Credentials.Token()
	}
	return &Gateway{
		OnEvent:           NewEventDispatch[*DispatchEvent](logger),
		OnAuthFailure:     NewEventDispatch[error](logger),
		OnConnStateChange: NewEventDispatch[ConnectionState](logger),
		creds:             args.Credentials,
		settings:          args.Settings,
		log:               logger,
		rest:              rest.NewREST(args.HTTPBaseURL, token),
		wsBaseURL:         args.GatewayURL,
		version:           args.GatewayVersion,
		capabilities:      args.Capabilities,
		maxMissedACK:      args.MaxMissedACK,
		grace:             orDefault(args.DisconnectGrace, defaultDisconnectGrace),
		session:           NewSession(args.ResumeWindow),
		cache:             NewCachedState(),
		recon:             newReconnector(args.BackoffBase, args.BackoffCap),
		status:            StatusDisconnected,
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// Cache returns the materialized view. Callers get snapshots only;
// mutation stays confined to the frame-processing path.
func (g *Gateway) Cache() *CachedState {
	return g.cache
}

// Rest exposes the out-of-band request hook.
func (g *Gateway) Rest() *rest.REST {
	return g.rest
}

func (g *Gateway) Status() GatewayStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status
}

func (g *Gateway) State() ConnectionState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ConnectionState{Connected: g.connected, Reachable: g.reachable}
}

// Connect starts the connection loop. It returns immediately; progress
// is observable through OnConnStateChange and OnEvent. Reconnection is
// perpetual until Close, Logout or an authentication failure.
func (g *Gateway) Connect(ctx context.Context) error {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return ErrGatewayIsAlreadyOpen
	}
	g.running = true
	runCtx, cancel := context.WithCancel(ctx)
	g.cancelRun = cancel
	g.mu.Unlock()
	g.recon.reset()
	go g.run(runCtx)
	return nil
}

func (g *Gateway) run(ctx context.Context) {
	defer func() {
		g.mu.Lock()
		g.running = false
		cancel := g.cancelRun
		g.cancelRun = nil
		g.mu.Unlock()
		// Exits not driven by Close, like an auth failure, must still
		// release the derived context.
		if cancel != nil {
			cancel()
		}
	}()
	for {
		err := g.connectOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, ErrAuthenticationFailed) || errors.Is(err, ErrNotAuthenticated) {
			g.session.Reset()
			g.setConnState(false, false)
			g.log.Error("authentication failed, halting reconnection", "error", err)
			g.OnAuthFailure.Notify(err)
			return
		}
		delay := g.recon.nextDelay()
		metrics.ReconnectAttempts.Inc()
		g.log.Info("reconnecting", "delay", delay.String(), "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// connectOnce runs one transport lifetime: dial, let the frame path
// drive hello/identify/dispatch, then classify the closure.
func (g *Gateway) connectOnce(ctx context.Context) error {
	wsURL, resuming := g.resolveTarget(ctx)
	closed := make(chan closeNotice, 1)
	tr := newTransport(g.handleFrame, func(code GatewayCloseEventCode, cause error) {
		closed <- closeNotice{code: code, cause: cause}
	}, g.log)

	connCtx, cancelConn := context.WithCancel(ctx)
	defer cancelConn()
	g.mu.Lock()
	g.tr = tr
	g.connCtx = connCtx
	g.mu.Unlock()

	g.log.Info("connecting to gateway", "url", wsURL, "resume", resuming)
	if err := tr.open(ctx, wsURL); err != nil {
		g.setReachable(false)
		return fmt.Errorf("failed to open transport: %w", err)
	}
	g.setReachable(true)

	select {
	case <-ctx.Done():
		g.stopHeartbeat()
		tr.close(websocket.CloseNormalClosure, "shutting down")
		return ctx.Err()
	case n := <-closed:
		g.stopHeartbeat()
		g.onTransportClosed()
		return g.classifyClosure(n)
	}
}

func (g *Gateway) classifyClosure(n closeNotice) error {
	if errors.Is(n.cause, ErrAuthenticationFailed) {
		return n.cause
	}
	switch n.code {
	case CloseAuthenticationFailed, CloseNotAuthenticated:
		return fmt.Errorf("gateway closed (%d): %w", n.code, closeCodeToError(n.code))
	case CloseInvalidSeq, CloseSessionTimedOut:
		// Resume impossible; next attempt identifies fresh.
		g.session.Reset()
		return fmt.Errorf("gateway closed (%d): session no longer resumable", n.code)
	default:
		g.session.MarkDisconnected(true, time.Now())
		if n.cause != nil {
			return n.cause
		}
		return fmt.Errorf("gateway closed (%d)", n.code)
	}
}

// resolveTarget picks the endpoint for this cycle: the resume URL when
// a resume is on the table, otherwise a freshly resolved gateway URL.
func (g *Gateway) resolveTarget(ctx context.Context) (string, bool) {
	if _, _, resumeURL, ok := g.session.ResumeTarget(time.Now()); ok && resumeURL != "" {
		if u, err := url.Parse(resumeURL); err == nil {
			return g.gatewayURL(u.Scheme, u.Host), true
		}
	}
	if base, err := g.rest.GetGateway(ctx); err == nil {
		if u, err := url.Parse(base); err == nil {
			return g.gatewayURL(u.Scheme, u.Host), false
		}
	} else {
		g.log.Warn("failed to resolve gateway url, using default", "error", err)
	}
	u, err := url.Parse(g.wsBaseURL)
	if err != nil {
		return g.wsBaseURL, false
	}
	return g.gatewayURL(u.Scheme, u.Host), false
}

func (g *Gateway) gatewayURL(scheme, host string) string {
	u := url.URL{
		Scheme:   scheme,
		Host:     host,
		RawQuery: fmt.Sprintf("v=%v&encoding=json", g.version),
	}
	return u.String()
}

// handleFrame runs on the transport's read loop: the single
// frame-processing path that mutates session and cache.
func (g *Gateway) handleFrame(ev *structs.RawEvent) {
	switch ev.Op {
	case OpcodeHello:
		d := new(structs.HelloEventData)
		if err := json.Unmarshal(ev.D, d); err != nil {
			g.log.Error("undecodable hello", "error", err)
			return
		}
		g.startHeartbeat(time.Duration(d.HeartbeatInterval) * time.Millisecond)
		g.identifyOrResume()
	case OpcodeHeartbeat:
		// Server demands an immediate beat.
		if err := g.sendHeartbeatFrame(); err != nil {
			g.log.Error("failed to answer heartbeat request", "error", err)
		}
	case OpcodeHeartbeatAck:
		g.mu.Lock()
		hb := g.hb
		g.mu.Unlock()
		if hb != nil {
			hb.ack()
		}
	case OpcodeReconnect:
		g.log.Info("server requested reconnect")
		g.session.MarkDisconnected(true, time.Now())
		g.recon.requestImmediate()
		g.closeTransport(websocket.CloseServiceRestart, "server requested reconnect")
	case OpcodeInvalidSession:
		var resumable bool
		if err := json.Unmarshal(ev.D, &resumable); err != nil {
			resumable = false
		}
		g.log.Warn("server invalidated session", "resumable", resumable)
		if resumable {
			g.session.MarkDisconnected(true, time.Now())
		} else {
			g.session.Reset()
		}
		g.closeTransport(websocket.CloseServiceRestart, "invalid session")
	case OpcodeDispatch:
		g.handleDispatch(ev)
	}
}

func (g *Gateway) handleDispatch(ev *structs.RawEvent) {
	// Advance before publishing: a later resume must request events
	// strictly after the last fully-processed one.
	g.session.Advance(ev.S)

	dev, err := decodeDispatch(ev)
	if err != nil {
		g.log.Error("dropping dispatch event", "event", ev.T, "error", err)
		metrics.FramesDropped.Inc()
		return
	}

	switch d := dev.Data.(type) {
	case *structs.ReadyEventData:
		g.session.Establish(d.SessionID, d.ResumeGatewayURL)
		positions := d.UserSettings.GuildPositions
		if len(positions) == 0 && g.settings != nil {
			positions = g.settings.GuildPositions()
		}
		g.cache.applyReady(d, positions)
		g.onSessionActive()
		g.log.Info("gateway is ready", "session_id", d.SessionID, "guilds", len(d.Guilds))
	case *structs.Guild:
		g.cache.applyGuildCreate(d)
	case *structs.GuildUnavailable:
		g.cache.applyGuildDelete(d)
	case *structs.User:
		g.cache.applyUserUpdate(d)
	case *structs.TypingStartEventData:
		g.cache.applyTypingStart(d, time.Now())
	}
	if dev.Name == structs.EventNameResumed {
		g.onSessionActive()
		g.log.Info("session resumed", "sequence", g.session.Sequence())
	}

	metrics.EventsDispatched.WithLabelValues(dev.Name).Inc()
	g.OnEvent.Notify(dev)
	g.log.Debug("dispatched event", "event", dev.Name, "sequence", dev.Seq)
}

func (g *Gateway) identifyOrResume() {
	token, err := g.creds.Token()
	if err != nil {
		g.log.Error("credential provider failed", "error", err)
		g.abortTransport("no credentials", ErrAuthenticationFailed)
		return
	}
	now := time.Now()
	if id, seq, _, ok := g.session.ResumeTarget(now); ok {
		g.log.Info("resuming session", "session_id", id, "sequence", seq)
		err = g.Send(OpcodeResume, structs.ResumeEventData{
			Token:     token,
			SessionID: id,
			Seq:       seq,
		})
	} else {
		// Fresh session: the sequence starts absent.
		g.session.Reset()
		g.log.Info("identifying new session")
		err = g.Send(OpcodeIdentify, structs.IdentifyEventData{
			Token:        token,
			Capabilities: g.capabilities,
			Properties: structs.IdentifyEventProperties{
				Os:      "linux",
				Browser: "kestrel",
				Device:  "kestrel",
			},
		})
	}
	if err != nil {
		g.log.Error("failed to send identify/resume", "error", err)
	}
}

func (g *Gateway) startHeartbeat(interval time.Duration) {
	g.mu.Lock()
	if g.hbCancel != nil {
		g.hbCancel()
	}
	hb := newHeartbeat(interval, g.maxMissedACK, g.sendHeartbeatFrame, func() {
		g.abortTransport("zombied connection", ErrHeartbeatTimeout)
	}, g.log)
	hbCtx, cancel := context.WithCancel(g.connCtx)
	g.hb = hb
	g.hbCancel = cancel
	g.mu.Unlock()
	g.log.Debug("heartbeat armed", "interval", interval.String())
	go hb.run(hbCtx)
}

func (g *Gateway) stopHeartbeat() {
	g.mu.Lock()
	cancel := g.hbCancel
	g.hb = nil
	g.hbCancel = nil
	g.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (g *Gateway) sendHeartbeatFrame() error {
	return g.Send(OpcodeHeartbeat, g.session.Sequence())
}

// Send serializes and transmits an outbound frame. Safe to call from
// any goroutine; fails with ErrTransportClosed when disconnected.
func (g *Gateway) Send(op GatewayOpcode, d interface{}) error {
	g.mu.Lock()
	tr := g.tr
	g.mu.Unlock()
	if tr == nil {
		return ErrTransportClosed
	}
	return tr.sendEvent(&structs.Event{Op: op, D: d})
}

// SubscribeGuildEvents opts in to typing events for a guild.
func (g *Gateway) SubscribeGuildEvents(guildID string) error {
	return g.Send(OpcodeSubscribeGuildEvents, structs.SubscribeGuildEventsData{
		GuildID: guildID,
		Typing:  true,
	})
}

func (g *Gateway) closeTransport(code int, reason string) {
	g.mu.Lock()
	tr := g.tr
	g.mu.Unlock()
	if tr != nil {
		tr.close(code, reason)
	}
}

func (g *Gateway) abortTransport(reason string, cause error) {
	g.mu.Lock()
	tr := g.tr
	g.mu.Unlock()
	if tr != nil {
		tr.abort(reason, cause)
	}
}

// Close stops the connection loop and closes the transport. The
// session is marked non-resumable; a later Connect identifies fresh.
func (g *Gateway) Close(reason string) {
	g.mu.Lock()
	cancel := g.cancelRun
	g.cancelRun = nil
	g.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	g.stopHeartbeat()
	g.closeTransport(websocket.CloseNormalClosure, reason)
	g.session.MarkDisconnected(false, time.Now())
	g.setConnState(false, false)
	g.log.Info("gateway closed", "reason", reason)
}

// Logout synchronously tears everything down: transport closed,
// session and cache cleared before returning. The auth-failure channel
// fires so the owning layer can clear stored credentials.
func (g *Gateway) Logout() {
	g.log.Debug("logging out on request")
	g.Close("logout")
	g.session.Reset()
	g.cache.reset()
	g.OnAuthFailure.Notify(ErrNotAuthenticated)
}

func (g *Gateway) onSessionActive() {
	g.session.MarkConnected()
	g.recon.markConnected()
	g.mu.Lock()
	if g.graceTimer != nil {
		g.graceTimer.Stop()
		g.graceTimer = nil
	}
	g.status = StatusReady
	g.mu.Unlock()
	g.setConnState(true, true)
}

// onTransportClosed flips reachable immediately but holds the
// connected=false transition for the grace window; a resume landing
// inside it suppresses the disconnect entirely.
func (g *Gateway) onTransportClosed() {
	g.setReachable(false)
	g.mu.Lock()
	if g.tr != nil {
		g.log.Debug("transport lost", "last_activity", g.tr.lastActivityTime())
	}
	if !g.connected || g.graceTimer != nil {
		g.mu.Unlock()
		return
	}
	g.graceTimer = time.AfterFunc(g.grace, func() {
		g.mu.Lock()
		g.graceTimer = nil
		stillDown := !g.reachable
		g.mu.Unlock()
		if stillDown {
			g.setConnState(false, false)
		}
	})
	g.mu.Unlock()
}

func (g *Gateway) setReachable(reachable bool) {
	g.mu.Lock()
	connected := g.connected
	g.mu.Unlock()
	g.setConnState(connected, reachable)
}

func (g *Gateway) setConnState(connected, reachable bool) {
	g.mu.Lock()
	if g.connected == connected && g.reachable == reachable {
		g.mu.Unlock()
		return
	}
	g.connected = connected
	g.reachable = reachable
	if !connected {
		g.status = StatusDisconnected
	}
	g.mu.Unlock()
	if connected {
		metrics.Connected.Set(1)
	} else {
		metrics.Connected.Set(0)
	}
	g.OnConnStateChange.Notify(ConnectionState{Connected: connected, Reachable: reachable})
}
