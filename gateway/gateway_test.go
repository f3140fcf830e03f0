package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marislowe/kestrel/structs"
)

// fakeGateway is an in-process gateway endpoint: it serves /gateway
// for URL resolution and upgrades everything else, handing each
// connection to the test script with its ordinal.
type fakeGateway struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader
	script   func(conn *websocket.Conn, index int32)
	conns    atomic.Int32
}

func newFakeGateway(t *testing.T, script func(conn *websocket.Conn, index int32)) *fakeGateway {
	f := &fakeGateway{t: t, script: script}
	mux := http.NewServeMux()
	mux.HandleFunc("/gateway", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"url": f.wsURL()})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		index := f.conns.Add(1) - 1
		f.script(conn, index)
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeGateway) wsURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeGateway) newGateway(extra func(*Arguments)) *Gateway {
	args := Arguments{
		Credentials: StaticToken("tok"),
		HTTPBaseURL: f.srv.URL,
		GatewayURL:  f.wsURL(),
		BackoffBase: 50 * time.Millisecond,
		BackoffCap:  200 * time.Millisecond,
	}
	if extra != nil {
		extra(&args)
	}
	return NewGateway(args)
}

func sendHello(conn *websocket.Conn) {
	conn.WriteJSON(&structs.Event{
		Op: OpcodeHello,
		D:  structs.HelloEventData{HeartbeatInterval: 45000},
	})
}

func sendDispatch(conn *websocket.Conn, seq uint64, name structs.EventName, d interface{}) {
	conn.WriteJSON(&structs.Event{Op: OpcodeDispatch, D: d, S: seq, T: name})
}

func readFrame(t *testing.T, conn *websocket.Conn) *structs.RawEvent {
	t.Helper()
	raw := &structs.RawEvent{}
	if err := conn.ReadJSON(raw); err != nil {
		return nil
	}
	return raw
}

func readyPayload(resumeURL string) *structs.ReadyEventData {
	return &structs.ReadyEventData{
		User: structs.User{ID: "self", Username: "self"},
		Guilds: []structs.Guild{
			{ID: "a", Name: "A", JoinedAt: time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)},
			{ID: "b", Name: "B", JoinedAt: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
		},
		UserSettings:     structs.UserSettings{GuildPositions: []string{"a"}},
		SessionID:        "sess-1",
		ResumeGatewayURL: resumeURL,
	}
}

func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func TestConnectIdentifyAndFold(t *testing.T) {
	var f *fakeGateway
	f = newFakeGateway(t, func(conn *websocket.Conn, index int32) {
		sendHello(conn)
		frame := readFrame(t, conn)
		if !assert.NotNil(t, frame) || !assert.Equal(t, OpcodeIdentify, frame.Op) {
			return
		}
		var ident structs.IdentifyEventData
		assert.NoError(t, json.Unmarshal(frame.D, &ident))
		assert.Equal(t, "tok", ident.Token)

		sendDispatch(conn, 1, structs.EventNameReady, readyPayload(f.wsURL()))
		sendDispatch(conn, 2, structs.EventNameGuildCreate, structs.Guild{ID: "new", Name: "New"})
		drain(conn)
	})

	g := f.newGateway(nil)
	var mu sync.Mutex
	var seen []structs.EventName
	g.OnEvent.AddHandler(func(ev *DispatchEvent) {
		mu.Lock()
		seen = append(seen, ev.Name)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, g.Connect(ctx))
	defer g.Close("test done")

	require.Eventually(t, func() bool {
		guilds := g.Cache().Guilds()
		return len(guilds) == 3 && guilds[0].ID == "new"
	}, 5*time.Second, 10*time.Millisecond)

	// Unordered guild b precedes preference guild a; the created
	// guild surfaced at the front.
	assert.Equal(t, []string{"new", "b", "a"}, guildIDs(g.Cache().Guilds()))
	assert.Equal(t, uint64(2), g.session.Sequence())
	assert.Equal(t, StatusReady, g.Status())
	assert.True(t, g.State().Connected)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, 5*time.Second, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, structs.EventNameReady, seen[0])
	assert.Equal(t, structs.EventNameGuildCreate, seen[1])
}

func TestConnectTwiceFails(t *testing.T) {
	f := newFakeGateway(t, func(conn *websocket.Conn, index int32) {
		sendHello(conn)
		drain(conn)
	})
	g := f.newGateway(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, g.Connect(ctx))
	defer g.Close("test done")
	assert.ErrorIs(t, g.Connect(ctx), ErrGatewayIsAlreadyOpen)
}

func TestResumeAfterConnectionLoss(t *testing.T) {
	var f *fakeGateway
	resumed := make(chan structs.ResumeEventData, 1)
	f = newFakeGateway(t, func(conn *websocket.Conn, index int32) {
		sendHello(conn)
		frame := readFrame(t, conn)
		if frame == nil {
			return
		}
		switch index {
		case 0:
			assert.Equal(t, OpcodeIdentify, frame.Op)
			sendDispatch(conn, 1, structs.EventNameReady, readyPayload(f.wsURL()))
			sendDispatch(conn, 2, structs.EventNameGuildCreate, structs.Guild{ID: "new"})
			time.Sleep(50 * time.Millisecond)
			// Network drop, no close frame.
			conn.Close()
		default:
			assert.Equal(t, OpcodeResume, frame.Op)
			var res structs.ResumeEventData
			assert.NoError(t, json.Unmarshal(frame.D, &res))
			resumed <- res
			sendDispatch(conn, 3, structs.EventNameResumed, nil)
			drain(conn)
		}
	})

	g := f.newGateway(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, g.Connect(ctx))
	defer g.Close("test done")

	select {
	case res := <-resumed:
		assert.Equal(t, "sess-1", res.SessionID)
		assert.Equal(t, "tok", res.Token)
		// Resume asks for events strictly after the last processed one.
		assert.Equal(t, uint64(2), res.Seq)
	case <-time.After(5 * time.Second):
		t.Fatal("no resume attempt observed")
	}

	require.Eventually(t, func() bool {
		return g.session.Sequence() == 3
	}, 5*time.Second, 10*time.Millisecond)
	// The cache survived the reconnect.
	assert.Equal(t, []string{"new", "b", "a"}, guildIDs(g.Cache().Guilds()))
}

func TestServerReconnectRequestBypassesBackoff(t *testing.T) {
	var f *fakeGateway
	f = newFakeGateway(t, func(conn *websocket.Conn, index int32) {
		sendHello(conn)
		frame := readFrame(t, conn)
		if frame == nil {
			return
		}
		switch index {
		case 0:
			sendDispatch(conn, 1, structs.EventNameReady, readyPayload(f.wsURL()))
			conn.WriteJSON(&structs.Event{Op: OpcodeReconnect})
			drain(conn)
		default:
			assert.Equal(t, OpcodeResume, frame.Op)
			sendDispatch(conn, 2, structs.EventNameResumed, nil)
			drain(conn)
		}
	})

	g := f.newGateway(func(a *Arguments) {
		// Make a backoff wait obvious if it happens.
		a.BackoffBase = 2 * time.Second
		a.BackoffCap = 2 * time.Second
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, g.Connect(ctx))
	defer g.Close("test done")

	start := time.Now()
	require.Eventually(t, func() bool {
		return f.conns.Load() == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Less(t, time.Since(start), 1500*time.Millisecond)
}

func TestInvalidSessionForcesFreshIdentify(t *testing.T) {
	var f *fakeGateway
	identified := make(chan int32, 2)
	f = newFakeGateway(t, func(conn *websocket.Conn, index int32) {
		sendHello(conn)
		frame := readFrame(t, conn)
		if frame == nil {
			return
		}
		if frame.Op == OpcodeIdentify {
			identified <- index
		}
		switch index {
		case 0:
			sendDispatch(conn, 1, structs.EventNameReady, readyPayload(f.wsURL()))
			// Session declared invalid with resume disallowed.
			conn.WriteJSON(&structs.Event{Op: OpcodeInvalidSession, D: false})
			drain(conn)
		default:
			drain(conn)
		}
	})

	g := f.newGateway(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, g.Connect(ctx))
	defer g.Close("test done")

	require.Eventually(t, func() bool {
		return len(identified) == 2
	}, 5*time.Second, 10*time.Millisecond)
	// Fresh identify means the sequence started over.
	assert.Equal(t, uint64(0), g.session.Sequence())
}

func TestAuthenticationFailureHaltsReconnection(t *testing.T) {
	f := newFakeGateway(t, func(conn *websocket.Conn, index int32) {
		sendHello(conn)
		readFrame(t, conn)
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(CloseAuthenticationFailed, "Authentication failed."),
			time.Now().Add(time.Second),
		)
		conn.Close()
	})

	g := f.newGateway(nil)
	var failures atomic.Int32
	g.OnAuthFailure.AddHandler(func(err error) {
		failures.Add(1)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, g.Connect(ctx))

	require.Eventually(t, func() bool {
		return failures.Load() == 1
	}, 5*time.Second, 10*time.Millisecond)

	// No further attempts until Connect is called again.
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(1), failures.Load())
	assert.Equal(t, int32(1), f.conns.Load())
	assert.False(t, g.State().Connected)
	assert.ErrorIs(t, g.Send(OpcodeHeartbeat, nil), ErrTransportClosed)
}

func TestAuthFailureReleasesRunContext(t *testing.T) {
	f := newFakeGateway(t, func(conn *websocket.Conn, index int32) {
		sendHello(conn)
		readFrame(t, conn)
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(CloseAuthenticationFailed, "Authentication failed."),
			time.Now().Add(time.Second),
		)
		conn.Close()
	})

	g := f.newGateway(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, g.Connect(ctx))

	// The run loop halts itself on the auth close code; it must also
	// cancel the context it derived, not leave the cancel func behind
	// for the next Connect to overwrite.
	require.Eventually(t, func() bool {
		g.mu.Lock()
		defer g.mu.Unlock()
		return !g.running && g.cancelRun == nil
	}, 5*time.Second, 10*time.Millisecond)

	// A fresh Connect starts over cleanly.
	require.NoError(t, g.Connect(ctx))
	g.Close("done")
}

func TestLogoutClearsStateSynchronously(t *testing.T) {
	var f *fakeGateway
	f = newFakeGateway(t, func(conn *websocket.Conn, index int32) {
		sendHello(conn)
		readFrame(t, conn)
		sendDispatch(conn, 1, structs.EventNameReady, readyPayload(f.wsURL()))
		drain(conn)
	})

	g := f.newGateway(nil)
	var failures atomic.Int32
	g.OnAuthFailure.AddHandler(func(err error) {
		failures.Add(1)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, g.Connect(ctx))
	require.Eventually(t, func() bool {
		return g.Cache().CurrentUser() != nil
	}, 5*time.Second, 10*time.Millisecond)

	g.Logout()
	// Cleared before Logout returned.
	assert.Nil(t, g.Cache().CurrentUser())
	assert.Empty(t, g.Cache().Guilds())
	assert.Equal(t, uint64(0), g.session.Sequence())
	assert.False(t, g.session.CanResume(time.Now()))

	require.Eventually(t, func() bool {
		return failures.Load() == 1
	}, 5*time.Second, 10*time.Millisecond)
	// Logged out: no reconnect attempts follow.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(1), f.conns.Load())
}

func TestStoredOrderFallback(t *testing.T) {
	var f *fakeGateway
	f = newFakeGateway(t, func(conn *websocket.Conn, index int32) {
		sendHello(conn)
		readFrame(t, conn)
		payload := readyPayload(f.wsURL())
		payload.UserSettings = structs.UserSettings{}
		sendDispatch(conn, 1, structs.EventNameReady, payload)
		drain(conn)
	})

	g := f.newGateway(func(a *Arguments) {
		a.Settings = staticSettings{"a"}
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, g.Connect(ctx))
	defer g.Close("test done")

	require.Eventually(t, func() bool {
		return len(g.Cache().Guilds()) == 2
	}, 5*time.Second, 10*time.Millisecond)
	// The persisted preference was consulted when the payload had none.
	assert.Equal(t, []string{"b", "a"}, guildIDs(g.Cache().Guilds()))
}

type staticSettings []string

func (s staticSettings) GuildPositions() []string {
	return s
}
