package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/marislowe/kestrel/structs"
)

const closeWriteTimeout = 5 * time.Second

// transport owns one websocket connection: dial, serialized writes,
// the read loop, and a closure notification that fires exactly once
// whether the close was local or remote.
type transport struct {
	dialer  *websocket.Dialer
	onFrame func(*structs.RawEvent)
	onClose func(code GatewayCloseEventCode, cause error)
	log     *slog.Logger

	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	opened    atomic.Bool

	lastActivity atomic.Int64
}

func newTransport(onFrame func(*structs.RawEvent), onClose func(GatewayCloseEventCode, error), log *slog.Logger) *transport {
	return &transport{
		dialer:  websocket.DefaultDialer,
		onFrame: onFrame,
		onClose: onClose,
		log:     log,
	}
}

func (t *transport) open(ctx context.Context, wsURL string) error {
	conn, _, err := t.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return err
	}
	t.conn = conn
	t.opened.Store(true)
	t.lastActivity.Store(time.Now().Unix())
	go t.readLoop()
	return nil
}

func (t *transport) send(data []byte) error {
	if !t.opened.Load() {
		return ErrTransportClosed
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *transport) sendEvent(e *structs.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return t.send(data)
}

// close performs a graceful local shutdown.
func (t *transport) close(code int, reason string) {
	t.shutdown(code, reason, nil)
}

// abort force-closes with a cause, e.g. a zombied connection.
func (t *transport) abort(reason string, cause error) {
	t.shutdown(websocket.CloseGoingAway, reason, cause)
}

func (t *transport) shutdown(code int, reason string, cause error) {
	t.closeOnce.Do(func() {
		t.opened.Store(false)
		if t.conn != nil {
			t.writeMu.Lock()
			t.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(code, reason),
				time.Now().Add(closeWriteTimeout),
			)
			t.writeMu.Unlock()
			t.conn.Close()
		}
		if t.onClose != nil {
			t.onClose(code, cause)
		}
	})
}

func (t *transport) lastActivityTime() time.Time {
	return time.Unix(t.lastActivity.Load(), 0)
}

func (t *transport) readLoop() {
	for {
		_, message, err := t.conn.ReadMessage()
		if err != nil {
			code := websocket.CloseAbnormalClosure
			if ce, ok := err.(*websocket.CloseError); ok {
				code = ce.Code
			}
			t.remoteClosed(code, err)
			return
		}
		t.lastActivity.Store(time.Now().Unix())
		event := &structs.RawEvent{}
		if err := json.Unmarshal(message, event); err != nil {
			// Malformed frame: drop it, keep the connection.
			t.log.Error("dropping undecodable frame", "error", err)
			continue
		}
		t.onFrame(event)
	}
}

// remoteClosed reports a closure detected by the read loop without
// writing a close frame back on the dead connection.
func (t *transport) remoteClosed(code int, cause error) {
	t.closeOnce.Do(func() {
		t.opened.Store(false)
		t.conn.Close()
		if t.onClose != nil {
			t.onClose(code, cause)
		}
	})
}
