package conn

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jamie/blinkchat/internal/bus"
	"github.com/jamie/blinkchat/internal/protocol"
	"go.uber.org/zap"
)

type fakeTokens struct {
	mu      sync.Mutex
	token   string
	watches []chan string
}

func (f *fakeTokens) Current() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token, f.token != ""
}

func (f *fakeTokens) Watch(bufSize int) (<-chan string, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan string, bufSize)
	ch <- f.token
	f.watches = append(f.watches, ch)
	return ch, func() {}
}

func (f *fakeTokens) set(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = token
	for _, ch := range f.watches {
		select {
		case ch <- token:
		default:
		}
	}
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// wsServer runs a test websocket endpoint; handle is invoked per connection.
func wsServer(t *testing.T, handle func(*websocket.Conn)) (url string, dials func() int32, closeFn func()) {
	t.Helper()
	var count atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count.Add(1)
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		handle(ws)
	}))
	return "ws" + strings.TrimPrefix(srv.URL, "http"), count.Load, srv.Close
}

func newTestManager(url string, tokens TokenSource, b *bus.Bus) *Manager {
	m := NewManager(url, tokens, b, zap.NewNop())
	m.reconnectBase = 20 * time.Millisecond
	return m
}

func waitFor(t *testing.T, ch <-chan bus.Event, kind string) bus.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Kind == kind {
				return evt
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s event", kind)
		}
	}
}

func TestReconnectDelaySchedule(t *testing.T) {
	base := 2 * time.Second
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 32 * time.Second}
	for i, w := range want {
		if got := reconnectDelay(base, i+1); got != w {
			t.Errorf("reconnectDelay(attempt %d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestConnectWithoutToken(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("conn.", 16)
	defer unsub()

	m := newTestManager("ws://127.0.0.1:1/ws", &fakeTokens{}, b)
	m.Connect() // must not panic or error

	waitFor(t, ch, bus.KindConnFailed)
	if m.State() != StateDisconnected {
		t.Errorf("state = %s, want DISCONNECTED", m.State())
	}
	if m.LastDisconnect().Reason != "auth token missing" {
		t.Errorf("reason = %q, want auth token missing", m.LastDisconnect().Reason)
	}
}

func TestConnectAndReceiveEnvelope(t *testing.T) {
	url, _, stop := wsServer(t, func(ws *websocket.Conn) {
		_ = ws.WriteMessage(websocket.TextMessage,
			[]byte(`{"type":"typing_indicator","payload":{"chatId":"c1","userId":"u2","isTyping":true}}`))
		// Keep the connection open until the client goes away.
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer stop()

	b := bus.New()
	ch, unsub := b.Subscribe("conn.", 16)
	defer unsub()

	m := newTestManager(url, &fakeTokens{token: "tok"}, b)
	defer m.Stop()
	m.Connect()

	waitFor(t, ch, bus.KindConnEstablished)
	if m.State() != StateConnected {
		t.Errorf("state = %s, want CONNECTED", m.State())
	}

	evt := waitFor(t, ch, bus.KindConnEnvelope)
	env, ok := evt.Payload.(protocol.Envelope)
	if !ok {
		t.Fatalf("payload type = %T", evt.Payload)
	}
	if env.Type != protocol.TypeTypingIndicator {
		t.Errorf("envelope type = %q, want typing_indicator", env.Type)
	}
}

func TestMalformedFrameDoesNotKillStream(t *testing.T) {
	url, _, stop := wsServer(t, func(ws *websocket.Conn) {
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{{{not json`))
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","payload":{"message":"x"}}`))
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer stop()

	b := bus.New()
	ch, unsub := b.Subscribe("conn.", 16)
	defer unsub()

	m := newTestManager(url, &fakeTokens{token: "tok"}, b)
	defer m.Stop()
	m.Connect()

	evt := waitFor(t, ch, bus.KindConnEnvelope)
	env := evt.Payload.(protocol.Envelope)
	if env.Type != protocol.TypeError {
		t.Errorf("envelope type = %q, want error (frame after the malformed one)", env.Type)
	}
}

func TestReconnectsOnAbnormalClosure(t *testing.T) {
	url, dials, stop := wsServer(t, func(ws *websocket.Conn) {
		// Drop the connection without a close frame.
		_ = ws.Close()
	})
	defer stop()

	b := bus.New()
	m := newTestManager(url, &fakeTokens{token: "tok"}, b)
	defer m.Stop()
	m.Connect()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if dials() >= 3 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("dials = %d, want >= 3 (reconnection with backoff)", dials())
}

func TestNoReconnectAfterNormalClosure(t *testing.T) {
	url, dials, stop := wsServer(t, func(ws *websocket.Conn) {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
		// Wait for the client close echo.
		_, _, _ = ws.ReadMessage()
		_ = ws.Close()
	})
	defer stop()

	b := bus.New()
	ch, unsub := b.Subscribe("conn.", 16)
	defer unsub()

	m := newTestManager(url, &fakeTokens{token: "tok"}, b)
	defer m.Stop()
	m.Connect()

	waitFor(t, ch, bus.KindConnClosed)
	time.Sleep(200 * time.Millisecond)
	if dials() != 1 {
		t.Errorf("dials = %d, want 1 (no reconnect after code 1000)", dials())
	}
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	// Server that refuses every connection: stopped before the test runs.
	url, _, stop := wsServer(t, func(ws *websocket.Conn) {})
	stop()

	b := bus.New()
	ch, unsub := b.Subscribe("conn.", 64)
	defer unsub()

	m := newTestManager(url, &fakeTokens{token: "tok"}, b)
	m.Connect()

	// Initial attempt + 5 retries at 20/40/80/160/320ms, then silence.
	failures := 0
	deadline := time.After(2 * time.Second)
	for failures < 6 {
		select {
		case evt := <-ch:
			if evt.Kind == bus.KindConnFailed {
				failures++
			}
		case <-deadline:
			t.Fatalf("saw %d failures, want 6 (initial + 5 retries)", failures)
		}
	}

	// No further attempts.
	time.Sleep(500 * time.Millisecond)
	for {
		select {
		case evt := <-ch:
			if evt.Kind == bus.KindConnFailed {
				t.Error("retry after max attempts exhausted")
			}
			continue
		default:
		}
		break
	}
}

func TestIntentionalDisconnectStopsReconnect(t *testing.T) {
	url, dials, stop := wsServer(t, func(ws *websocket.Conn) {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer stop()

	b := bus.New()
	ch, unsub := b.Subscribe("conn.", 16)
	defer unsub()

	m := newTestManager(url, &fakeTokens{token: "tok"}, b)
	m.Connect()
	waitFor(t, ch, bus.KindConnEstablished)

	m.Disconnect(true)
	waitFor(t, ch, bus.KindConnClosed)
	time.Sleep(200 * time.Millisecond)
	if dials() != 1 {
		t.Errorf("dials = %d, want 1 (intentional disconnect must not reconnect)", dials())
	}
	if m.State() != StateDisconnected {
		t.Errorf("state = %s, want DISCONNECTED", m.State())
	}
}

func TestTokenArrivalTriggersReconnect(t *testing.T) {
	url, dials, stop := wsServer(t, func(ws *websocket.Conn) {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer stop()

	tokens := &fakeTokens{}
	b := bus.New()
	ch, unsub := b.Subscribe("conn.", 16)
	defer unsub()

	m := newTestManager(url, tokens, b)
	defer m.Stop()
	m.Start(context.Background())

	// First connect fails: no token, but reconnection stays desired.
	m.Connect()
	waitFor(t, ch, bus.KindConnFailed)

	tokens.set("tok")
	waitFor(t, ch, bus.KindConnEstablished)
	if dials() != 1 {
		t.Errorf("dials = %d, want 1", dials())
	}
}
