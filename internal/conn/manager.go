package conn

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jamie/blinkchat/internal/bus"
	"github.com/jamie/blinkchat/internal/protocol"
	"go.uber.org/zap"
)

const (
	baseReconnectDelay   = 2 * time.Second
	maxReconnectAttempts = 5

	// Local pseudo close code for connections that died without a close
	// frame (dial failures, abrupt resets, forced local teardown).
	abnormalClosure = websocket.CloseAbnormalClosure
)

// TokenSource provides the bearer credential and its change stream.
type TokenSource interface {
	Current() (string, bool)
	Watch(bufSize int) (<-chan string, func())
}

// Manager owns the single real-time websocket connection. It tracks the
// connection state machine, reconnects with exponential backoff after
// abnormal closures, and multiplexes inbound envelopes onto the bus.
// Transport failures never propagate to callers; they surface as state
// transitions and bus events.
type Manager struct {
	baseURL string
	tokens  TokenSource
	bus     *bus.Bus
	logger  *zap.Logger
	dialer  *websocket.Dialer

	// reconnectBase is baseReconnectDelay; tests shrink it.
	reconnectBase time.Duration

	mu              sync.Mutex
	state           State
	lastDisconnect  Disconnection
	ws              *websocket.Conn
	gen             int
	shouldReconnect bool
	attempt         int

	writeMu sync.Mutex

	cancelWatch func()
}

// NewManager creates a connection manager. Start must be called before
// Connect for token reactivity to work.
func NewManager(baseURL string, tokens TokenSource, b *bus.Bus, logger *zap.Logger) *Manager {
	return &Manager{
		baseURL:       baseURL,
		tokens:        tokens,
		bus:           b,
		logger:        logger,
		dialer:        websocket.DefaultDialer,
		reconnectBase: baseReconnectDelay,
		state:         StateIdle,
	}
}

// Start launches the token watcher: a token appearing while disconnected
// (and reconnection still desired) triggers Connect; a cleared token tears
// the connection down non-intentionally.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancelWatch = context.WithCancel(ctx)
	ch, unsub := m.tokens.Watch(4)

	go func() {
		defer unsub()
		var prev string
		first := true
		for {
			select {
			case tok := <-ch:
				if first {
					// Initial snapshot, not a transition.
					first = false
					prev = tok
					continue
				}
				switch {
				case tok != "" && tok != prev:
					m.mu.Lock()
					retry := m.state == StateDisconnected && m.shouldReconnect
					m.mu.Unlock()
					if retry {
						m.logger.Info("auth token available again, reconnecting")
						m.Connect()
					}
				case tok == "" && prev != "":
					m.logger.Info("auth token cleared, disconnecting")
					m.Disconnect(false)
				}
				prev = tok
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the token watcher and closes the connection intentionally.
func (m *Manager) Stop() {
	if m.cancelWatch != nil {
		m.cancelWatch()
	}
	m.Disconnect(true)
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastDisconnect returns detail about the most recent disconnection.
func (m *Manager) LastDisconnect() Disconnection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastDisconnect
}

// Connect opens the websocket. No-op when already Connected or Connecting.
// A missing token transitions to Disconnected and emits conn.failed instead
// of returning an error.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.state == StateConnected || m.state == StateConnecting {
		m.mu.Unlock()
		m.logger.Debug("connect ignored, already connected or connecting")
		return
	}
	m.setStateLocked(StateConnecting)
	m.shouldReconnect = true
	gen := m.gen
	m.mu.Unlock()

	token, ok := m.tokens.Current()
	if !ok {
		m.logger.Warn("connect failed: no auth token available")
		m.mu.Lock()
		m.lastDisconnect = Disconnection{Reason: "auth token missing"}
		m.setStateLocked(StateDisconnected)
		m.mu.Unlock()
		m.bus.Publish(bus.Event{Kind: bus.KindConnFailed, Payload: Failure{Reason: "auth token missing"}})
		return
	}

	go m.dial(gen, token)
}

func (m *Manager) dial(gen int, token string) {
	url := m.baseURL + "?token=" + token
	ws, resp, err := m.dialer.Dial(url, nil)
	if err != nil {
		code := abnormalClosure
		reason := err.Error()
		if resp != nil {
			code = resp.StatusCode
			reason = resp.Status
		}
		m.logger.Error("websocket dial failed", zap.Error(err), zap.Int("code", code))
		m.bus.Publish(bus.Event{Kind: bus.KindConnFailed, Payload: Failure{Reason: reason, Err: err}})
		m.connectionLost(gen, abnormalClosure, reason, err, false)
		return
	}

	m.mu.Lock()
	if gen != m.gen {
		// A Disconnect raced the dial; this connection is already stale.
		m.mu.Unlock()
		_ = ws.Close()
		return
	}
	m.ws = ws
	m.attempt = 0
	m.setStateLocked(StateConnected)
	m.mu.Unlock()

	m.logger.Info("websocket connected")
	m.bus.Publish(bus.Event{Kind: bus.KindConnEstablished})

	go m.readLoop(gen, ws)
}

func (m *Manager) readLoop(gen int, ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			code := abnormalClosure
			reason := err.Error()
			if ce, ok := err.(*websocket.CloseError); ok {
				code = ce.Code
				reason = ce.Text
			}
			m.connectionLost(gen, code, reason, err, true)
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			m.logger.Error("malformed websocket frame dropped", zap.Error(err), zap.ByteString("frame", data))
			continue
		}
		m.bus.Publish(bus.Event{Kind: bus.KindConnEnvelope, Payload: env})
	}
}

// Disconnect closes the active connection. Intentional closes use the
// normal-closure code and stop automatic reconnection; non-intentional
// closes keep reconnection desired.
func (m *Manager) Disconnect(intentional bool) {
	m.mu.Lock()
	m.shouldReconnect = !intentional
	if m.ws == nil && m.state != StateConnecting {
		m.mu.Unlock()
		return
	}
	m.gen++
	ws := m.ws
	m.ws = nil
	code := websocket.CloseNormalClosure
	reason := "client requested disconnect"
	if !intentional {
		code = abnormalClosure
		reason = "connection error"
	}
	m.lastDisconnect = Disconnection{Code: code, Reason: reason}
	m.setStateLocked(StateDisconnected)
	if intentional {
		m.attempt = 0
	}
	m.mu.Unlock()

	m.bus.Publish(bus.Event{Kind: bus.KindConnClosing})
	if ws != nil {
		deadline := time.Now().Add(time.Second)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), deadline)
		_ = ws.Close()
	}
	m.bus.Publish(bus.Event{Kind: bus.KindConnClosed, Payload: Closure{Code: code, Reason: reason}})

	if !intentional {
		m.scheduleReconnect(code)
	}
}

// SendTyped marshals {type, payload} and transmits it. Logs and drops when
// not connected: queueing is the retry scheduler's job, not this layer's.
func (m *Manager) SendTyped(msgType string, payload any) {
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		m.logger.Error("failed to encode envelope", zap.String("type", msgType), zap.Error(err))
		return
	}
	m.SendEnvelope(env)
}

// SendEnvelope transmits a pre-built envelope. Logs and drops when not
// connected.
func (m *Manager) SendEnvelope(env protocol.Envelope) {
	m.mu.Lock()
	ws := m.ws
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !connected || ws == nil {
		m.logger.Warn("cannot send, websocket not connected", zap.String("type", env.Type))
		return
	}

	data, err := json.Marshal(env)
	if err != nil {
		m.logger.Error("failed to marshal envelope", zap.String("type", env.Type), zap.Error(err))
		return
	}

	m.writeMu.Lock()
	err = ws.WriteMessage(websocket.TextMessage, data)
	m.writeMu.Unlock()
	if err != nil {
		m.logger.Error("websocket write failed", zap.String("type", env.Type), zap.Error(err))
	}
}

// connectionLost records a lost connection observed by the dialer or read
// loop, then decides on reconnection. Stale generations (already superseded
// by Disconnect or a newer dial) are ignored.
func (m *Manager) connectionLost(gen, code int, reason string, cause error, publishClosed bool) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.gen++
	m.ws = nil
	m.lastDisconnect = Disconnection{Code: code, Reason: reason, Err: cause}
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	if publishClosed {
		m.bus.Publish(bus.Event{Kind: bus.KindConnClosed, Payload: Closure{Code: code, Reason: reason}})
	}
	m.scheduleReconnect(code)
}

// scheduleReconnect applies the backoff policy: abnormal closures retry
// after reconnectBase * 2^(attempt-1), at most maxReconnectAttempts times;
// normal closures (1000) and going-away (1001) stop reconnection entirely.
func (m *Manager) scheduleReconnect(code int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.shouldReconnect || code == websocket.CloseNormalClosure || code == websocket.CloseGoingAway {
		if code == websocket.CloseNormalClosure || code == websocket.CloseGoingAway {
			m.shouldReconnect = false
		}
		m.attempt = 0
		return
	}

	if m.attempt >= maxReconnectAttempts {
		m.logger.Warn("max reconnection attempts reached, giving up",
			zap.Int("attempts", maxReconnectAttempts))
		m.shouldReconnect = false
		return
	}

	m.attempt++
	delay := reconnectDelay(m.reconnectBase, m.attempt)
	m.logger.Info("scheduling reconnect",
		zap.Int("attempt", m.attempt), zap.Duration("delay", delay))

	time.AfterFunc(delay, func() {
		m.mu.Lock()
		ok := m.shouldReconnect && m.state != StateConnected && m.state != StateConnecting
		m.mu.Unlock()
		if ok {
			m.Connect()
		}
	})
}

// reconnectDelay computes the backoff for the given 1-based attempt:
// base, 2*base, 4*base, ...
func reconnectDelay(base time.Duration, attempt int) time.Duration {
	return base * time.Duration(1<<(attempt-1))
}

// setStateLocked transitions the state machine and publishes the change.
// Callers hold m.mu.
func (m *Manager) setStateLocked(to State) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	m.bus.Publish(bus.Event{Kind: bus.KindConnStateChanged, Payload: StateChange{From: from, To: to}})
}
