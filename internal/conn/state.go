package conn

// State is the connection manager's lifecycle state. Process-wide, single
// instance, owned exclusively by the Manager; everything else observes.
type State string

const (
	StateIdle         State = "IDLE"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	StateDisconnected State = "DISCONNECTED"
)

// Disconnection carries the detail of the most recent Disconnected state.
type Disconnection struct {
	Code   int
	Reason string
	Err    error
}

// StateChange is the payload for conn.state_changed bus events.
type StateChange struct {
	From State
	To   State
}

// Closure is the payload for conn.closed bus events.
type Closure struct {
	Code   int
	Reason string
}

// Failure is the payload for conn.failed bus events.
type Failure struct {
	Reason string
	Err    error
}
