package simulator

// Action is the outcome of handing buffered bytes to a protocol handler.
type Action int

// Handler outcomes.
const (
	// ActionRespond means a complete PDU was consumed and Response should
	// be written back to the peer.
	ActionRespond Action = iota

	// ActionNeedMore means the buffer does not yet hold a complete PDU;
	// the engine keeps the buffer and reads more.
	ActionNeedMore

	// ActionNone means a complete PDU was consumed without producing a
	// response.
	ActionNone

	// ActionError means the stream is unrecoverable; the engine drops the
	// connection.
	ActionError
)

// Result is what a handler returns for one invocation. Consumed is the
// number of buffered bytes the handler processed; zero on a non-NeedMore
// result makes the engine consume the whole buffer, which matches
// frame-complete protocols.
type Result struct {
	Action   Action
	Response []byte
	Consumed int
	Err      error
}

// Respond builds a response result consuming n bytes.
func Respond(response []byte, n int) Result {
	return Result{Action: ActionRespond, Response: response, Consumed: n}
}

// NeedMore asks the engine to keep reading.
func NeedMore() Result {
	return Result{Action: ActionNeedMore}
}

// NoResponse consumes n bytes silently.
func NoResponse(n int) Result {
	return Result{Action: ActionNone, Consumed: n}
}

// Fail terminates the connection.
func Fail(err error) Result {
	return Result{Action: ActionError, Err: err}
}

// Handler is the pluggable per-protocol state machine driven by the TCP and
// UDP engines. Implementations must be safe for concurrent invocation from
// multiple connections sharing one State.
type Handler interface {
	// Name identifies the protocol for logs and the admin API.
	Name() string

	// OnConnect is invoked when a peer connects. A non-nil return value is
	// sent to the peer as a greeting.
	OnConnect(state *State) []byte

	// Handle processes buffered bytes against the shared state.
	Handle(buf []byte, state *State) Result

	// OnDisconnect is invoked after the peer goes away.
	OnDisconnect(state *State)
}

// NopLifecycle provides empty OnConnect/OnDisconnect for handlers without
// connection-scoped behavior.
type NopLifecycle struct{}

// OnConnect implements Handler.
func (NopLifecycle) OnConnect(*State) []byte { return nil }

// OnDisconnect implements Handler.
func (NopLifecycle) OnDisconnect(*State) {}
