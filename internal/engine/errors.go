package engine

import "errors"

// Sentinel errors surfaced by the engine.
var (
	// ErrUpstreamProtocol means the source reported more data but returned
	// none; the object run is failed rather than re-fetched in a loop.
	ErrUpstreamProtocol = errors.New("upstream reported more pages but returned no items")

	// ErrUnknownObjectType means no strategy is registered for the type.
	ErrUnknownObjectType = errors.New("unknown object type")

	// ErrUnknownEventType means an event references an object kind outside
	// the dispatch table built at startup.
	ErrUnknownEventType = errors.New("unhandled event object type")
)

// Failure reason constants recorded on failed object runs.
const (
	ReasonFetchFailed       = "FetchFailed"
	ReasonStorageFailed     = "StorageFailed"
	ReasonProtocolViolation = "ProtocolViolation"
)

// Error is a structured sync failure carrying the reason recorded on the
// object run alongside the underlying cause.
type Error struct {
	Err     error
	Message string
	Reason  string
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}
