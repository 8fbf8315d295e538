package transport

import "strings"

// State is the internal transport state derived from a gateway status.
type State string

const (
	StateSent      State = "sent"
	StateCompleted State = "completed"
	StateError     State = "error"
)

// Transport status markers set by the engine itself.
const (
	StatusDuplicate = "DUPLICATE"
	StatusCancelled = "CANCELLED"
	StatusMock      = "MOCK"
)

var statusTable = map[string]State{
	"accepted":   StateCompleted,
	"delivered":  StateCompleted,
	"done":       StateCompleted,
	"error":      StateError,
	"refused":    StateError,
	"rejected":   StateError,
	"draft":      StateSent,
	"processing": StateSent,
	"pending":    StateSent,
	"sent":       StateSent,
}

// MapStatus maps a raw gateway status. Unknown values are treated as still in flight.
func MapStatus(raw string) State {
	if s, ok := statusTable[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return s
	}
	return StateSent
}

// Resolved reports whether the state no longer awaits gateway feedback.
func (s State) Resolved() bool {
	return s == StateCompleted || s == StateError
}
