package domain

import "errors"

// Error taxonomy shared by every stage of a turn. Wrap with fmt.Errorf("...: %w", err)
// and match with errors.Is.
var (
	// ErrStructureInvalid marks a malformed content tree. Fatal for the turn.
	ErrStructureInvalid = errors.New("content structure invalid")
	// ErrNotFound marks a missing session, topic or referenced position. Fatal for the turn.
	ErrNotFound = errors.New("not found")
	// ErrProviderUnavailable marks a failed generation or classification call.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrPersistenceFailure marks a failed background write. Logged only.
	ErrPersistenceFailure = errors.New("persistence failure")
)

// ErrorCode maps an error onto the opaque code carried by terminal error events.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrStructureInvalid):
		return "structure_invalid"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrProviderUnavailable):
		return "provider_unavailable"
	case errors.Is(err, ErrPersistenceFailure):
		return "persistence_failure"
	default:
		return "internal"
	}
}
