package progress

import "errors"

var (
	// ErrNetwork remote side unreachable, the write is retried through the queue
	ErrNetwork = errors.New("network error")
	// ErrAuth session expired, never retried automatically
	ErrAuth = errors.New("authentication expired")
	// ErrConflict optimistic write lost a race, retry with a fresh read
	ErrConflict = errors.New("version conflict")
	// ErrServer remote side failed
	ErrServer = errors.New("server error")
	// ErrStorage local storage unavailable
	ErrStorage = errors.New("local storage error")
	// ErrInvalidRecord malformed key, position or event
	ErrInvalidRecord = errors.New("invalid record")
	// ErrSessionClosed the owning session was torn down
	ErrSessionClosed = errors.New("session closed")
	// ErrOffline no connectivity
	ErrOffline = errors.New("offline")
)

// IsRetryable reports whether a later attempt of the same operation may succeed
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrAuth),
		errors.Is(err, ErrInvalidRecord),
		errors.Is(err, ErrSessionClosed):
		return false
	}
	return true
}
