package urpc

import "errors"

// Synchronous API errors. Asynchronous failures (connect errors, transport
// death) surface through the session-management callback instead.
var (
	// ErrInvalidArgument is returned for malformed API calls: bad session
	// numbers, invalid buffers, oversized messages. No state is changed.
	ErrInvalidArgument = errors.New("urpc: invalid argument")

	// ErrOutOfMemory is returned when the buffer pool cannot serve an
	// allocation.
	ErrOutOfMemory = errors.New("urpc: out of memory")

	// ErrNoCredits is returned by EnqueueRequest when the session has no
	// free credits; retry after a response or credit return arrives.
	ErrNoCredits = errors.New("urpc: no credits available on session")

	// ErrSessionState is returned when an operation is illegal in the
	// session's current state (e.g. destroying a connecting session).
	ErrSessionState = errors.New("urpc: operation invalid in current session state")

	// ErrRegistryFrozen is returned by RegisterOps after the first runtime
	// has started.
	ErrRegistryFrozen = errors.New("urpc: handler registry is frozen")
)

// DatapathErrString renders a datapath error for diagnostics; nil maps to
// "ok".
func DatapathErrString(err error) string {
	if err == nil {
		return "ok"
	}
	return err.Error()
}
