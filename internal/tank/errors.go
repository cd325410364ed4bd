package tank

import "errors"

// Error taxonomy shared by the coordinator, relay and HTTP layer. Handlers
// map these to response codes; the scheduler logs and swallows them.
var (
	// ErrNeedsAuth signals an invalid or expired session. It is an
	// actionable state, not a fault: callers redirect the operator to the
	// authentication relay.
	ErrNeedsAuth = errors.New("authentication required")

	// ErrAuthInProgress is returned when a scrape is deferred because the
	// operator is mid-way through the login flow.
	ErrAuthInProgress = errors.New("authentication in progress")

	// ErrScrapeFailed means the gauge value was not found on a page that
	// otherwise looked authenticated.
	ErrScrapeFailed = errors.New("tank data not found on page")

	// ErrConfigInvalid rejects an operation before any browser work starts.
	ErrConfigInvalid = errors.New("configuration incomplete")

	// ErrClassificationMismatch reports a page that is not in the state an
	// operation expects. It drives a relay state transition, not a fault.
	ErrClassificationMismatch = errors.New("page not in expected state")

	// ErrNoPage is returned by browser primitives when no page is open yet.
	ErrNoPage = errors.New("no active browser page")

	// ErrTransport wraps browser engine or network level failures.
	ErrTransport = errors.New("browser transport failure")
)
