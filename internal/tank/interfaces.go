package tank

import (
	"context"
	"time"
)

// Browser owns the single headless browser instance and its on-disk session
// state. Every method is blocking with respect to the underlying engine and
// is serialized internally; it must never be called from a path that has to
// stay responsive.
type Browser interface {
	// Navigate loads a URL, waits for the page to settle and returns the
	// resulting classification.
	Navigate(ctx context.Context, url string) (PageInfo, error)

	// Screenshot captures the current viewport as PNG bytes. It reflects
	// the state after the most recent Navigate/ClickAt/FillField.
	Screenshot(ctx context.Context) ([]byte, error)

	// ClickAt dispatches a click at screenshot pixel coordinates, mapping
	// them onto the live viewport, and re-classifies the resulting page.
	ClickAt(ctx context.Context, x, y float64) (PageInfo, error)

	// FillField fills a semantically identified login field. It reports
	// success or failure only; classification is re-derived separately.
	FillField(ctx context.Context, role FieldRole, value string) error

	// TypeText sends free-form keyboard input to the focused element and
	// re-classifies the resulting page. Used for challenge widgets that
	// are not the semantic login fields.
	TypeText(ctx context.Context, text string) (PageInfo, error)

	// PressKey dispatches a named key press (Enter, Tab, ...) and
	// re-classifies the resulting page.
	PressKey(ctx context.Context, key string) (PageInfo, error)

	// SubmitForm submits the login form and returns the post-navigation
	// classification.
	SubmitForm(ctx context.Context) (PageInfo, error)

	// Classify re-derives the classification of the current page.
	Classify(ctx context.Context) (PageInfo, error)

	// ExtractPercent reads the gauge value from the current page.
	ExtractPercent(ctx context.Context) (float64, error)

	// PersistSession writes the cookie/session blob to durable storage.
	PersistSession(ctx context.Context) error

	// Reachable reports whether the last engine operation completed
	// without a transport-level failure.
	Reachable() bool

	// Close kills the browser process and releases resources.
	Close(ctx context.Context) error
}

// Publisher announces readings on the message bus. Implementations are
// best-effort relative to the scrape: failures are reported but never
// invalidate the reading itself.
type Publisher interface {
	Publish(ctx context.Context, reading Reading) error
	Offline(ctx context.Context) error
}

// HistoryStore persists past readings.
type HistoryStore interface {
	Append(ctx context.Context, reading Reading) error
	Recent(ctx context.Context, limit int) ([]Reading, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
