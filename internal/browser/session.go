// Package browser owns the single headless Chrome instance and its on-disk
// session state.
package browser

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"go.uber.org/zap"

	"tankmon/internal/tank"
)

// Config controls the behavior of the browser session.
type Config struct {
	UserAgent   string
	ExecPath    string
	SessionPath string
	Settle      time.Duration
	NavTimeout  time.Duration
}

// Session implements tank.Browser using chromedp. One Session exists per
// process; the browser is launched lazily on first use and every engine
// primitive is serialized through a single mutex, since each operation
// depends on the page state left by the previous one.
type Session struct {
	cfg    Config
	logger *zap.Logger

	mu            sync.Mutex
	started       bool
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	scale         float64

	reachable atomic.Bool
}

// NewSession creates a Session without launching the browser.
func NewSession(cfg Config, logger *zap.Logger) *Session {
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 30 * time.Second
	}
	if cfg.Settle <= 0 {
		cfg.Settle = 2 * time.Second
	}
	s := &Session{cfg: cfg, logger: logger, scale: 1}
	s.reachable.Store(true)
	return s
}

// ensureStarted launches the browser and restores the persisted session.
// Callers must hold s.mu.
func (s *Session) ensureStarted(ctx context.Context) error {
	if s.started {
		return nil
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.UserAgent(s.cfg.UserAgent),
		chromedp.WindowSize(1280, 800),
	)
	if s.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(s.cfg.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		allocCancel()
		browserCancel()
		return fmt.Errorf("%w: chromedp warmup: %v", tank.ErrTransport, err)
	}

	s.allocCancel = allocCancel
	s.browserCtx = browserCtx
	s.browserCancel = browserCancel
	s.started = true

	// Restore is attempted once; failure leaves us unauthenticated, which
	// the relay flow recovers from.
	if err := s.restoreSession(ctx); err != nil {
		s.logger.Warn("session restore failed", zap.Error(err))
	}
	return nil
}

// run executes chromedp actions against the live browser tab with the
// configured navigation timeout, honoring caller cancellation. Callers must
// hold s.mu.
func (s *Session) run(ctx context.Context, actions ...chromedp.Action) error {
	taskCtx, cancelTask := context.WithTimeout(s.browserCtx, s.cfg.NavTimeout)
	defer cancelTask()

	stopForward := forwardCancel(ctx, cancelTask)
	defer stopForward()

	if err := chromedp.Run(taskCtx, actions...); err != nil {
		s.reachable.Store(false)
		return fmt.Errorf("%w: %v", tank.ErrTransport, err)
	}
	s.reachable.Store(true)
	return nil
}

// Navigate loads a URL, waits for the settle delay and classifies the result.
func (s *Session) Navigate(ctx context.Context, url string) (tank.PageInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureStarted(ctx); err != nil {
		return tank.PageInfo{}, err
	}
	if err := s.run(ctx,
		chromedp.Navigate(url),
		chromedp.Sleep(s.cfg.Settle),
	); err != nil {
		return tank.PageInfo{}, fmt.Errorf("navigate %s: %w", url, err)
	}
	return s.classify(ctx)
}

// Screenshot captures the viewport as PNG bytes and records the device
// pixel ratio used to map click coordinates back onto the page.
func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil, tank.ErrNoPage
	}
	var buf []byte
	var scale float64
	if err := s.run(ctx,
		chromedp.Evaluate(`window.devicePixelRatio`, &scale),
		chromedp.CaptureScreenshot(&buf),
	); err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}
	if scale > 0 {
		s.scale = scale
	}
	return buf, nil
}

// ClickAt dispatches a click at screenshot pixel coordinates. Coordinates
// are divided by the device pixel ratio captured with the last screenshot
// before being handed to the input layer.
func (s *Session) ClickAt(ctx context.Context, x, y float64) (tank.PageInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return tank.PageInfo{}, tank.ErrNoPage
	}
	scale := s.scale
	if scale <= 0 {
		scale = 1
	}
	if err := s.run(ctx,
		chromedp.MouseClickXY(x/scale, y/scale),
		chromedp.Sleep(s.cfg.Settle),
	); err != nil {
		return tank.PageInfo{}, fmt.Errorf("click at %.0f,%.0f: %w", x, y, err)
	}
	return s.classify(ctx)
}

// Field selectors mirror the supplier's login form; roles keep callers out
// of DOM details.
var fieldSelectors = map[tank.FieldRole]string{
	tank.FieldEmail:    `input[name="user[email]"], input[type="email"], input#user_email`,
	tank.FieldPassword: `input[name="user[password]"], input[type="password"], input#user_password`,
}

// FillField sets the value of a semantically identified login field.
func (s *Session) FillField(ctx context.Context, role tank.FieldRole, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return tank.ErrNoPage
	}
	sel, ok := fieldSelectors[role]
	if !ok {
		return fmt.Errorf("unknown field role %q", role)
	}
	var found bool
	script := fmt.Sprintf(`(() => {
		const el = document.querySelector(%s);
		if (!el) { return false; }
		el.focus();
		el.value = %s;
		el.dispatchEvent(new Event('input', { bubbles: true }));
		el.dispatchEvent(new Event('change', { bubbles: true }));
		return true;
	})()`, strconv.Quote(sel), strconv.Quote(value))
	if err := s.run(ctx, chromedp.Evaluate(script, &found)); err != nil {
		return fmt.Errorf("fill %s field: %w", role, err)
	}
	if !found {
		return fmt.Errorf("fill %s field: element not present", role)
	}
	return nil
}

// Named keys accepted by PressKey, mapped to the raw input runes chromedp
// understands.
var namedKeys = map[string]string{
	"Enter":     kb.Enter,
	"Tab":       kb.Tab,
	"Escape":    kb.Escape,
	"Backspace": kb.Backspace,
	"ArrowUp":   kb.ArrowUp,
	"ArrowDown": kb.ArrowDown,
}

// IsNamedKey reports whether PressKey understands the key name, so callers
// can reject bad input before it reaches a live flow.
func IsNamedKey(key string) bool {
	_, ok := namedKeys[key]
	return ok
}

// TypeText sends text as keyboard events to whatever element holds focus,
// then classifies the resulting page.
func (s *Session) TypeText(ctx context.Context, text string) (tank.PageInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return tank.PageInfo{}, tank.ErrNoPage
	}
	if err := s.run(ctx,
		chromedp.KeyEvent(text),
		chromedp.Sleep(s.cfg.Settle),
	); err != nil {
		return tank.PageInfo{}, fmt.Errorf("type text: %w", err)
	}
	return s.classify(ctx)
}

// PressKey dispatches a single named key press and classifies the result.
func (s *Session) PressKey(ctx context.Context, key string) (tank.PageInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return tank.PageInfo{}, tank.ErrNoPage
	}
	raw, ok := namedKeys[key]
	if !ok {
		return tank.PageInfo{}, fmt.Errorf("unsupported key %q", key)
	}
	if err := s.run(ctx,
		chromedp.KeyEvent(raw),
		chromedp.Sleep(s.cfg.Settle),
	); err != nil {
		return tank.PageInfo{}, fmt.Errorf("press %s: %w", key, err)
	}
	return s.classify(ctx)
}

// SubmitForm submits the login form, preferring the submit control and
// falling back to a direct form submission, then classifies the result.
func (s *Session) SubmitForm(ctx context.Context) (tank.PageInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return tank.PageInfo{}, tank.ErrNoPage
	}
	var submitted bool
	const script = `(() => {
		const btn = document.querySelector('input[type="submit"], button[type="submit"]');
		if (btn) { btn.click(); return true; }
		const form = document.querySelector('form');
		if (form) { form.submit(); return true; }
		return false;
	})()`
	if err := s.run(ctx,
		chromedp.Evaluate(script, &submitted),
		chromedp.Sleep(s.cfg.Settle),
	); err != nil {
		return tank.PageInfo{}, fmt.Errorf("submit form: %w", err)
	}
	if !submitted {
		return tank.PageInfo{}, fmt.Errorf("submit form: no submit control found")
	}
	return s.classify(ctx)
}

// Classify re-derives the classification of the current page.
func (s *Session) Classify(ctx context.Context) (tank.PageInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return tank.PageInfo{}, tank.ErrNoPage
	}
	return s.classify(ctx)
}

// classify captures the document and derives its kind. Callers must hold s.mu.
func (s *Session) classify(ctx context.Context) (tank.PageInfo, error) {
	var html, location, title string
	if err := s.run(ctx,
		chromedp.Location(&location),
		chromedp.Title(&title),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	); err != nil {
		return tank.PageInfo{}, fmt.Errorf("classify page: %w", err)
	}
	return tank.PageInfo{Kind: ClassifyHTML(html), URL: location, Title: title}, nil
}

// Reachable reports whether the last engine operation succeeded at the
// transport level.
func (s *Session) Reachable() bool {
	return s.reachable.Load()
}

// Close persists the session, kills the browser process and releases
// resources. The session cannot be reused afterwards.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	if err := s.persistSession(ctx); err != nil {
		s.logger.Warn("session persist on close failed", zap.Error(err))
	}
	s.browserCancel()
	s.allocCancel()
	s.started = false
	return nil
}

// forwardCancel cancels the chromedp task when the caller's context ends.
func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
