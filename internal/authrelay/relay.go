// Package authrelay turns raw browser primitives into the remotely drivable
// login protocol: start, observe, click/fill, authenticated.
package authrelay

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"go.uber.org/zap"

	"tankmon/internal/tank"
)

// SavedPassword is the sentinel a client sends to mean "use the stored
// credential". The relay substitutes the persisted secret and never
// transmits the sentinel literal to the page.
const SavedPassword = "__saved__"

// ErrNoFlow is returned for click/fill calls when no login flow is active.
var ErrNoFlow = errors.New("no authentication flow in progress")

// Credentials returns the stored account email and password.
type Credentials func() (email, password string)

// StepResult is returned after every relay operation so the operator UI can
// render the page the flow landed on.
type StepResult struct {
	State      tank.AuthState `json:"state"`
	Page       tank.PageInfo  `json:"page_info"`
	Screenshot []byte         `json:"screenshot,omitempty"`
}

// Relay owns the one AuthState instance. Only its own transition functions
// mutate it; everyone else observes it through State and InProgress.
type Relay struct {
	browser   tank.Browser
	loginURL  string
	loginPath string
	creds     Credentials
	logger    *zap.Logger

	// opMu serializes multi-step relay operations; stateMu guards the
	// observable state so status reads never wait on the browser.
	opMu    sync.Mutex
	stateMu sync.RWMutex
	state   tank.AuthState
	reason  string
}

// New constructs a Relay in the Idle state.
func New(b tank.Browser, loginURL string, creds Credentials, logger *zap.Logger) *Relay {
	path := "/users/login"
	if u, err := url.Parse(loginURL); err == nil && u.Path != "" {
		path = u.Path
	}
	return &Relay{
		browser:   b,
		loginURL:  loginURL,
		loginPath: path,
		creds:     creds,
		logger:    logger,
		state:     tank.AuthIdle,
	}
}

// State returns the current auth state and, for Failed, its reason.
func (r *Relay) State() (tank.AuthState, string) {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	return r.state, r.reason
}

// InProgress reports whether an operator-driven flow is active. This is the
// signal the coordinator and scheduler honor before touching the browser.
func (r *Relay) InProgress() bool {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	return r.state.InProgress()
}

// Abort clears a stale in-progress flow. It exists solely for the explicit
// operator override on a forced fetch.
func (r *Relay) Abort() {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	if r.state.InProgress() {
		r.logger.Warn("auth flow aborted by operator override", zap.String("state", string(r.state)))
		r.state = tank.AuthIdle
		r.reason = ""
	}
}

func (r *Relay) setState(s tank.AuthState, reason string) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	if r.state != s {
		r.logger.Info("auth state transition",
			zap.String("from", string(r.state)),
			zap.String("to", string(s)),
		)
	}
	r.state = s
	r.reason = reason
}

// Start begins (or restarts) the login flow by navigating to the login page
// and classifying what came back. A still-valid session cookie lands
// directly in Authenticated.
func (r *Relay) Start(ctx context.Context) (StepResult, error) {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.setState(tank.AuthStarting, "")
	page, err := r.browser.Navigate(ctx, r.loginURL)
	if err != nil {
		r.setState(tank.AuthFailed, err.Error())
		return StepResult{State: tank.AuthFailed}, fmt.Errorf("auth start: %w", err)
	}
	state := r.transition(page, tank.AuthStarting)
	return r.observe(ctx, state, page), nil
}

// Click forwards a screenshot-space click into the page and re-classifies.
// The relay never predicts outcomes; it only observes the resulting page.
func (r *Relay) Click(ctx context.Context, x, y float64) (StepResult, error) {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	current, _ := r.State()
	if !current.InProgress() {
		return StepResult{State: current}, ErrNoFlow
	}
	page, err := r.browser.ClickAt(ctx, x, y)
	if err != nil {
		r.setState(tank.AuthFailed, err.Error())
		return StepResult{State: tank.AuthFailed}, fmt.Errorf("auth click: %w", err)
	}
	state := r.transition(page, current)
	return r.observe(ctx, state, page), nil
}

// Type sends free-form keyboard input into the challenge page, for widgets
// that are not the semantic login fields, and re-classifies.
func (r *Relay) Type(ctx context.Context, text string) (StepResult, error) {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	current, _ := r.State()
	if !current.InProgress() {
		return StepResult{State: current}, ErrNoFlow
	}
	page, err := r.browser.TypeText(ctx, text)
	if err != nil {
		r.setState(tank.AuthFailed, err.Error())
		return StepResult{State: tank.AuthFailed}, fmt.Errorf("auth type: %w", err)
	}
	state := r.transition(page, current)
	return r.observe(ctx, state, page), nil
}

// PressKey forwards a named key press (Enter, Tab, ...) and re-classifies.
func (r *Relay) PressKey(ctx context.Context, key string) (StepResult, error) {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	current, _ := r.State()
	if !current.InProgress() {
		return StepResult{State: current}, ErrNoFlow
	}
	page, err := r.browser.PressKey(ctx, key)
	if err != nil {
		r.setState(tank.AuthFailed, err.Error())
		return StepResult{State: tank.AuthFailed}, fmt.Errorf("auth key press: %w", err)
	}
	state := r.transition(page, current)
	return r.observe(ctx, state, page), nil
}

// FillLogin fills and submits the login form. Email is required and the
// call fails fast, before touching the browser, when it is missing.
func (r *Relay) FillLogin(ctx context.Context, email, password string) (StepResult, error) {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	current, _ := r.State()
	if !current.InProgress() {
		return StepResult{State: current}, ErrNoFlow
	}

	storedEmail, storedPassword := r.creds()
	if password == SavedPassword || password == "" {
		password = storedPassword
	}
	if email == "" {
		email = storedEmail
	}
	if email == "" || password == "" {
		return StepResult{State: current}, fmt.Errorf("%w: credentials missing", tank.ErrConfigInvalid)
	}

	page, err := r.browser.Classify(ctx)
	if err != nil {
		r.setState(tank.AuthFailed, err.Error())
		return StepResult{State: tank.AuthFailed}, fmt.Errorf("auth fill: %w", err)
	}
	if page.Kind != tank.PageLogin {
		state := r.transition(page, current)
		return r.observe(ctx, state, page), fmt.Errorf("%w: expected login form, got %s", tank.ErrClassificationMismatch, page.Kind)
	}

	if err := r.browser.FillField(ctx, tank.FieldEmail, email); err != nil {
		r.setState(tank.AuthFailed, err.Error())
		return StepResult{State: tank.AuthFailed}, fmt.Errorf("auth fill email: %w", err)
	}
	if err := r.browser.FillField(ctx, tank.FieldPassword, password); err != nil {
		r.setState(tank.AuthFailed, err.Error())
		return StepResult{State: tank.AuthFailed}, fmt.Errorf("auth fill password: %w", err)
	}
	page, err = r.browser.SubmitForm(ctx)
	if err != nil {
		r.setState(tank.AuthFailed, err.Error())
		return StepResult{State: tank.AuthFailed}, fmt.Errorf("auth submit: %w", err)
	}
	state := r.transition(page, tank.AuthAwaitingLogin)
	return r.observe(ctx, state, page), nil
}

// Finish lets the operator mark the flow complete. The session is persisted
// and the relay leaves the in-progress window.
func (r *Relay) Finish(ctx context.Context) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	if err := r.browser.PersistSession(ctx); err != nil {
		r.logger.Warn("session persist on finish failed", zap.Error(err))
	}
	current, _ := r.State()
	if current.InProgress() {
		r.setState(tank.AuthAuthenticated, "")
	}
	return nil
}

// transition applies the classification table: a CAPTCHA or login form maps
// to its awaiting state; anything else on a non-login URL means the session
// is valid. An ambiguous page on the login URL keeps the current state.
func (r *Relay) transition(page tank.PageInfo, current tank.AuthState) tank.AuthState {
	var next tank.AuthState
	switch page.Kind {
	case tank.PageCaptcha:
		next = tank.AuthAwaitingCaptcha
	case tank.PageLogin:
		next = tank.AuthAwaitingLogin
	default:
		if !strings.Contains(page.URL, r.loginPath) {
			next = tank.AuthAuthenticated
		} else {
			next = current
		}
	}
	if next == tank.AuthStarting {
		// Nothing recognizable yet; stay in the flow awaiting the form.
		next = tank.AuthAwaitingLogin
	}
	r.setState(next, "")
	return next
}

// observe captures a screenshot for the operator UI and persists the
// session once the flow reaches Authenticated. Screenshot failures are not
// fatal to the step itself.
func (r *Relay) observe(ctx context.Context, state tank.AuthState, page tank.PageInfo) StepResult {
	if state == tank.AuthAuthenticated {
		if err := r.browser.PersistSession(ctx); err != nil {
			r.logger.Warn("session persist failed", zap.Error(err))
		}
	}
	shot, err := r.browser.Screenshot(ctx)
	if err != nil {
		r.logger.Warn("screenshot failed", zap.Error(err))
	}
	return StepResult{State: state, Page: page, Screenshot: shot}
}
