// Package tank defines core types shared across subsystems.
package tank

import (
	"math"
	"time"
)

// PageKind classifies the page currently rendered in the browser.
type PageKind string

// Page kinds derived from the rendered document.
const (
	PageCaptcha PageKind = "captcha"
	PageLogin   PageKind = "login"
	PageTank    PageKind = "tank"
	PageUnknown PageKind = "unknown"
)

// PageInfo is the classification of the current page. It is computed fresh
// from each snapshot and never cached across navigations.
type PageInfo struct {
	Kind  PageKind `json:"kind"`
	URL   string   `json:"url"`
	Title string   `json:"title,omitempty"`
}

// AuthState is the authentication flow state owned by the relay.
type AuthState string

// Auth states. The in-progress flag is true for every state except
// AuthIdle, AuthAuthenticated and AuthFailed.
const (
	AuthIdle            AuthState = "idle"
	AuthStarting        AuthState = "starting"
	AuthAwaitingCaptcha AuthState = "awaiting_captcha"
	AuthAwaitingLogin   AuthState = "awaiting_login_form"
	AuthAuthenticated   AuthState = "authenticated"
	AuthFailed          AuthState = "failed"
)

// InProgress reports whether s represents an operator-driven flow that
// scraping must not interrupt.
func (s AuthState) InProgress() bool {
	switch s {
	case AuthIdle, AuthAuthenticated, AuthFailed:
		return false
	default:
		return true
	}
}

// FieldRole identifies a login form field semantically, so callers never
// deal in DOM selectors.
type FieldRole string

// Supported login form fields.
const (
	FieldEmail    FieldRole = "email"
	FieldPassword FieldRole = "password"
)

// Reading is one immutable tank measurement. Litres is always derived from
// the clamped percent and the configured capacity.
type Reading struct {
	Percent   float64   `json:"percent"`
	Capacity  float64   `json:"capacity"`
	Litres    float64   `json:"litres"`
	Level     string    `json:"level_name"`
	Timestamp time.Time `json:"timestamp"`
}

// NewReading derives a Reading from a scraped percentage and the configured
// tank capacity. Percent is clamped to [0,100]; a non-positive capacity
// yields zero litres rather than an error.
func NewReading(percent, capacity float64, at time.Time) Reading {
	percent = ClampPercent(percent)
	litres := 0.0
	if capacity > 0 {
		litres = capacity * percent / 100
	} else {
		capacity = 0
	}
	return Reading{
		Percent:   percent,
		Capacity:  capacity,
		Litres:    litres,
		Level:     LevelName(percent),
		Timestamp: at.UTC(),
	}
}

// ClampPercent bounds a gauge value to [0,100]. Non-finite input maps to 0
// so derived litres stay finite.
func ClampPercent(p float64) float64 {
	if math.IsNaN(p) {
		return 0
	}
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// LevelName buckets a percentage into the coarse level shown to operators.
func LevelName(percent float64) string {
	switch {
	case percent >= 60:
		return "High"
	case percent >= 30:
		return "Medium"
	default:
		return "Low"
	}
}
