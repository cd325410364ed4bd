package browser

import (
	"strings"

	"tankmon/internal/tank"
)

// Indicator substrings checked against the lowercased document, in priority
// order: a CAPTCHA interstitial can embed the login markup underneath it, so
// captcha indicators win.
var (
	captchaIndicators = []string{"human verification", "captcha", "awswaf", "confirm you are human"}
	loginIndicators   = []string{"user[email]", "user[password]", "log in", "sign in"}
	tankIndicators    = []string{"tank", "litres", "oil", "capacity", "usable"}
)

// ClassifyHTML derives the page kind from a rendered document snapshot.
func ClassifyHTML(html string) tank.PageKind {
	lower := strings.ToLower(html)
	if containsAny(lower, captchaIndicators) {
		return tank.PageCaptcha
	}
	if containsAny(lower, loginIndicators) {
		return tank.PageLogin
	}
	if containsAny(lower, tankIndicators) {
		return tank.PageTank
	}
	return tank.PageUnknown
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}
