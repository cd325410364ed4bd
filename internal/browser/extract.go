package browser

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/chromedp/chromedp"

	"tankmon/internal/tank"
)

// extractScript prefers the explicit gauge attribute and falls back to the
// visible page text for the regex path.
const extractScript = `(() => {
	const el = document.querySelector('[data-percentage]');
	if (el) { return el.getAttribute('data-percentage'); }
	return document.body ? document.body.innerText : '';
})()`

var percentPattern = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*%`)

// ExtractPercent reads the gauge percentage from the current page. It fails
// with tank.ErrScrapeFailed when no numeric value can be located.
func (s *Session) ExtractPercent(ctx context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return 0, tank.ErrNoPage
	}
	var raw string
	if err := s.run(ctx, chromedp.Evaluate(extractScript, &raw)); err != nil {
		return 0, fmt.Errorf("extract percent: %w", err)
	}
	pct, err := parsePercent(raw)
	if err != nil {
		return 0, err
	}
	return pct, nil
}

// parsePercent accepts either a bare numeric attribute value or free page
// text containing an "N%" figure.
func parsePercent(raw string) (float64, error) {
	trimmed := strings.TrimSpace(strings.ReplaceAll(raw, ",", ""))
	if trimmed == "" {
		return 0, tank.ErrScrapeFailed
	}
	// ParseFloat accepts "NaN" and "Inf"; those are never a gauge value.
	if v, err := strconv.ParseFloat(trimmed, 64); err == nil && !math.IsNaN(v) && !math.IsInf(v, 0) {
		return v, nil
	}
	m := percentPattern.FindStringSubmatch(trimmed)
	if m == nil {
		return 0, tank.ErrScrapeFailed
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, tank.ErrScrapeFailed
	}
	return v, nil
}
