// Package fetch coordinates scrape attempts against the shared browser
// session.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"tankmon/internal/config"
	"tankmon/internal/metrics"
	"tankmon/internal/tank"
)

// Relay is the slice of the auth relay the coordinator depends on.
type Relay interface {
	InProgress() bool
	State() (tank.AuthState, string)
	Abort()
}

// Coordinator serializes fetches, guards against an in-progress auth flow
// and converts the scraped percentage into a reading.
type Coordinator struct {
	browser tank.Browser
	relay   Relay
	pub     tank.Publisher
	history tank.HistoryStore
	cfg     func() config.Config
	clock   tank.Clock
	metrics *metrics.Metrics
	logger  *zap.Logger

	group  singleflight.Group
	latest atomic.Pointer[tank.Reading]
}

// New constructs a Coordinator. Publisher and history store may be nil when
// those integrations are disabled.
func New(
	b tank.Browser,
	relay Relay,
	pub tank.Publisher,
	history tank.HistoryStore,
	cfg func() config.Config,
	clock tank.Clock,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Coordinator {
	return &Coordinator{
		browser: b,
		relay:   relay,
		pub:     pub,
		history: history,
		cfg:     cfg,
		clock:   clock,
		metrics: m,
		logger:  logger,
	}
}

// Latest returns the most recent reading, if any. It never blocks and never
// touches the browser.
func (c *Coordinator) Latest() (tank.Reading, bool) {
	r := c.latest.Load()
	if r == nil {
		return tank.Reading{}, false
	}
	return *r, true
}

// Fetch scrapes the tank page and returns a fresh reading. Concurrent
// callers share a single in-flight scrape. When force is set the call is an
// explicit operator action and clears a stale auth flow instead of
// deferring to it.
func (c *Coordinator) Fetch(ctx context.Context, force bool) (tank.Reading, error) {
	cfg := c.cfg()
	if cfg.Tank.ID == "" {
		return tank.Reading{}, fmt.Errorf("%w: tank id not configured", tank.ErrConfigInvalid)
	}

	if c.relay.InProgress() {
		if !force {
			return tank.Reading{}, tank.ErrAuthInProgress
		}
		c.relay.Abort()
	}

	v, err, _ := c.group.Do("fetch", func() (any, error) {
		return c.scrape(ctx, cfg)
	})
	if err != nil {
		return tank.Reading{}, err
	}
	reading, ok := v.(tank.Reading)
	if !ok {
		return tank.Reading{}, fmt.Errorf("unexpected scrape result type %T", v)
	}
	return reading, nil
}

func (c *Coordinator) scrape(ctx context.Context, cfg config.Config) (tank.Reading, error) {
	c.metrics.FetchStarted()

	percent, err := c.scrapePercent(ctx, cfg)
	if err != nil {
		return tank.Reading{}, err
	}

	reading := tank.NewReading(percent, cfg.Tank.CapacityLitres, c.clock.Now())
	c.latest.Store(&reading)
	c.metrics.FetchSucceeded(reading)

	if err := c.browser.PersistSession(ctx); err != nil {
		c.logger.Warn("session persist after fetch failed", zap.Error(err))
	}
	if c.history != nil {
		if err := c.history.Append(ctx, reading); err != nil {
			c.logger.Warn("history append failed", zap.Error(err))
		}
	}
	// Publishing is best-effort relative to the scrape.
	if c.pub != nil {
		if err := c.pub.Publish(ctx, reading); err != nil {
			c.metrics.PublishFailed()
			c.logger.Warn("publish failed", zap.Error(err))
		} else {
			c.metrics.Published()
		}
	}

	c.logger.Info("tank reading fetched",
		zap.Float64("percent", reading.Percent),
		zap.Float64("litres", reading.Litres),
		zap.String("level", reading.Level),
	)
	return reading, nil
}

// scrapePercent walks the primary tank page and the configured fallback
// pages until one yields a gauge value. A captcha or login landing aborts
// immediately; the session is gone and no other page will fare better.
func (c *Coordinator) scrapePercent(ctx context.Context, cfg config.Config) (float64, error) {
	var lastErr error
	for _, pageURL := range candidateURLs(cfg) {
		page, err := c.browser.Navigate(ctx, pageURL)
		if err != nil {
			lastErr = fmt.Errorf("fetch %s: %w", pageURL, err)
			continue
		}
		switch page.Kind {
		case tank.PageCaptcha, tank.PageLogin:
			// Session expired; the operator has to go back through the
			// relay.
			c.metrics.FetchFailed("needs_auth")
			return 0, fmt.Errorf("%w: landed on %s page", tank.ErrNeedsAuth, page.Kind)
		}
		percent, err := c.browser.ExtractPercent(ctx)
		if err != nil {
			lastErr = fmt.Errorf("extract gauge from %s: %w", pageURL, err)
			c.logger.Debug("no gauge on page, trying next", zap.String("url", pageURL))
			continue
		}
		return percent, nil
	}
	reason := "scrape"
	if errors.Is(lastErr, tank.ErrTransport) {
		reason = "transport"
	}
	c.metrics.FetchFailed(reason)
	return 0, lastErr
}

// candidateURLs expands the tank URL template and the fallback list with
// the configured tank ID.
func candidateURLs(cfg config.Config) []string {
	urls := []string{fmt.Sprintf(cfg.Browser.TankURLTemplate, cfg.Tank.ID)}
	for _, u := range cfg.Browser.FallbackURLs {
		if u == "" {
			continue
		}
		if strings.Contains(u, "%s") {
			u = fmt.Sprintf(u, cfg.Tank.ID)
		}
		urls = append(urls, u)
	}
	return urls
}

// Connected reports whether the last browser operation was reachable at the
// transport level.
func (c *Coordinator) Connected() bool {
	return c.browser.Reachable()
}
