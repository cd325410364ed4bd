package fetch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tankmon/internal/config"
	"tankmon/internal/publisher/memory"
	"tankmon/internal/tank"
)

type fakeBrowser struct {
	mu       sync.Mutex
	page     tank.PageInfo
	percent  float64
	percents map[string]float64 // per-URL gauge values; missing URL has no gauge
	navGate  chan struct{}      // when set, Navigate blocks until closed
	urls     []string
	lastURL  string
	navCalls int32
	extCalls int32
	perCalls int32
}

func (b *fakeBrowser) Navigate(ctx context.Context, url string) (tank.PageInfo, error) {
	atomic.AddInt32(&b.navCalls, 1)
	if b.navGate != nil {
		select {
		case <-b.navGate:
		case <-ctx.Done():
			return tank.PageInfo{}, ctx.Err()
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.urls = append(b.urls, url)
	b.lastURL = url
	return b.page, nil
}

func (b *fakeBrowser) ExtractPercent(ctx context.Context) (float64, error) {
	atomic.AddInt32(&b.extCalls, 1)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.percents != nil {
		v, ok := b.percents[b.lastURL]
		if !ok {
			return 0, tank.ErrScrapeFailed
		}
		return v, nil
	}
	return b.percent, nil
}

func (b *fakeBrowser) PersistSession(ctx context.Context) error {
	atomic.AddInt32(&b.perCalls, 1)
	return nil
}

func (b *fakeBrowser) Screenshot(context.Context) ([]byte, error) { return nil, nil }
func (b *fakeBrowser) ClickAt(context.Context, float64, float64) (tank.PageInfo, error) {
	return tank.PageInfo{}, nil
}
func (b *fakeBrowser) FillField(context.Context, tank.FieldRole, string) error { return nil }
func (b *fakeBrowser) TypeText(context.Context, string) (tank.PageInfo, error) {
	return tank.PageInfo{}, nil
}
func (b *fakeBrowser) PressKey(context.Context, string) (tank.PageInfo, error) {
	return tank.PageInfo{}, nil
}
func (b *fakeBrowser) SubmitForm(context.Context) (tank.PageInfo, error) {
	return tank.PageInfo{}, nil
}
func (b *fakeBrowser) Classify(context.Context) (tank.PageInfo, error) {
	return tank.PageInfo{}, nil
}
func (b *fakeBrowser) Reachable() bool                 { return true }
func (b *fakeBrowser) Close(context.Context) error     { return nil }
func (b *fakeBrowser) calls() (nav, ext, per int32) {
	return atomic.LoadInt32(&b.navCalls), atomic.LoadInt32(&b.extCalls), atomic.LoadInt32(&b.perCalls)
}

type fakeRelay struct {
	inProgress bool
	aborts     int
}

func (r *fakeRelay) InProgress() bool { return r.inProgress }
func (r *fakeRelay) State() (tank.AuthState, string) {
	if r.inProgress {
		return tank.AuthAwaitingCaptcha, ""
	}
	return tank.AuthIdle, ""
}
func (r *fakeRelay) Abort() {
	r.aborts++
	r.inProgress = false
}

type fakeHistory struct {
	mu       sync.Mutex
	readings []tank.Reading
}

func (h *fakeHistory) Append(_ context.Context, r tank.Reading) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readings = append(h.readings, r)
	return nil
}

func (h *fakeHistory) Recent(context.Context, int) ([]tank.Reading, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.readings, nil
}

type fixedClock struct{ at time.Time }

func (c fixedClock) Now() time.Time { return c.at }

func testCfg(tankID string, capacity float64) func() config.Config {
	return func() config.Config {
		cfg := config.Default()
		cfg.Tank.ID = tankID
		cfg.Tank.CapacityLitres = capacity
		return cfg
	}
}

func newTestCoordinator(b *fakeBrowser, relay Relay, cfg func() config.Config) (*Coordinator, *memory.Publisher, *fakeHistory) {
	pub := memory.New()
	hist := &fakeHistory{}
	c := New(b, relay, pub, hist, cfg, fixedClock{at: time.Unix(1700000000, 0).UTC()}, nil, zap.NewNop())
	return c, pub, hist
}

func TestFetch_ComputesLitresFromCapacity(t *testing.T) {
	t.Parallel()

	b := &fakeBrowser{page: tank.PageInfo{Kind: tank.PageTank}, percent: 45}
	c, pub, hist := newTestCoordinator(b, &fakeRelay{}, testCfg("1234", 1200))

	r, err := c.Fetch(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, 45.0, r.Percent)
	require.Equal(t, 540.0, r.Litres)
	require.Equal(t, "Medium", r.Level)

	latest, ok := c.Latest()
	require.True(t, ok)
	require.Equal(t, r, latest)

	require.Len(t, pub.Readings(), 1)
	recent, err := hist.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
}

func TestFetch_ZeroCapacityYieldsZeroLitres(t *testing.T) {
	t.Parallel()

	b := &fakeBrowser{page: tank.PageInfo{Kind: tank.PageTank}, percent: 80}
	c, _, _ := newTestCoordinator(b, &fakeRelay{}, testCfg("1234", 0))

	r, err := c.Fetch(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, 80.0, r.Percent)
	require.Zero(t, r.Litres)
}

func TestFetch_DeclinedWhileAuthInProgress(t *testing.T) {
	t.Parallel()

	b := &fakeBrowser{page: tank.PageInfo{Kind: tank.PageTank}, percent: 45}
	relay := &fakeRelay{inProgress: true}
	c, _, _ := newTestCoordinator(b, relay, testCfg("1234", 1200))

	_, err := c.Fetch(context.Background(), false)
	require.ErrorIs(t, err, tank.ErrAuthInProgress)

	nav, ext, per := b.calls()
	require.Zero(t, nav)
	require.Zero(t, ext)
	require.Zero(t, per)
	require.Zero(t, relay.aborts)

	_, ok := c.Latest()
	require.False(t, ok)
}

func TestFetch_ForceAbortsStaleAuthFlow(t *testing.T) {
	t.Parallel()

	b := &fakeBrowser{page: tank.PageInfo{Kind: tank.PageTank}, percent: 45}
	relay := &fakeRelay{inProgress: true}
	c, _, _ := newTestCoordinator(b, relay, testCfg("1234", 1200))

	r, err := c.Fetch(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, 540.0, r.Litres)
	require.Equal(t, 1, relay.aborts)
}

func TestFetch_SessionExpiredNeedsAuth(t *testing.T) {
	t.Parallel()

	for _, kind := range []tank.PageKind{tank.PageLogin, tank.PageCaptcha} {
		b := &fakeBrowser{page: tank.PageInfo{Kind: kind}}
		c, pub, _ := newTestCoordinator(b, &fakeRelay{}, testCfg("1234", 1200))

		_, err := c.Fetch(context.Background(), false)
		require.ErrorIs(t, err, tank.ErrNeedsAuth)

		_, ext, _ := b.calls()
		require.Zero(t, ext, "no extraction on a %s page", kind)
		require.Empty(t, pub.Readings())
	}
}

func fallbackCfg() func() config.Config {
	return func() config.Config {
		cfg := config.Default()
		cfg.Tank.ID = "1234"
		cfg.Tank.CapacityLitres = 1200
		cfg.Browser.TankURLTemplate = "https://portal.test/tanks/%s/edit"
		cfg.Browser.FallbackURLs = []string{
			"https://portal.test/tanks/%s",
			"https://portal.test/dashboard",
		}
		return cfg
	}
}

func TestFetch_FallsBackToAlternativePages(t *testing.T) {
	t.Parallel()

	b := &fakeBrowser{
		page: tank.PageInfo{Kind: tank.PageTank},
		percents: map[string]float64{
			"https://portal.test/dashboard": 45,
		},
	}
	c, _, _ := newTestCoordinator(b, &fakeRelay{}, fallbackCfg())

	r, err := c.Fetch(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, 540.0, r.Litres)
	require.Equal(t, []string{
		"https://portal.test/tanks/1234/edit",
		"https://portal.test/tanks/1234",
		"https://portal.test/dashboard",
	}, b.urls)
}

func TestFetch_PrimaryPageWinsWithoutFallback(t *testing.T) {
	t.Parallel()

	b := &fakeBrowser{
		page: tank.PageInfo{Kind: tank.PageTank},
		percents: map[string]float64{
			"https://portal.test/tanks/1234/edit": 72,
		},
	}
	c, _, _ := newTestCoordinator(b, &fakeRelay{}, fallbackCfg())

	r, err := c.Fetch(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, 72.0, r.Percent)
	require.Equal(t, []string{"https://portal.test/tanks/1234/edit"}, b.urls)
}

func TestFetch_AllPagesMissGauge(t *testing.T) {
	t.Parallel()

	b := &fakeBrowser{
		page:     tank.PageInfo{Kind: tank.PageTank},
		percents: map[string]float64{},
	}
	c, pub, _ := newTestCoordinator(b, &fakeRelay{}, fallbackCfg())

	_, err := c.Fetch(context.Background(), false)
	require.ErrorIs(t, err, tank.ErrScrapeFailed)
	require.Len(t, b.urls, 3)
	require.Empty(t, pub.Readings())
}

func TestFetch_MissingTankID(t *testing.T) {
	t.Parallel()

	b := &fakeBrowser{page: tank.PageInfo{Kind: tank.PageTank}}
	c, _, _ := newTestCoordinator(b, &fakeRelay{}, testCfg("", 1200))

	_, err := c.Fetch(context.Background(), false)
	require.ErrorIs(t, err, tank.ErrConfigInvalid)
	nav, _, _ := b.calls()
	require.Zero(t, nav)
}

// Concurrent fetches share a single browser scrape.
func TestFetch_ConcurrentCallersShareOneScrape(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	b := &fakeBrowser{page: tank.PageInfo{Kind: tank.PageTank}, percent: 45, navGate: gate}
	c, _, _ := newTestCoordinator(b, &fakeRelay{}, testCfg("1234", 1200))

	const callers = 4
	results := make(chan tank.Reading, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := c.Fetch(context.Background(), false)
			require.NoError(t, err)
			results <- r
		}()
	}

	// Let all callers pile up behind the in-flight navigation.
	require.Eventually(t, func() bool {
		nav, _, _ := b.calls()
		return nav == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()
	close(results)

	nav, ext, _ := b.calls()
	require.Equal(t, int32(1), nav)
	require.Equal(t, int32(1), ext)

	var first tank.Reading
	i := 0
	for r := range results {
		if i == 0 {
			first = r
		} else {
			require.Equal(t, first, r)
		}
		i++
	}
	require.Equal(t, callers, i)
}

func TestLatest_EmptyBeforeFirstFetch(t *testing.T) {
	t.Parallel()

	b := &fakeBrowser{page: tank.PageInfo{Kind: tank.PageTank}}
	c, _, _ := newTestCoordinator(b, &fakeRelay{}, testCfg("1234", 1200))

	_, ok := c.Latest()
	require.False(t, ok)
}
