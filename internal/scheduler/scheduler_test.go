package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tankmon/internal/tank"
)

type countingFetcher struct {
	calls int32
	err   error
}

func (f *countingFetcher) Fetch(context.Context, bool) (tank.Reading, error) {
	atomic.AddInt32(&f.calls, 1)
	return tank.Reading{}, f.err
}

func (f *countingFetcher) count() int32 { return atomic.LoadInt32(&f.calls) }

func fixedTiming(grace, every time.Duration) Timing {
	return func() (time.Duration, time.Duration) { return grace, every }
}

func TestScheduler_TicksAfterGrace(t *testing.T) {
	t.Parallel()

	f := &countingFetcher{}
	s := New(f, fixedTiming(10*time.Millisecond, 10*time.Millisecond), zap.NewNop())
	s.Start(context.Background())
	defer s.Stop()

	require.True(t, s.Running())
	require.Eventually(t, func() bool { return f.count() >= 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestScheduler_DisabledInterval(t *testing.T) {
	t.Parallel()

	f := &countingFetcher{}
	s := New(f, fixedTiming(0, 0), zap.NewNop())
	s.Start(context.Background())

	require.False(t, s.Running())
	time.Sleep(50 * time.Millisecond)
	require.Zero(t, f.count())
}

func TestScheduler_StopHaltsTicks(t *testing.T) {
	t.Parallel()

	f := &countingFetcher{}
	s := New(f, fixedTiming(0, 5*time.Millisecond), zap.NewNop())
	s.Start(context.Background())

	require.Eventually(t, func() bool { return f.count() >= 1 }, 2*time.Second, time.Millisecond)
	s.Stop()
	require.False(t, s.Running())

	settled := f.count()
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, settled, f.count())

	// Stop is idempotent.
	s.Stop()
}

func TestScheduler_RestartPicksUpNewTiming(t *testing.T) {
	t.Parallel()

	var every atomic.Int64
	every.Store(int64(time.Hour))
	f := &countingFetcher{}
	s := New(f, func() (time.Duration, time.Duration) {
		return 0, time.Duration(every.Load())
	}, zap.NewNop())

	s.Start(context.Background())
	defer s.Stop()
	first := f.count() // at most the immediate post-grace tick

	every.Store(int64(5 * time.Millisecond))
	s.Start(context.Background())
	require.Eventually(t, func() bool { return f.count() > first+2 }, 2*time.Second, time.Millisecond)
}

func TestScheduler_KeepsTickingThroughErrors(t *testing.T) {
	t.Parallel()

	f := &countingFetcher{err: tank.ErrNeedsAuth}
	s := New(f, fixedTiming(0, 5*time.Millisecond), zap.NewNop())
	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool { return f.count() >= 3 }, 2*time.Second, time.Millisecond)
}

func TestScheduler_ParentContextCancelStopsLoop(t *testing.T) {
	t.Parallel()

	f := &countingFetcher{}
	ctx, cancel := context.WithCancel(context.Background())
	s := New(f, fixedTiming(0, 5*time.Millisecond), zap.NewNop())
	s.Start(ctx)

	require.Eventually(t, func() bool { return f.count() >= 1 }, 2*time.Second, time.Millisecond)
	cancel()

	time.Sleep(20 * time.Millisecond)
	settled := f.count()
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, settled, f.count())
}
