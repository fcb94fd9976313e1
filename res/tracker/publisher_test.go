package tracker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"homecare-api/res/geo"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingPusher struct {
	mu     sync.Mutex
	pushes map[string]int
	err    error
}

func newCountingPusher() *countingPusher {
	return &countingPusher{pushes: make(map[string]int)}
}

func (c *countingPusher) PushLocation(_ context.Context, bookingID string, _ geo.Reading) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pushes[bookingID]++
	return c.err
}

func (c *countingPusher) count(bookingID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pushes[bookingID]
}

func newTestPublisher(src geo.Source, pusher Pusher, interval time.Duration) *Publisher {
	logger, _ := test.NewNullLogger()
	return New(Config{
		Source:        src,
		Pusher:        pusher,
		Interval:      interval,
		SampleTimeout: 50 * time.Millisecond,
		Logger:        logger,
	})
}

func TestPublisher_StartIsIdempotent(t *testing.T) {
	pusher := newCountingPusher()
	p := newTestPublisher(geo.Static{Latitude: 1, Longitude: 2}, pusher, 50*time.Millisecond)
	defer p.Close()

	require.NoError(t, p.Start(context.Background(), "bkg_1"))
	require.NoError(t, p.Start(context.Background(), "bkg_1"))
	assert.Equal(t, 1, p.ActiveCount())

	time.Sleep(175 * time.Millisecond)

	// one immediate push plus three ticks; a duplicate schedule would double it
	pushes := pusher.count("bkg_1")
	assert.GreaterOrEqual(t, pushes, 2)
	assert.LessOrEqual(t, pushes, 5)
}

func TestPublisher_StopHaltsPushes(t *testing.T) {
	pusher := newCountingPusher()
	p := newTestPublisher(geo.Static{Latitude: 1, Longitude: 2}, pusher, 20*time.Millisecond)
	defer p.Close()

	require.NoError(t, p.Start(context.Background(), "bkg_1"))
	time.Sleep(50 * time.Millisecond)
	p.Stop("bkg_1")
	assert.False(t, p.Active("bkg_1"))

	after := pusher.count("bkg_1")
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, after, pusher.count("bkg_1"))

	p.Stop("bkg_1")
	p.Stop("never-started")
}

func TestPublisher_PermissionDeniedAbortsStart(t *testing.T) {
	pusher := newCountingPusher()
	p := newTestPublisher(geo.Denied{}, pusher, 20*time.Millisecond)
	defer p.Close()

	err := p.Start(context.Background(), "bkg_1")
	assert.ErrorIs(t, err, geo.ErrPermissionDenied)
	assert.False(t, p.Active("bkg_1"))
	assert.Equal(t, 0, pusher.count("bkg_1"))
}

func TestPublisher_FirstSampleTimeoutAbortsStart(t *testing.T) {
	hang := geo.SourceFunc(func(ctx context.Context) (geo.Reading, error) {
		<-ctx.Done()
		return geo.Reading{}, ctx.Err()
	})
	p := newTestPublisher(hang, newCountingPusher(), 20*time.Millisecond)
	defer p.Close()

	err := p.Start(context.Background(), "bkg_1")
	assert.ErrorIs(t, err, geo.ErrTimeout)
	assert.False(t, p.Active("bkg_1"))
}

func TestPublisher_FailedSampleKeepsSchedule(t *testing.T) {
	var calls atomic.Int32
	flaky := geo.SourceFunc(func(context.Context) (geo.Reading, error) {
		if calls.Add(1)%2 == 0 {
			return geo.Reading{}, errors.New("gps glitch")
		}
		return geo.Reading{Latitude: 1, Longitude: 1}, nil
	})

	var failures atomic.Int32
	pusher := newCountingPusher()
	logger, _ := test.NewNullLogger()
	p := New(Config{
		Source:   flaky,
		Pusher:   pusher,
		Interval: 15 * time.Millisecond,
		Logger:   logger,
		OnError: func(string, error) {
			failures.Add(1)
		},
	})
	defer p.Close()

	require.NoError(t, p.Start(context.Background(), "bkg_1"))
	time.Sleep(100 * time.Millisecond)

	assert.True(t, p.Active("bkg_1"))
	assert.Greater(t, failures.Load(), int32(0))
	assert.Greater(t, pusher.count("bkg_1"), 1)
}

func TestPublisher_ScopedStopsWithOwner(t *testing.T) {
	pusher := newCountingPusher()
	p := newTestPublisher(geo.Static{Latitude: 1, Longitude: 2}, pusher, 20*time.Millisecond)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.Scoped(ctx, "bkg_1"))
	cancel()

	assert.Eventually(t, func() bool { return !p.Active("bkg_1") }, time.Second, 5*time.Millisecond)
	after := pusher.count("bkg_1")
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, after, pusher.count("bkg_1"))
}

func TestPublisher_StopAllKeepsPublisherUsable(t *testing.T) {
	p := newTestPublisher(geo.Static{Latitude: 1, Longitude: 2}, newCountingPusher(), 20*time.Millisecond)
	defer p.Close()

	require.NoError(t, p.Start(context.Background(), "bkg_1"))
	require.NoError(t, p.Start(context.Background(), "bkg_2"))
	p.StopAll()
	assert.Equal(t, 0, p.ActiveCount())

	require.NoError(t, p.Start(context.Background(), "bkg_3"))
	assert.True(t, p.Active("bkg_3"))
}

func TestPublisher_CloseStopsEverything(t *testing.T) {
	p := newTestPublisher(geo.Static{Latitude: 1, Longitude: 2}, newCountingPusher(), 20*time.Millisecond)

	require.NoError(t, p.Start(context.Background(), "bkg_1"))
	require.NoError(t, p.Start(context.Background(), "bkg_2"))
	assert.Equal(t, 2, p.ActiveCount())

	p.Close()
	assert.Equal(t, 0, p.ActiveCount())
	assert.ErrorIs(t, p.Start(context.Background(), "bkg_3"), ErrClosed)
}
