package reconcile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"homecare-api/res/booking"
	"homecare-api/res/realtime"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLister struct {
	mu       sync.Mutex
	bookings []booking.Booking
	err      error
	calls    atomic.Int32
}

func (f *fakeLister) ListBookings(context.Context) ([]booking.Booking, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]booking.Booking, len(f.bookings))
	copy(out, f.bookings)
	return out, nil
}

func (f *fakeLister) set(bookings ...booking.Booking) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bookings = bookings
}

type fakeChannel struct {
	mu        sync.Mutex
	handlers  map[string][]realtime.Handler
	reconnect []func()
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{handlers: make(map[string][]realtime.Handler)}
}

func (f *fakeChannel) On(event string, h realtime.Handler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = append(f.handlers[event], h)
	idx := len(f.handlers[event]) - 1
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.handlers[event][idx] = nil
	}
}

func (f *fakeChannel) OnReconnect(fn func()) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnect = append(f.reconnect, fn)
	idx := len(f.reconnect) - 1
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.reconnect[idx] = nil
	}
}

func (f *fakeChannel) emit(t *testing.T, event string, data interface{}) {
	msg, err := realtime.NewMessage(event, data)
	require.NoError(t, err)
	f.mu.Lock()
	handlers := append([]realtime.Handler(nil), f.handlers[event]...)
	f.mu.Unlock()
	for _, h := range handlers {
		if h != nil {
			h(msg)
		}
	}
}

func (f *fakeChannel) reconnected() {
	f.mu.Lock()
	hooks := append([]func(){}, f.reconnect...)
	f.mu.Unlock()
	for _, fn := range hooks {
		if fn != nil {
			fn()
		}
	}
}

func newTestCache(lister Lister) *Cache {
	logger, _ := test.NewNullLogger()
	return New(Config{Lister: lister, Logger: logger, RefetchWait: 20 * time.Millisecond})
}

func TestCache_LedgerOperations(t *testing.T) {
	c := newTestCache(nil)
	defer c.Close()

	c.Upsert(tracked("bkg_1", booking.StatusProviderOnWay, t0))
	b, ok := c.Get("bkg_1")
	require.True(t, ok)
	assert.True(t, b.IsTracking())

	// a server copy without location keeps the cached position
	c.Upsert(booking.Booking{ID: "bkg_1", Status: booking.StatusInProgress})
	b, _ = c.Get("bkg_1")
	assert.Equal(t, booking.StatusInProgress, b.Status)
	assert.True(t, b.IsTracking())

	c.StopTracking("bkg_1")
	b, _ = c.Get("bkg_1")
	assert.False(t, b.IsTracking())
	assert.Equal(t, 12.9, b.ProviderLocation.Latitude)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestCache_SnapshotIsACopy(t *testing.T) {
	c := newTestCache(nil)
	defer c.Close()
	c.Upsert(tracked("bkg_1", booking.StatusInProgress, t0))

	snap := c.Snapshot()
	snap[0].ProviderLocation.Latitude = 0
	snap[0].Status = booking.StatusCancelled

	b, _ := c.Get("bkg_1")
	assert.Equal(t, 12.9, b.ProviderLocation.Latitude)
	assert.Equal(t, booking.StatusInProgress, b.Status)
}

func TestCache_SubscribersSeeChanges(t *testing.T) {
	c := newTestCache(nil)
	defer c.Close()
	c.Upsert(booking.Booking{ID: "bkg_1", Status: booking.StatusConfirmed})
	c.Upsert(booking.Booking{ID: "bkg_2", Status: booking.StatusConfirmed})

	var lists int
	var watched []booking.Status
	unsubscribe := c.Subscribe(func([]booking.Booking) { lists++ })
	unwatch := c.Watch("bkg_1", func(b booking.Booking) { watched = append(watched, b.Status) })

	c.HandleStatusUpdate(realtime.StatusUpdated{BookingID: "bkg_1", NewStatus: booking.StatusProviderOnWay})
	c.HandleStatusUpdate(realtime.StatusUpdated{BookingID: "bkg_2", NewStatus: booking.StatusProviderOnWay})
	c.HandleStatusUpdate(realtime.StatusUpdated{BookingID: "bkg_1", NewStatus: booking.StatusProviderOnWay})

	assert.Equal(t, 2, lists, "duplicate event is not a change")
	assert.Equal(t, []booking.Status{booking.StatusProviderOnWay}, watched)

	unsubscribe()
	unwatch()
	c.HandleStatusUpdate(realtime.StatusUpdated{BookingID: "bkg_1", NewStatus: booking.StatusProviderStarted})
	assert.Equal(t, 2, lists)
	assert.Len(t, watched, 1)
}

func TestCache_RefreshKeepsNewerLocation(t *testing.T) {
	lister := &fakeLister{}
	c := newTestCache(lister)
	defer c.Close()

	c.Upsert(tracked("bkg_1", booking.StatusInProgress, t0))
	c.Upsert(booking.Booking{ID: "bkg_gone", Status: booking.StatusPending})

	stale := tracked("bkg_1", booking.StatusInProgress, t0.Add(-time.Minute))
	stale.Address = "12 Lake Rd"
	lister.set(stale, booking.Booking{ID: "bkg_2", Status: booking.StatusPending})

	require.NoError(t, c.Refresh(context.Background()))

	snap := c.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "bkg_1", snap[0].ID)
	assert.Equal(t, "12 Lake Rd", snap[0].Address)
	assert.Equal(t, t0, snap[0].ProviderLocation.LastUpdated)
	_, ok := c.Get("bkg_gone")
	assert.False(t, ok)

	lister.err = errors.New("offline")
	assert.Error(t, c.Refresh(context.Background()))
}

func TestCache_NewBookingRefetchesAreCoalesced(t *testing.T) {
	lister := &fakeLister{}
	c := newTestCache(lister)
	defer c.Close()

	lister.set(
		booking.Booking{ID: "bkg_2", Status: booking.StatusPending, Address: "full"},
		booking.Booking{ID: "bkg_1", Status: booking.StatusPending, Address: "full"},
	)

	c.HandleNewBooking(booking.Booking{ID: "bkg_1", Status: booking.StatusPending})
	c.HandleNewBooking(booking.Booking{ID: "bkg_2", Status: booking.StatusPending})
	c.HandleNewBooking(booking.Booking{ID: "bkg_2", Status: booking.StatusPending})

	assert.Eventually(t, func() bool {
		b, ok := c.Get("bkg_2")
		return ok && b.Address == "full"
	}, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), lister.calls.Load())
}

func TestCache_BindRoutesEventsAndRefreshesOnReconnect(t *testing.T) {
	lister := &fakeLister{}
	c := newTestCache(lister)
	defer c.Close()
	ch := newFakeChannel()
	unbind := c.Bind(ch)

	c.Upsert(booking.Booking{ID: "bkg_1", BookingNumber: "HC-1", Status: booking.StatusConfirmed})

	ch.emit(t, realtime.EventBookingStatusUpdated, map[string]string{"bookingNumber": "HC-1", "newStatus": "provider-on-way"})
	ch.emit(t, realtime.EventProviderLocationUpdated, map[string]interface{}{
		"bookingId": "bkg_1",
		"location":  map[string]interface{}{"latitude": 12.97, "longitude": 77.59, "lastUpdated": t0.Format(time.RFC3339)},
	})
	ch.emit(t, realtime.EventBookingStatusUpdated, map[string]string{"bookingId": "bkg_1", "newStatus": "not-a-status"})

	b, _ := c.Get("bkg_1")
	assert.Equal(t, booking.StatusProviderOnWay, b.Status)
	assert.True(t, b.IsTracking())
	assert.Equal(t, 12.97, b.ProviderLocation.Latitude)

	lister.set(booking.Booking{ID: "bkg_1", BookingNumber: "HC-1", Status: booking.StatusInProgress})
	ch.reconnected()
	assert.Eventually(t, func() bool {
		b, _ := c.Get("bkg_1")
		return b.Status == booking.StatusInProgress
	}, time.Second, 5*time.Millisecond)

	unbind()
	unbind()
	ch.emit(t, realtime.EventBookingStatusUpdated, map[string]string{"bookingId": "bkg_1", "newStatus": "cancelled"})
	b, _ = c.Get("bkg_1")
	assert.Equal(t, booking.StatusInProgress, b.Status)
}

// gatedLister returns its list only after release is closed.
type gatedLister struct {
	fakeLister
	started chan struct{}
	release chan struct{}
}

func (g *gatedLister) ListBookings(ctx context.Context) ([]booking.Booking, error) {
	close(g.started)
	<-g.release
	return g.fakeLister.ListBookings(ctx)
}

func TestCache_RefreshKeepsChangesMadeDuringFetch(t *testing.T) {
	lister := &gatedLister{started: make(chan struct{}), release: make(chan struct{})}
	c := newTestCache(lister)
	defer c.Close()

	c.Upsert(booking.Booking{ID: "bkg_1", Status: booking.StatusConfirmed})
	c.Upsert(booking.Booking{ID: "bkg_2", Status: booking.StatusConfirmed})
	lister.set(
		booking.Booking{ID: "bkg_1", Status: booking.StatusConfirmed, Address: "full"},
		booking.Booking{ID: "bkg_2", Status: booking.StatusProviderOnWay},
	)

	done := make(chan error, 1)
	go func() { done <- c.Refresh(context.Background()) }()
	<-lister.started

	c.HandleStatusUpdate(realtime.StatusUpdated{BookingID: "bkg_1", NewStatus: booking.StatusProviderOnWay})
	c.Upsert(booking.Booking{ID: "bkg_3", Status: booking.StatusPending})
	close(lister.release)
	require.NoError(t, <-done)

	b, ok := c.Get("bkg_1")
	require.True(t, ok)
	assert.Equal(t, booking.StatusProviderOnWay, b.Status)

	// untouched bookings still take the fetched copy
	b, _ = c.Get("bkg_2")
	assert.Equal(t, booking.StatusProviderOnWay, b.Status)

	_, ok = c.Get("bkg_3")
	assert.True(t, ok, "booking added during the fetch is kept")

	// the next refresh is authoritative again
	lister.fakeLister.set(booking.Booking{ID: "bkg_1", Status: booking.StatusInProgress})
	lister.started = make(chan struct{})
	require.NoError(t, c.Refresh(context.Background()))
	b, _ = c.Get("bkg_1")
	assert.Equal(t, booking.StatusInProgress, b.Status)
	_, ok = c.Get("bkg_3")
	assert.False(t, ok)
}

func TestCache_SubscribersSeeChangesInCommitOrder(t *testing.T) {
	c := newTestCache(nil)
	defer c.Close()

	var mu sync.Mutex
	var last []booking.Booking
	var deliveries int
	unsubscribe := c.Subscribe(func(list []booking.Booking) {
		mu.Lock()
		defer mu.Unlock()
		last = list
		deliveries++
	})
	defer unsubscribe()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.Upsert(booking.Booking{ID: "bkg_1", Status: booking.StatusConfirmed, Address: string(rune('a' + i))})
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Positive(t, deliveries)
	assert.Equal(t, c.Snapshot(), last, "the final delivery is the committed state")
}

func TestCache_SubscriberPanicDoesNotStopDelivery(t *testing.T) {
	c := newTestCache(nil)
	defer c.Close()

	var seen int
	c.Subscribe(func([]booking.Booking) { panic("boom") })
	c.Subscribe(func([]booking.Booking) { seen++ })

	c.Upsert(booking.Booking{ID: "bkg_1", Status: booking.StatusConfirmed})
	c.Upsert(booking.Booking{ID: "bkg_1", Status: booking.StatusProviderOnWay})
	assert.Equal(t, 2, seen)
}
