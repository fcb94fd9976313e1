package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"homecare-api/res/booking"
	"homecare-api/res/realtime"

	"github.com/graph-gophers/dataloader"
	"github.com/sirupsen/logrus"
)

const (
	DefaultRefetchWait    = 100 * time.Millisecond
	DefaultRefetchTimeout = 15 * time.Second
)

var ErrNotListed = errors.New("reconcile: booking not in refreshed list")

// Lister fetches the authoritative booking list for the session's actor,
// newest first.
type Lister interface {
	ListBookings(ctx context.Context) ([]booking.Booking, error)
}

// Channel is the subset of the realtime client the cache binds to.
type Channel interface {
	On(event string, handler realtime.Handler) func()
	OnReconnect(fn func()) func()
}

type Config struct {
	Lister Lister
	Logger logrus.FieldLogger

	// RefetchWait is the window in which new-booking refetches are coalesced.
	RefetchWait    time.Duration
	RefetchTimeout time.Duration
}

type subscription struct {
	bookingID string
	onList    func([]booking.Booking)
	onBooking func(booking.Booking)
}

// change is one committed collection state waiting to be delivered.
type change struct {
	list      []booking.Booking
	bookingID string
}

// Cache is the session's booking collection. It is the only writer of the
// collection; views read snapshots and subscribe to changes.
type Cache struct {
	cfg    Config
	loader *dataloader.Loader

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	list []booking.Booking
	// rev counts committed changes; versions holds the rev at which each
	// booking last changed.
	rev      uint64
	versions map[string]uint64
	// pending changes are delivered in commit order by one goroutine at a time.
	pending  []change
	draining bool
	nextID   uint64
	subs     map[uint64]subscription
	unbind   []func()
}

func New(cfg Config) *Cache {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.RefetchWait <= 0 {
		cfg.RefetchWait = DefaultRefetchWait
	}
	if cfg.RefetchTimeout <= 0 {
		cfg.RefetchTimeout = DefaultRefetchTimeout
	}

	base, cancel := context.WithCancel(context.Background())
	c := &Cache{
		cfg:      cfg,
		base:     base,
		cancel:   cancel,
		versions: make(map[string]uint64),
		subs:     make(map[uint64]subscription),
	}
	c.loader = dataloader.NewBatchedLoader(c.batchRefetch,
		dataloader.WithWait(cfg.RefetchWait),
		dataloader.WithCache(&dataloader.NoCache{}),
	)
	return c
}

// Get returns a copy of the cached booking.
func (c *Cache) Get(bookingID string) (booking.Booking, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := Locate(c.list, bookingID, "")
	if i < 0 {
		return booking.Booking{}, false
	}
	return c.list[i].Clone(), true
}

// Snapshot returns a copy of the whole collection, newest first.
func (c *Cache) Snapshot() []booking.Booking {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneAll(c.list)
}

// Upsert applies a booking returned by the backend.
func (c *Cache) Upsert(b booking.Booking) {
	c.apply(b.ID, b.BookingNumber, func(list []booking.Booking) ([]booking.Booking, bool) {
		return ApplyBookingUpdate(list, b)
	})
}

// StopTracking clears the tracking flag of a booking locally.
func (c *Cache) StopTracking(bookingID string) {
	c.apply(bookingID, "", func(list []booking.Booking) ([]booking.Booking, bool) {
		i := Locate(list, bookingID, "")
		if i < 0 || !list[i].IsTracking() {
			return list, false
		}
		return replace(list, i, list[i].WithoutTracking()), true
	})
}

func (c *Cache) HandleNewBooking(b booking.Booking) {
	added := c.apply(b.ID, b.BookingNumber, func(list []booking.Booking) ([]booking.Booking, bool) {
		return ApplyNewBooking(list, b)
	})
	if added {
		c.refetchLater(b.ID)
	}
}

func (c *Cache) HandleStatusUpdate(u realtime.StatusUpdated) {
	c.apply(u.BookingID, u.BookingNumber, func(list []booking.Booking) ([]booking.Booking, bool) {
		return ApplyStatusUpdate(list, u)
	})
}

func (c *Cache) HandleLocationUpdate(u realtime.LocationUpdated) {
	c.apply(u.BookingID, u.BookingNumber, func(list []booking.Booking) ([]booking.Booking, bool) {
		return ApplyLocationUpdate(list, u)
	})
}

func (c *Cache) HandleBookingUpdate(b booking.Booking) {
	c.Upsert(b)
}

// Refresh replaces the collection with the backend's list. Cached locations
// newer than the fetched ones are kept, and so is every booking the cache
// changed while the list was in flight: the fetched copy may predate it.
func (c *Cache) Refresh(ctx context.Context) error {
	if c.cfg.Lister == nil {
		return nil
	}
	c.mu.Lock()
	startRev := c.rev
	c.mu.Unlock()

	fetched, err := c.cfg.Lister.ListBookings(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	changedSince := func(id string) bool { return c.versions[id] > startRev }

	next := make([]booking.Booking, 0, len(fetched))
	listed := make(map[string]bool, len(fetched))
	for _, b := range fetched {
		j := Locate(c.list, b.ID, b.BookingNumber)
		switch {
		case j >= 0 && changedSince(c.list[j].ID):
			next = append(next, c.list[j])
			listed[c.list[j].ID] = true
		case j >= 0:
			next = append(next, Merge(c.list[j], b))
			listed[b.ID] = true
		default:
			next = append(next, b.WithStatus(b.Status))
			listed[b.ID] = true
		}
	}

	// Bookings that arrived or changed during the fetch but are not listed
	// yet stay at the head.
	var kept []booking.Booking
	for _, b := range c.list {
		if !listed[b.ID] && changedSince(b.ID) {
			kept = append(kept, b)
		}
	}
	if len(kept) > 0 {
		next = append(kept, next...)
	}

	c.rev++
	for _, b := range next {
		if !changedSince(b.ID) {
			c.versions[b.ID] = c.rev
		}
	}
	for id := range c.versions {
		if Locate(next, id, "") < 0 {
			delete(c.versions, id)
		}
	}
	c.commitLocked(next, "")
	c.mu.Unlock()

	c.cfg.Logger.WithField("count", len(next)).Debug("Booking cache refreshed")
	c.flush()
	return nil
}

// Subscribe calls fn with a snapshot after every change. The returned
// function removes the subscription.
func (c *Cache) Subscribe(fn func([]booking.Booking)) func() {
	return c.subscribe(subscription{onList: fn})
}

// Watch calls fn with the booking after every change that touches it.
func (c *Cache) Watch(bookingID string, fn func(booking.Booking)) func() {
	return c.subscribe(subscription{bookingID: bookingID, onBooking: fn})
}

// Bind routes the channel's booking events into the cache and re-fetches the
// list after every reconnect. The returned function undoes the binding.
func (c *Cache) Bind(ch Channel) func() {
	logger := c.cfg.Logger
	offs := []func(){
		ch.On(realtime.EventNewBooking, func(msg realtime.Message) {
			b, err := realtime.DecodeBooking(msg)
			if err != nil {
				logger.WithError(err).Warn("Ignoring malformed event")
				return
			}
			c.HandleNewBooking(b)
		}),
		ch.On(realtime.EventBookingStatusUpdated, func(msg realtime.Message) {
			u, err := realtime.DecodeStatusUpdated(msg)
			if err != nil {
				logger.WithError(err).Warn("Ignoring malformed event")
				return
			}
			c.HandleStatusUpdate(u)
		}),
		ch.On(realtime.EventProviderLocationUpdated, func(msg realtime.Message) {
			u, err := realtime.DecodeLocationUpdated(msg, time.Now().UTC())
			if err != nil {
				logger.WithError(err).Warn("Ignoring malformed event")
				return
			}
			c.HandleLocationUpdate(u)
		}),
		ch.On(realtime.EventBookingUpdated, func(msg realtime.Message) {
			b, err := realtime.DecodeBooking(msg)
			if err != nil {
				logger.WithError(err).Warn("Ignoring malformed event")
				return
			}
			c.HandleBookingUpdate(b)
		}),
		ch.OnReconnect(func() {
			c.refreshInBackground()
		}),
	}

	var once sync.Once
	off := func() {
		once.Do(func() {
			for _, fn := range offs {
				fn()
			}
		})
	}

	c.mu.Lock()
	c.unbind = append(c.unbind, off)
	c.mu.Unlock()
	return off
}

// Close removes every binding and waits for background refetches.
func (c *Cache) Close() {
	c.mu.Lock()
	unbind := c.unbind
	c.unbind = nil
	c.mu.Unlock()

	for _, fn := range unbind {
		fn()
	}
	c.cancel()
	c.wg.Wait()
}

// apply runs reduce under the lock and records the change against the
// booking identified by id or number.
func (c *Cache) apply(id, number string, reduce func([]booking.Booking) ([]booking.Booking, bool)) bool {
	c.mu.Lock()
	next, changed := reduce(c.list)
	if changed {
		c.rev++
		bookingID := id
		if i := Locate(next, id, number); i >= 0 {
			bookingID = next[i].ID
			c.versions[bookingID] = c.rev
		}
		c.commitLocked(next, bookingID)
	}
	c.mu.Unlock()

	if changed {
		c.flush()
	}
	return changed
}

func (c *Cache) commitLocked(list []booking.Booking, bookingID string) {
	c.list = list
	c.pending = append(c.pending, change{list: list, bookingID: bookingID})
}

// flush delivers pending changes in commit order. Only one goroutine drains
// at a time; a change committed meanwhile, including one made by a
// subscriber, is delivered by the draining goroutine.
func (c *Cache) flush() {
	c.mu.Lock()
	if c.draining {
		c.mu.Unlock()
		return
	}
	c.draining = true
	for len(c.pending) > 0 {
		ch := c.pending[0]
		c.pending = c.pending[1:]
		subs := make([]subscription, 0, len(c.subs))
		for _, s := range c.subs {
			subs = append(subs, s)
		}
		c.mu.Unlock()

		c.deliver(subs, ch)

		c.mu.Lock()
	}
	c.draining = false
	c.mu.Unlock()
}

// deliver runs outside the lock. An empty bookingID means every booking may
// have changed.
func (c *Cache) deliver(subs []subscription, ch change) {
	for _, s := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.cfg.Logger.WithField("panic", r).Error("Booking subscriber panicked")
				}
			}()
			switch {
			case s.onList != nil:
				s.onList(cloneAll(ch.list))
			case ch.bookingID == "" || s.bookingID == ch.bookingID:
				if i := Locate(ch.list, s.bookingID, ""); i >= 0 {
					s.onBooking(ch.list[i].Clone())
				}
			}
		}()
	}
}

func (c *Cache) subscribe(s subscription) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	key := c.nextID
	c.subs[key] = s

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, key)
	}
}

func (c *Cache) refreshInBackground() {
	if c.cfg.Lister == nil || c.base.Err() != nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(c.base, c.cfg.RefetchTimeout)
		defer cancel()
		if err := c.Refresh(ctx); err != nil {
			c.cfg.Logger.WithError(err).Warn("Booking cache refresh failed")
		}
	}()
}

// refetchLater schedules a refetch for a booking announced by the channel.
// Announcements arriving within RefetchWait share one list request.
func (c *Cache) refetchLater(bookingID string) {
	if c.cfg.Lister == nil || c.base.Err() != nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(c.base, c.cfg.RefetchTimeout)
		defer cancel()
		thunk := c.loader.Load(ctx, dataloader.StringKey(bookingID))
		if _, err := thunk(); err != nil {
			c.cfg.Logger.WithError(err).WithField("booking_id", bookingID).Warn("Background booking refetch failed")
		}
	}()
}

func (c *Cache) batchRefetch(ctx context.Context, keys dataloader.Keys) []*dataloader.Result {
	results := make([]*dataloader.Result, len(keys))
	if err := c.Refresh(ctx); err != nil {
		for i := range keys {
			results[i] = &dataloader.Result{Error: err}
		}
		return results
	}

	for i, key := range keys {
		if b, ok := c.Get(key.String()); ok {
			results[i] = &dataloader.Result{Data: b}
		} else {
			results[i] = &dataloader.Result{Error: ErrNotListed}
		}
	}
	return results
}

func cloneAll(list []booking.Booking) []booking.Booking {
	out := make([]booking.Booking, len(list))
	for i := range list {
		out[i] = list[i].Clone()
	}
	return out
}
