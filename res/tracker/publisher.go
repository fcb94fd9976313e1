package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"homecare-api/res/geo"

	"github.com/sirupsen/logrus"
)

const (
	DefaultInterval      = 30 * time.Second
	DefaultSampleTimeout = 10 * time.Second
)

var ErrClosed = errors.New("tracker: publisher closed")

// Pusher forwards an accepted sample to the backend.
type Pusher interface {
	PushLocation(ctx context.Context, bookingID string, reading geo.Reading) error
}

type Config struct {
	Source        geo.Source
	Pusher        Pusher
	Interval      time.Duration
	SampleTimeout time.Duration
	Logger        logrus.FieldLogger

	// OnError receives every failed sample or push of a running schedule.
	OnError func(bookingID string, err error)
}

type schedule struct {
	cancel  context.CancelFunc
	release func() bool
	done    chan struct{}
}

// Publisher samples the provider position for each active booking on a fixed
// period. At most one schedule exists per booking.
type Publisher struct {
	cfg Config

	base       context.Context
	cancelBase context.CancelFunc

	mu        sync.Mutex
	schedules map[string]*schedule
	starting  map[string]chan struct{}
	aborted   map[string]bool
}

func New(cfg Config) *Publisher {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.SampleTimeout <= 0 {
		cfg.SampleTimeout = DefaultSampleTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	base, cancel := context.WithCancel(context.Background())
	return &Publisher{
		cfg:        cfg,
		base:       base,
		cancelBase: cancel,
		schedules:  make(map[string]*schedule),
		starting:   make(map[string]chan struct{}),
		aborted:    make(map[string]bool),
	}
}

// Start takes one immediate sample, pushes it and schedules recurring
// samples until Stop. ctx bounds only the first sample. Permission and
// timeout failures of that sample abort the start and are returned.
func (p *Publisher) Start(ctx context.Context, bookingID string) error {
	return p.start(ctx, bookingID, nil)
}

// Scoped is Start with the schedule additionally tied to ctx: cancelling ctx
// stops sampling, which is how a view ties tracking to its own lifetime.
func (p *Publisher) Scoped(ctx context.Context, bookingID string) error {
	return p.start(ctx, bookingID, ctx)
}

func (p *Publisher) start(ctx context.Context, bookingID string, owner context.Context) error {
	p.mu.Lock()
	if p.base.Err() != nil {
		p.mu.Unlock()
		return ErrClosed
	}
	if _, running := p.schedules[bookingID]; running {
		p.mu.Unlock()
		return nil
	}
	if wait, pending := p.starting[bookingID]; pending {
		p.mu.Unlock()
		select {
		case <-wait:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	ready := make(chan struct{})
	p.starting[bookingID] = ready
	p.mu.Unlock()

	logger := p.cfg.Logger.WithField("booking_id", bookingID)

	reading, err := geo.Sample(ctx, p.cfg.Source, p.cfg.SampleTimeout)
	if err != nil {
		p.mu.Lock()
		delete(p.starting, bookingID)
		delete(p.aborted, bookingID)
		p.mu.Unlock()
		close(ready)
		logger.WithError(err).Warn("Location tracking not started")
		return fmt.Errorf("start tracking %s: %w", bookingID, err)
	}

	if err := p.cfg.Pusher.PushLocation(ctx, bookingID, reading); err != nil {
		p.report(bookingID, err)
	}

	loopCtx, cancel := context.WithCancel(p.base)
	sched := &schedule{cancel: cancel, done: make(chan struct{})}
	if owner != nil {
		sched.release = context.AfterFunc(owner, cancel)
	}

	p.mu.Lock()
	delete(p.starting, bookingID)
	if p.aborted[bookingID] || p.base.Err() != nil {
		delete(p.aborted, bookingID)
		p.mu.Unlock()
		close(ready)
		cancel()
		if sched.release != nil {
			sched.release()
		}
		return nil
	}
	p.schedules[bookingID] = sched
	p.mu.Unlock()
	close(ready)

	go p.run(loopCtx, bookingID, sched)
	logger.WithField("interval", p.cfg.Interval).Info("Location tracking started")
	return nil
}

func (p *Publisher) run(ctx context.Context, bookingID string, sched *schedule) {
	defer close(sched.done)
	defer p.forget(bookingID, sched)
	if sched.release != nil {
		defer sched.release()
	}

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reading, err := geo.Sample(ctx, p.cfg.Source, p.cfg.SampleTimeout)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				p.report(bookingID, err)
				continue
			}
			if err := p.cfg.Pusher.PushLocation(ctx, bookingID, reading); err != nil && ctx.Err() == nil {
				p.report(bookingID, err)
			}
		}
	}
}

func (p *Publisher) forget(bookingID string, sched *schedule) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.schedules[bookingID] == sched {
		delete(p.schedules, bookingID)
	}
}

func (p *Publisher) report(bookingID string, err error) {
	p.cfg.Logger.WithError(err).WithField("booking_id", bookingID).Warn("Location sample failed")
	if p.cfg.OnError != nil {
		p.cfg.OnError(bookingID, err)
	}
}

// Stop cancels the schedule for bookingID and waits for it to exit. It is a
// no-op when nothing is running.
func (p *Publisher) Stop(bookingID string) {
	p.mu.Lock()
	if _, pending := p.starting[bookingID]; pending {
		p.aborted[bookingID] = true
	}
	sched, ok := p.schedules[bookingID]
	p.mu.Unlock()
	if !ok {
		return
	}

	sched.cancel()
	<-sched.done
	p.cfg.Logger.WithField("booking_id", bookingID).Info("Location tracking stopped")
}

// Active reports whether a schedule is running for bookingID.
func (p *Publisher) Active(bookingID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.schedules[bookingID]
	return ok
}

// ActiveCount returns the number of running schedules.
func (p *Publisher) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.schedules)
}

// StopAll stops every running schedule. The publisher stays usable.
func (p *Publisher) StopAll() {
	p.mu.Lock()
	ids := make([]string, 0, len(p.schedules)+len(p.starting))
	for id := range p.schedules {
		ids = append(ids, id)
	}
	for id := range p.starting {
		p.aborted[id] = true
	}
	p.mu.Unlock()

	for _, id := range ids {
		p.Stop(id)
	}
}

// Close stops every schedule and rejects further starts.
func (p *Publisher) Close() {
	p.mu.Lock()
	p.cancelBase()
	running := make([]*schedule, 0, len(p.schedules))
	for _, sched := range p.schedules {
		running = append(running, sched)
	}
	p.mu.Unlock()

	for _, sched := range running {
		<-sched.done
	}
}
