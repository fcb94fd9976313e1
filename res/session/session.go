package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"homecare-api/res/booking"
	"homecare-api/res/geo"
	"homecare-api/res/realtime"
	"homecare-api/res/reconcile"
	"homecare-api/res/tracker"

	"github.com/sirupsen/logrus"
)

// API is the backend surface a session needs.
type API interface {
	reconcile.Lister
	booking.Commander
	tracker.Pusher
}

// Channel is the realtime connection owned by a session.
type Channel interface {
	reconcile.Channel
	Connect(ctx context.Context, id realtime.Identity) error
	Close()
}

type Config struct {
	API      API
	Channel  Channel
	Identity realtime.Identity
	Name     string

	// Source is required for provider sessions.
	Source   geo.Source
	Interval time.Duration
	Capturer booking.SignatureCapturer
	Policy   booking.DisplayPolicy
	Logger   logrus.FieldLogger

	OnTrackingError func(bookingID string, err error)
}

// Session is everything scoped to one authenticated actor: one realtime
// connection, one booking cache, and for providers one location publisher.
type Session struct {
	cfg       Config
	cache     *reconcile.Cache
	publisher *tracker.Publisher
	machine   *booking.Machine
	unbind    func()
	closeOnce sync.Once
}

// Open connects the channel, loads the booking list and, for providers,
// resumes tracking of bookings that are already underway.
func Open(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.API == nil || cfg.Channel == nil {
		return nil, fmt.Errorf("session: api and channel are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	logger := cfg.Logger.WithFields(logrus.Fields{"actor": cfg.Identity.ID, "role": cfg.Identity.Role})

	s := &Session{cfg: cfg}
	s.cache = reconcile.New(reconcile.Config{Lister: cfg.API, Logger: logger})

	var tr booking.Tracker
	if cfg.Identity.Role == realtime.RoleProvider {
		if cfg.Source == nil {
			return nil, fmt.Errorf("session: provider sessions need a location source")
		}
		s.publisher = tracker.New(tracker.Config{
			Source:   cfg.Source,
			Pusher:   cfg.API,
			Interval: cfg.Interval,
			Logger:   logger,
			OnError:  cfg.OnTrackingError,
		})
		tr = s.publisher
	}

	s.machine = booking.NewMachine(booking.MachineConfig{
		Commander: cfg.API,
		Ledger:    s.cache,
		Tracker:   tr,
		Capturer:  cfg.Capturer,
		Actor: booking.Actor{
			ID:       cfg.Identity.ID,
			Name:     cfg.Name,
			Provider: cfg.Identity.Role == realtime.RoleProvider,
		},
		Logger: logger,
		OnStale: func(ctx context.Context, bookingID string) {
			if err := s.cache.Refresh(ctx); err != nil {
				logger.WithError(err).WithField("booking_id", bookingID).Warn("Resync after stale transition failed")
			}
		},
	})

	s.unbind = s.cache.Bind(cfg.Channel)
	if err := cfg.Channel.Connect(ctx, cfg.Identity); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.cache.Refresh(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("session: initial booking load: %w", err)
	}

	s.resumeTracking(ctx)
	logger.Info("Session opened")
	return s, nil
}

func (s *Session) resumeTracking(ctx context.Context) {
	if s.publisher == nil {
		return
	}
	for _, b := range s.cache.Snapshot() {
		if !b.Status.Trackable() || (b.ProviderID != "" && b.ProviderID != s.cfg.Identity.ID) {
			continue
		}
		if err := s.publisher.Start(ctx, b.ID); err != nil {
			s.cfg.Logger.WithError(err).WithField("booking_id", b.ID).Warn("Could not resume location tracking")
		}
	}
}

func (s *Session) Bookings() []booking.Booking {
	return s.cache.Snapshot()
}

func (s *Session) Booking(bookingID string) (booking.Booking, bool) {
	return s.cache.Get(bookingID)
}

func (s *Session) Subscribe(fn func([]booking.Booking)) func() {
	return s.cache.Subscribe(fn)
}

func (s *Session) Watch(bookingID string, fn func(booking.Booking)) func() {
	return s.cache.Watch(bookingID, fn)
}

func (s *Session) AvailableActions(bookingID string) []booking.Status {
	return s.machine.AvailableActions(bookingID)
}

func (s *Session) Transition(ctx context.Context, bookingID string, target booking.Status, notes string) (booking.Booking, error) {
	return s.machine.RequestTransition(ctx, bookingID, target, notes)
}

func (s *Session) SubmitSignature(ctx context.Context, bookingID string, sig booking.Signature) (booking.Booking, error) {
	return s.machine.SubmitSignature(ctx, bookingID, sig)
}

func (s *Session) AwaitingSignature(bookingID string) bool {
	return s.machine.AwaitingSignature(bookingID)
}

// ShowLocation applies the session's display policy to a cached booking.
func (s *Session) ShowLocation(bookingID string) bool {
	b, ok := s.cache.Get(bookingID)
	return ok && s.cfg.Policy.ShowLocation(b)
}

// Tracking reports whether this session is publishing for bookingID.
func (s *Session) Tracking(bookingID string) bool {
	return s.publisher != nil && s.publisher.Active(bookingID)
}

// Refresh re-fetches the booking list.
func (s *Session) Refresh(ctx context.Context) error {
	return s.cache.Refresh(ctx)
}

// Close stops tracking, unbinds the cache and closes the connection. It is
// safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if s.publisher != nil {
			s.publisher.Close()
		}
		if s.unbind != nil {
			s.unbind()
		}
		s.cache.Close()
		s.cfg.Channel.Close()
		s.cfg.Logger.WithField("actor", s.cfg.Identity.ID).Info("Session closed")
	})
}
