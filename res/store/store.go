package store

import (
	"context"
	"time"

	"homecare-api/res/booking"
)

type Store interface {
	Users() UserStore
	Bookings() BookingStore
	BookingLogs() BookingLogStore

	Ping(ctx context.Context) error
	Close() error
}

type UserStore interface {
	Get(ctx context.Context, id string) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)

	Create(ctx context.Context, ID, displayName, email, phone string, role UserRole) (*User, error)
	Update(ctx context.Context, userID string, displayName *string, role *UserRole) (*User, error)
	// SetPushToken registers the device that receives push notifications. An
	// empty token unregisters it.
	SetPushToken(ctx context.Context, userID, token string) error
	PushTokens(ctx context.Context, userIDs ...string) ([]string, error)
}

type BookingStore interface {
	Create(ctx context.Context, b *Booking) error
	Get(ctx context.Context, id string) (*Booking, error)

	// Listings are ordered newest first. A provider's listing also holds the
	// pending bookings no provider has claimed yet.
	ListByCustomer(ctx context.Context, customerID string, limit int) ([]*Booking, error)
	ListByProvider(ctx context.Context, providerID string, limit int) ([]*Booking, error)
	ListAll(ctx context.Context, limit int) ([]*Booking, error)

	// BookedTimes returns the scheduled times already taken on date by
	// bookings that are not cancelled.
	BookedTimes(ctx context.Context, date, serviceID string) ([]string, error)

	// TransitionStatus moves a booking from in.From to in.To and appends a log
	// entry in the same transaction. It fails with ErrStaleStatus when the
	// stored status is no longer in.From.
	TransitionStatus(ctx context.Context, in TransitionInput) (*Booking, *BookingLog, error)

	// UpdateLocation stores a provider position. Samples not newer than the
	// stored one fail with ErrStaleLocation, bookings outside a trackable
	// status with ErrNotTrackable.
	UpdateLocation(ctx context.Context, bookingID string, lat, lng float64, at time.Time) (*Booking, error)
}

type BookingLogStore interface {
	ListByBooking(ctx context.Context, bookingID string) ([]*BookingLog, error)
}

type TransitionInput struct {
	BookingID string
	From      booking.Status
	To        booking.Status
	ChangedBy string

	// ProviderID and ProviderName assign an unassigned booking to the actor.
	ProviderID    string
	ProviderName  string
	ProviderNotes string
	Notes         string
	SignatureURL  string
}
