package notification

import (
	"context"
	"errors"

	"homecare-api/res/booking"
)

// BookingChange describes a booking that was created or moved to a new
// status. From is empty for new bookings.
type BookingChange struct {
	Booking   booking.Booking
	From      booking.Status
	ChangedBy string

	// DeviceTokens are the push tokens of the users affected by the change.
	DeviceTokens []string
}

// NotificationService defines the interface for out-of-band notifications
type NotificationService interface {
	// NotifyNewBooking is sent once a customer has created a booking
	NotifyNewBooking(ctx context.Context, change BookingChange) error
	// NotifyStatusChange is sent after every accepted status transition
	NotifyStatusChange(ctx context.Context, change BookingChange) error
}

type multi []NotificationService

// Multi fans a notification out to every configured service. Nil services
// are skipped, so optional backends can be passed unconditionally. It
// returns nil when nothing is configured.
func Multi(services ...NotificationService) NotificationService {
	var m multi
	for _, s := range services {
		if s != nil {
			m = append(m, s)
		}
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

func (m multi) NotifyNewBooking(ctx context.Context, change BookingChange) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.NotifyNewBooking(ctx, change))
	}
	return errors.Join(errs...)
}

func (m multi) NotifyStatusChange(ctx context.Context, change BookingChange) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.NotifyStatusChange(ctx, change))
	}
	return errors.Join(errs...)
}

// Headline is the short human readable summary of a status.
func Headline(s booking.Status) string {
	switch s {
	case booking.StatusPending:
		return "Booking received"
	case booking.StatusConfirmed:
		return "Booking confirmed"
	case booking.StatusProviderOnWay:
		return "Your provider is on the way"
	case booking.StatusProviderStarted:
		return "Your provider has arrived"
	case booking.StatusWorkStarted:
		return "Service started"
	case booking.StatusInProgress:
		return "Service in progress"
	case booking.StatusCompleted:
		return "Service completed"
	case booking.StatusCancelled:
		return "Booking cancelled"
	}
	return "Booking updated"
}
