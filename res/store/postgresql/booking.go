package postgresql

import (
	"context"
	"fmt"
	"time"

	"homecare-api/res/booking"
	"homecare-api/res/store"

	"github.com/rs/xid"
	"gorm.io/gorm"
)

type bookingStore struct {
	*storeImpl
}

// MUTATIONS

func (bs *bookingStore) Create(ctx context.Context, b *store.Booking) error {
	if b.Status == "" {
		b.Status = booking.StatusPending
	}
	if !b.Status.Valid() {
		return fmt.Errorf("%w: invalid booking status (%s)", store.ErrInvalidInput, b.Status)
	}

	result := bs.db.WithContext(ctx).Create(b)
	if result.Error != nil {
		return translateError(result.Error)
	}
	if result.RowsAffected != 1 {
		return fmt.Errorf("failed to create booking")
	}
	return nil
}

func (bs *bookingStore) TransitionStatus(ctx context.Context, in store.TransitionInput) (*store.Booking, *store.BookingLog, error) {
	if !in.To.Valid() {
		return nil, nil, fmt.Errorf("%w: invalid booking status (%s)", store.ErrInvalidInput, in.To)
	}

	var updated store.Booking
	var entry *store.BookingLog

	err := bs.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		updates := map[string]interface{}{
			"status":     in.To,
			"updated_at": now,
		}
		if in.ProviderNotes != "" {
			updates["provider_notes"] = in.ProviderNotes
		}
		if in.SignatureURL != "" {
			updates["signature_url"] = in.SignatureURL
		}
		if !in.To.Trackable() {
			updates["is_tracking"] = false
		}
		switch in.To {
		case booking.StatusCompleted:
			updates["completed_at"] = now
		case booking.StatusCancelled:
			updates["cancelled_at"] = now
		}

		query := tx.Model(&store.Booking{}).Where("id = ? AND status = ?", in.BookingID, in.From)
		result := query.Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected != 1 {
			var count int64
			if err := tx.Model(&store.Booking{}).Where("id = ?", in.BookingID).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return fmt.Errorf("%w: booking (id: %s)", store.ErrNotFound, in.BookingID)
			}
			return fmt.Errorf("%w (id: %s, expected: %s)", store.ErrStaleStatus, in.BookingID, in.From)
		}

		if in.ProviderID != "" {
			assign := tx.Model(&store.Booking{}).
				Where("id = ? AND provider_id IS NULL", in.BookingID).
				Updates(map[string]interface{}{"provider_id": in.ProviderID, "provider_name": in.ProviderName})
			if assign.Error != nil {
				return assign.Error
			}
		}

		entry = &store.BookingLog{
			ID:            fmt.Sprintf("log_%s", xid.New().String()),
			BookingID:     in.BookingID,
			OldStatus:     in.From,
			NewStatus:     in.To,
			ChangedBy:     in.ChangedBy,
			Notes:         in.Notes,
			ProviderNotes: in.ProviderNotes,
		}
		if err := tx.Create(entry).Error; err != nil {
			return err
		}

		return tx.Where("id = ?", in.BookingID).First(&updated).Error
	})
	if err != nil {
		return nil, nil, translateError(err)
	}

	return &updated, entry, nil
}

func (bs *bookingStore) UpdateLocation(ctx context.Context, bookingID string, lat, lng float64, at time.Time) (*store.Booking, error) {
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return nil, fmt.Errorf("%w: coordinate out of range (%f, %f)", store.ErrInvalidInput, lat, lng)
	}
	at = at.UTC()

	var updated store.Booking
	err := bs.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&store.Booking{}).
			Where("id = ?", bookingID).
			Where("status IN ?", trackableStatuses()).
			Where("(location_updated_at IS NULL OR location_updated_at < ?)", at).
			Updates(map[string]interface{}{
				"provider_latitude":   lat,
				"provider_longitude":  lng,
				"location_updated_at": at,
				"is_tracking":         true,
			})
		if result.Error != nil {
			return result.Error
		}

		if err := tx.Where("id = ?", bookingID).First(&updated).Error; err != nil {
			return err
		}
		if result.RowsAffected == 1 {
			return nil
		}
		if !updated.Status.Trackable() {
			return fmt.Errorf("%w (id: %s, status: %s)", store.ErrNotTrackable, bookingID, updated.Status)
		}
		return store.ErrStaleLocation
	})
	if err != nil {
		return nil, translateError(err)
	}
	return &updated, nil
}

// QUERIES

func (bs *bookingStore) Get(ctx context.Context, id string) (*store.Booking, error) {
	var b store.Booking
	result := bs.db.WithContext(ctx).Where("id = ?", id).First(&b)
	if result.Error != nil {
		return nil, translateError(result.Error)
	}
	return &b, nil
}

func (bs *bookingStore) ListByCustomer(ctx context.Context, customerID string, limit int) ([]*store.Booking, error) {
	return bs.list(bs.db.WithContext(ctx).Where("customer_id = ?", customerID), limit)
}

func (bs *bookingStore) ListByProvider(ctx context.Context, providerID string, limit int) ([]*store.Booking, error) {
	query := bs.db.WithContext(ctx).
		Where("provider_id = ? OR (provider_id IS NULL AND status = ?)", providerID, booking.StatusPending)
	return bs.list(query, limit)
}

func (bs *bookingStore) ListAll(ctx context.Context, limit int) ([]*store.Booking, error) {
	return bs.list(bs.db.WithContext(ctx), limit)
}

func (bs *bookingStore) BookedTimes(ctx context.Context, date, serviceID string) ([]string, error) {
	query := bs.db.WithContext(ctx).Model(&store.Booking{}).
		Where("scheduled_date = ?", date).
		Where("status <> ?", booking.StatusCancelled)
	if serviceID != "" {
		query = query.Where("service_id = ?", serviceID)
	}

	var times []string
	if err := query.Distinct().Pluck("scheduled_time", &times).Error; err != nil {
		return nil, translateError(err)
	}
	return times, nil
}

func (bs *bookingStore) list(query *gorm.DB, limit int) ([]*store.Booking, error) {
	query = query.Order("created_at DESC, id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var bookings []*store.Booking
	if err := query.Find(&bookings).Error; err != nil {
		return nil, err
	}
	return bookings, nil
}

func trackableStatuses() []booking.Status {
	var out []booking.Status
	for _, s := range booking.AllStatuses() {
		if s.Trackable() {
			out = append(out, s)
		}
	}
	return out
}
