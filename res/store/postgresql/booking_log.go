package postgresql

import (
	"context"

	"homecare-api/res/store"
)

type bookingLogStore struct {
	*storeImpl
}

// ListByBooking returns the history of a booking, oldest first.
func (ls *bookingLogStore) ListByBooking(ctx context.Context, bookingID string) ([]*store.BookingLog, error) {
	var logs []*store.BookingLog
	err := ls.db.WithContext(ctx).
		Where("booking_id = ?", bookingID).
		Order("created_at ASC, id ASC").
		Find(&logs).Error
	if err != nil {
		return nil, err
	}
	return logs, nil
}
