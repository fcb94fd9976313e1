package store

import (
	"time"

	"homecare-api/res/booking"

	"gorm.io/datatypes"
)

// Booking is the persisted booking row. The latest provider location is kept
// inline; the history of status changes lives in BookingLog.
type Booking struct {
	ID            string `gorm:"primaryKey;size:50;unique"`
	BookingNumber string `gorm:"size:32;not null;unique"`

	Customer   *User   `gorm:"foreignKey:CustomerID"`
	CustomerID string  `gorm:"size:50;not null;index:idx_booking_customer"`
	Provider   *User   `gorm:"foreignKey:ProviderID"`
	ProviderID *string `gorm:"size:50;index:idx_booking_provider"`

	ProviderName string `gorm:"size:50"`
	ServiceID    string `gorm:"size:50;not null"`

	Status booking.Status `gorm:"size:20;not null;default:'pending';index:idx_booking_status"`

	ScheduledDate string `gorm:"size:10;not null;index:idx_booking_date"` // YYYY-MM-DD
	ScheduledTime string `gorm:"size:5;not null"`                         // HH:MM
	Address       string `gorm:"type:text;not null"`

	CustomerInfo datatypes.JSONType[booking.CustomerInfo]
	TotalAmount  float64 `gorm:"not null;default:0"`

	ProviderNotes string `gorm:"type:text"`
	SignatureURL  string `gorm:"size:512"`

	ProviderLatitude  *float64
	ProviderLongitude *float64
	LocationUpdatedAt *time.Time
	IsTracking        bool `gorm:"not null;default:false"`

	CompletedAt *time.Time
	CancelledAt *time.Time

	CreatedAt time.Time `gorm:"autoCreateTime;not null;index:idx_booking_created"`
	UpdatedAt time.Time `gorm:"autoUpdateTime;not null"`
}

// ToDomain converts the row into the API representation.
func (b *Booking) ToDomain() booking.Booking {
	out := booking.Booking{
		ID:            b.ID,
		BookingNumber: b.BookingNumber,
		Status:        b.Status,
		CustomerID:    b.CustomerID,
		ProviderName:  b.ProviderName,
		ServiceID:     b.ServiceID,
		ScheduledDate: b.ScheduledDate,
		ScheduledTime: b.ScheduledTime,
		Address:       b.Address,
		CustomerInfo:  b.CustomerInfo.Data(),
		TotalAmount:   b.TotalAmount,
		ProviderNotes: b.ProviderNotes,
		SignatureURL:  b.SignatureURL,
		CreatedAt:     b.CreatedAt.UTC(),
		UpdatedAt:     b.UpdatedAt.UTC(),
	}
	if b.ProviderID != nil {
		out.ProviderID = *b.ProviderID
	}
	if b.ProviderLatitude != nil && b.ProviderLongitude != nil && b.LocationUpdatedAt != nil {
		out.ProviderLocation = &booking.LocationState{
			Latitude:    *b.ProviderLatitude,
			Longitude:   *b.ProviderLongitude,
			IsTracking:  b.IsTracking && b.Status.Trackable(),
			LastUpdated: b.LocationUpdatedAt.UTC(),
		}
	}
	return out
}

// BookingLog is an append-only record of one accepted status transition.
type BookingLog struct {
	ID        string   `gorm:"primaryKey;size:50;unique"`
	Booking   *Booking `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;"`
	BookingID string   `gorm:"size:50;not null;index:idx_booking_log_booking"`

	OldStatus booking.Status `gorm:"size:20;not null"`
	NewStatus booking.Status `gorm:"size:20;not null"`
	ChangedBy string         `gorm:"size:50;not null"`

	Notes         string `gorm:"type:text"`
	ProviderNotes string `gorm:"type:text"`

	CreatedAt time.Time `gorm:"autoCreateTime;not null;index:idx_booking_log_created"`
}

func (l *BookingLog) ToDomain() booking.LogEntry {
	return booking.LogEntry{
		ID:            l.ID,
		BookingID:     l.BookingID,
		OldStatus:     l.OldStatus,
		NewStatus:     l.NewStatus,
		ChangedBy:     l.ChangedBy,
		Notes:         l.Notes,
		ProviderNotes: l.ProviderNotes,
		Timestamp:     l.CreatedAt.UTC(),
	}
}
