package realtime

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"homecare-api/res/booking"

	"github.com/spf13/cast"
)

const (
	EventNewBooking              = "new-booking"
	EventBookingStatusUpdated    = "booking-status-updated"
	EventProviderLocationUpdated = "provider-location-updated"
	EventBookingUpdated          = "booking-updated"

	EventJoinProvider = "join-provider"
	EventJoinUser     = "join-user"
	EventJoinAdmin    = "join-admin"
)

// Message is the wire envelope used in both directions.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func NewMessage(event string, data interface{}) (Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, fmt.Errorf("failed to encode %s payload: %w", event, err)
	}
	return Message{Event: event, Data: raw}, nil
}

// StatusUpdated is the booking-status-updated payload. ProviderNotes is nil
// when the payload did not carry the field.
type StatusUpdated struct {
	BookingID     string         `json:"bookingId"`
	BookingNumber string         `json:"bookingNumber,omitempty"`
	NewStatus     booking.Status `json:"newStatus"`
	ProviderNotes *string        `json:"providerNotes,omitempty"`
}

type Location struct {
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// LocationUpdated is the provider-location-updated payload.
type LocationUpdated struct {
	BookingID     string   `json:"bookingId"`
	BookingNumber string   `json:"bookingNumber,omitempty"`
	Location      Location `json:"location"`
}

// DecodeStatusUpdated accepts the payload as sent by the backend; scalar
// fields may arrive as strings or numbers.
func DecodeStatusUpdated(msg Message) (StatusUpdated, error) {
	fields, err := decodeFields(msg)
	if err != nil {
		return StatusUpdated{}, err
	}

	raw := firstOf(fields, "newStatus", "status")
	status, err := booking.ParseStatus(cast.ToString(raw))
	if err != nil {
		return StatusUpdated{}, err
	}

	update := StatusUpdated{
		BookingID:     cast.ToString(firstOf(fields, "bookingId", "id")),
		BookingNumber: cast.ToString(fields["bookingNumber"]),
		NewStatus:     status,
	}
	if notes, ok := fields["providerNotes"]; ok && notes != nil {
		s := cast.ToString(notes)
		update.ProviderNotes = &s
	}
	if update.BookingID == "" && update.BookingNumber == "" {
		return StatusUpdated{}, fmt.Errorf("%s: missing booking reference", msg.Event)
	}
	return update, nil
}

// DecodeLocationUpdated decodes a location sample. A sample without a
// timestamp is stamped with receivedAt.
func DecodeLocationUpdated(msg Message, receivedAt time.Time) (LocationUpdated, error) {
	fields, err := decodeFields(msg)
	if err != nil {
		return LocationUpdated{}, err
	}

	loc, ok := fields["location"].(map[string]interface{})
	if !ok {
		loc = fields
	}

	lat, err := cast.ToFloat64E(firstOf(loc, "latitude", "lat"))
	if err != nil {
		return LocationUpdated{}, fmt.Errorf("%s: invalid latitude: %w", msg.Event, err)
	}
	lng, err := cast.ToFloat64E(firstOf(loc, "longitude", "lng", "long"))
	if err != nil {
		return LocationUpdated{}, fmt.Errorf("%s: invalid longitude: %w", msg.Event, err)
	}
	at, err := parseTimestamp(firstOf(loc, "lastUpdated", "timestamp"))
	if err != nil {
		return LocationUpdated{}, fmt.Errorf("%s: invalid timestamp: %w", msg.Event, err)
	}
	if at.IsZero() {
		at = receivedAt
	}

	update := LocationUpdated{
		BookingID:     cast.ToString(firstOf(fields, "bookingId", "id")),
		BookingNumber: cast.ToString(fields["bookingNumber"]),
		Location:      Location{Latitude: lat, Longitude: lng, LastUpdated: at.UTC()},
	}
	if update.BookingID == "" && update.BookingNumber == "" {
		return LocationUpdated{}, fmt.Errorf("%s: missing booking reference", msg.Event)
	}
	return update, nil
}

// DecodeBooking decodes new-booking and booking-updated payloads. A summary
// without a status is a freshly created booking.
func DecodeBooking(msg Message) (booking.Booking, error) {
	var b booking.Booking
	if err := json.Unmarshal(msg.Data, &b); err != nil {
		return booking.Booking{}, fmt.Errorf("%s: %w", msg.Event, err)
	}
	if b.ID == "" {
		return booking.Booking{}, fmt.Errorf("%s: missing booking id", msg.Event)
	}
	if b.Status == "" {
		b.Status = booking.StatusPending
	}
	if !b.Status.Valid() {
		return booking.Booking{}, fmt.Errorf("%s: unknown status %q", msg.Event, b.Status)
	}
	return b, nil
}

func decodeFields(msg Message) (map[string]interface{}, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal(msg.Data, &fields); err != nil {
		return nil, fmt.Errorf("%s: %w", msg.Event, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%s: empty payload", msg.Event)
	}
	return fields, nil
}

func firstOf(fields map[string]interface{}, keys ...string) interface{} {
	for _, key := range keys {
		if v, ok := fields[key]; ok && v != nil {
			return v
		}
	}
	return nil
}

// parseTimestamp accepts RFC3339 strings, unix seconds and unix millis.
func parseTimestamp(v interface{}) (time.Time, error) {
	switch value := v.(type) {
	case nil:
		return time.Time{}, nil
	case string:
		if strings.TrimSpace(value) == "" {
			return time.Time{}, nil
		}
		if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
			return t, nil
		}
		if n, err := cast.ToInt64E(value); err == nil {
			return fromEpoch(n), nil
		}
		return cast.ToTimeE(value)
	default:
		n, err := cast.ToInt64E(value)
		if err != nil {
			return time.Time{}, err
		}
		return fromEpoch(n), nil
	}
}

func fromEpoch(n int64) time.Time {
	if n > 1e12 {
		return time.UnixMilli(n)
	}
	return time.Unix(n, 0)
}
