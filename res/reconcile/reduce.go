package reconcile

import (
	"homecare-api/res/booking"
	"homecare-api/res/realtime"
)

// The reducers below take an ordered collection (head = newest) and return the
// collection after the event plus whether anything changed. Inputs are never
// modified; an unchanged result is the input slice itself.

// Locate returns the index of the booking matching id, falling back to the
// booking number, or -1.
func Locate(list []booking.Booking, id, number string) int {
	if id != "" {
		for i := range list {
			if list[i].ID == id {
				return i
			}
		}
	}
	if number != "" {
		for i := range list {
			if list[i].BookingNumber == number {
				return i
			}
		}
	}
	return -1
}

// ApplyNewBooking inserts b at the head unless it is already present.
func ApplyNewBooking(list []booking.Booking, b booking.Booking) ([]booking.Booking, bool) {
	if Locate(list, b.ID, b.BookingNumber) >= 0 {
		return list, false
	}
	out := make([]booking.Booking, 0, len(list)+1)
	out = append(out, b.WithStatus(b.Status))
	return append(out, list...), true
}

// ApplyStatusUpdate sets the status and re-derives tracking. Notes are merged
// only when the event carries them.
func ApplyStatusUpdate(list []booking.Booking, u realtime.StatusUpdated) ([]booking.Booking, bool) {
	i := Locate(list, u.BookingID, u.BookingNumber)
	if i < 0 {
		return list, false
	}
	prev := list[i]

	next := prev.WithStatus(u.NewStatus)
	if u.ProviderNotes != nil {
		next.ProviderNotes = *u.ProviderNotes
	}
	if next.Status == prev.Status && next.ProviderNotes == prev.ProviderNotes && next.IsTracking() == prev.IsTracking() {
		return list, false
	}
	return replace(list, i, next), true
}

// ApplyLocationUpdate merges a coordinate sample. Samples not strictly newer
// than the cached one are discarded.
func ApplyLocationUpdate(list []booking.Booking, u realtime.LocationUpdated) ([]booking.Booking, bool) {
	i := Locate(list, u.BookingID, u.BookingNumber)
	if i < 0 {
		return list, false
	}
	loc := u.Location
	next, accepted := list[i].WithLocation(loc.Latitude, loc.Longitude, loc.LastUpdated)
	if !accepted {
		return list, false
	}
	return replace(list, i, next), true
}

// ApplyBookingUpdate replaces a booking with the server's copy, keeping a
// cached location that is newer than the one carried by the update. Unknown
// bookings are inserted at the head.
func ApplyBookingUpdate(list []booking.Booking, b booking.Booking) ([]booking.Booking, bool) {
	i := Locate(list, b.ID, b.BookingNumber)
	if i < 0 {
		return ApplyNewBooking(list, b)
	}
	return replace(list, i, Merge(list[i], b)), true
}

// Merge returns next with prev's location kept when prev's is newer, and the
// tracking flag re-derived from next's status.
func Merge(prev, next booking.Booking) booking.Booking {
	next = next.Clone()
	if p := prev.ProviderLocation; p != nil {
		n := next.ProviderLocation
		if n == nil || p.LastUpdated.After(n.LastUpdated) {
			loc := *p
			next.ProviderLocation = &loc
		}
	}
	return next.WithStatus(next.Status)
}

func replace(list []booking.Booking, i int, b booking.Booking) []booking.Booking {
	out := make([]booking.Booking, len(list))
	copy(out, list)
	out[i] = b
	return out
}
