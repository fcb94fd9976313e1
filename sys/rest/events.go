package rest

import (
	"homecare-api/res/booking"
	"homecare-api/res/realtime"
	"homecare-api/sys/hub"
)

func rooms(b booking.Booking) []string {
	out := []string{hub.AdminRoom, hub.UserRoom(b.CustomerID)}
	if b.ProviderID != "" {
		out = append(out, hub.ProviderRoom(b.ProviderID))
	}
	return out
}

// emitNewBooking tells the assigned provider and the admins. The customer
// created it and already has it.
func (s *Server) emitNewBooking(b booking.Booking) {
	targets := []string{hub.AdminRoom}
	if b.ProviderID != "" {
		targets = append(targets, hub.ProviderRoom(b.ProviderID))
	}
	s.emit(realtime.EventNewBooking, b, targets...)
}

func (s *Server) emitStatusUpdated(b booking.Booking, providerNotes string) {
	payload := realtime.StatusUpdated{
		BookingID:     b.ID,
		BookingNumber: b.BookingNumber,
		NewStatus:     b.Status,
	}
	if providerNotes != "" {
		payload.ProviderNotes = &providerNotes
	}
	s.emit(realtime.EventBookingStatusUpdated, payload, rooms(b)...)
}

// emitLocationUpdated goes to the customer and admins only. The provider is
// the source of the sample.
func (s *Server) emitLocationUpdated(b booking.Booking) {
	loc := b.ProviderLocation
	if loc == nil {
		return
	}
	payload := realtime.LocationUpdated{
		BookingID:     b.ID,
		BookingNumber: b.BookingNumber,
		Location: realtime.Location{
			Latitude:    loc.Latitude,
			Longitude:   loc.Longitude,
			LastUpdated: loc.LastUpdated,
		},
	}
	s.emit(realtime.EventProviderLocationUpdated, payload, hub.UserRoom(b.CustomerID), hub.AdminRoom)
}

func (s *Server) emit(event string, data interface{}, targets ...string) {
	if s.Hub == nil {
		return
	}
	if err := s.Hub.Emit(event, data, targets...); err != nil {
		s.Logger.WithError(err).WithField("event", event).Error("Failed to emit realtime event")
	}
}
