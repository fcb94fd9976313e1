package rest

import (
	"errors"
	"net/http"
	"time"

	"homecare-api/res/booking"
	"homecare-api/res/locationcache"
	"homecare-api/res/store"

	"github.com/gin-gonic/gin"
)

// Samples stamped further ahead than this are treated as clock skew and
// re-stamped with the server time.
const maxClockSkew = time.Minute

type locationRequest struct {
	Latitude  *float64  `json:"latitude" binding:"required"`
	Longitude *float64  `json:"longitude" binding:"required"`
	Timestamp time.Time `json:"timestamp"`
}

type locationResponse struct {
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	IsTracking  bool      `json:"isTracking"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// pushLocation records a sample from the assigned provider and relays it to
// the customer. Samples older than the stored one are accepted and dropped.
func (s *Server) pushLocation(c *gin.Context) {
	currentUser := s.requireUser(c)
	if currentUser == nil {
		return
	}

	var req locationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, http.StatusBadRequest, booking.CodeValidation, "latitude and longitude are required")
		return
	}

	ctx := c.Request.Context()
	b, err := s.Store.Bookings().Get(ctx, c.Param("id"))
	if err != nil {
		s.storeError(c, "Error retrieving booking", err)
		return
	}
	if b.ProviderID == nil || *b.ProviderID != currentUser.ID {
		s.fail(c, http.StatusForbidden, booking.CodeUnauthorized, "only the assigned provider can share a location")
		return
	}

	now := s.Now().UTC()
	at := req.Timestamp.UTC()
	if at.IsZero() || at.After(now.Add(maxClockSkew)) {
		at = now
	}

	updated, err := s.Store.Bookings().UpdateLocation(ctx, b.ID, *req.Latitude, *req.Longitude, at)
	if errors.Is(err, store.ErrStaleLocation) {
		c.Status(http.StatusNoContent)
		return
	}
	if err != nil {
		s.storeError(c, "Error storing provider location", err)
		return
	}

	err = s.Locations.Put(ctx, locationcache.Entry{BookingID: b.ID, Latitude: *req.Latitude, Longitude: *req.Longitude, UpdatedAt: at})
	if err != nil && !errors.Is(err, locationcache.ErrStale) {
		s.Logger.WithError(err).WithField("booking_id", b.ID).Warn("Failed to cache provider location")
	}

	s.emitLocationUpdated(updated.ToDomain())
	c.Status(http.StatusNoContent)
}

// getLocation lets a viewer that missed realtime events catch up. The cache
// only holds live positions, the booking row keeps the last known one.
func (s *Server) getLocation(c *gin.Context) {
	currentUser := s.requireUser(c)
	if currentUser == nil {
		return
	}
	b := s.loadBooking(c, currentUser)
	if b == nil {
		return
	}

	domain := b.ToDomain()
	if b.Status.Trackable() {
		entry, ok, err := s.Locations.Get(c.Request.Context(), b.ID)
		if err != nil {
			s.Logger.WithError(err).WithField("booking_id", b.ID).Warn("Location cache read failed")
		}
		if ok && (domain.ProviderLocation == nil || entry.UpdatedAt.After(domain.ProviderLocation.LastUpdated)) {
			domain.ProviderLocation = &booking.LocationState{
				Latitude:    entry.Latitude,
				Longitude:   entry.Longitude,
				IsTracking:  true,
				LastUpdated: entry.UpdatedAt,
			}
		}
	}

	loc := domain.ProviderLocation
	if loc == nil {
		s.fail(c, http.StatusNotFound, booking.CodeNotFound, "no location shared for this booking")
		return
	}
	c.JSON(http.StatusOK, gin.H{"location": locationResponse{
		Latitude:    loc.Latitude,
		Longitude:   loc.Longitude,
		IsTracking:  loc.IsTracking,
		LastUpdated: loc.LastUpdated,
	}})
}
