package rest

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"homecare-api/res/booking"
	"homecare-api/res/locationcache"
	"homecare-api/res/notification"
	"homecare-api/res/storage"
	"homecare-api/res/store"
	"homecare-api/sys/http/middleware"
	"homecare-api/sys/hub"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const (
	defaultListLimit = 100
	maxListLimit     = 500

	defaultOpenHour  = 9
	defaultCloseHour = 18
)

type Config struct {
	Logger    logrus.FieldLogger
	Store     store.Store
	Hub       *hub.Hub
	Locations locationcache.Cache

	// Optional services, nil when not configured.
	NotificationService notification.NotificationService
	Signatures          storage.SignatureStore

	// Bookable hours, [OpenHour, CloseHour).
	OpenHour  int
	CloseHour int

	Now func() time.Time
}

// Server is the HTTP surface of the booking lifecycle. It is the authority
// for status transitions and the source of every realtime event.
type Server struct {
	*Config
}

func New(cfg *Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Locations == nil {
		cfg.Locations = locationcache.NewMemory()
	}
	if cfg.OpenHour == 0 && cfg.CloseHour == 0 {
		cfg.OpenHour, cfg.CloseHour = defaultOpenHour, defaultCloseHour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Server{Config: cfg}
}

// RegisterRoutes mounts the authenticated endpoints. locationLimit guards
// the location feed, which is the only high frequency write.
func (s *Server) RegisterRoutes(rg *gin.RouterGroup, locationLimit gin.HandlerFunc) {
	if locationLimit == nil {
		locationLimit = func(c *gin.Context) { c.Next() }
	}

	rg.POST("/bookings", s.createBooking)
	rg.GET("/bookings/user", s.listUserBookings)
	rg.GET("/bookings/provider", s.listProviderBookings)
	rg.GET("/bookings/available-slots", s.availableSlots)
	rg.PUT("/bookings/:id/status", s.updateStatus)
	rg.GET("/bookings/:id/logs", s.bookingLogs)
	rg.POST("/bookings/:id/location", locationLimit, s.pushLocation)
	rg.GET("/bookings/:id/location", s.getLocation)

	rg.PUT("/users/me/push-token", s.setPushToken)
	rg.GET("/ws", s.serveWS)
}

// requireUser returns the authenticated user or ends the request.
func (s *Server) requireUser(c *gin.Context) *store.User {
	currentUser := middleware.GetCurrentUser(c)
	if currentUser == nil {
		s.fail(c, http.StatusUnauthorized, booking.CodeUnauthorized, "access forbidden, authorization required")
		return nil
	}
	return currentUser
}

// loadBooking fetches the booking named in the path and checks that the user
// takes part in it.
func (s *Server) loadBooking(c *gin.Context, currentUser *store.User) *store.Booking {
	b, err := s.Store.Bookings().Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.storeError(c, "Error retrieving booking", err)
		return nil
	}
	if !canView(currentUser, b) {
		s.fail(c, http.StatusForbidden, booking.CodeUnauthorized, "access denied")
		return nil
	}
	return b
}

// canView lets providers see unassigned bookings so they can claim them.
func canView(u *store.User, b *store.Booking) bool {
	switch {
	case u.IsAdmin(), b.CustomerID == u.ID:
		return true
	case u.IsProvider():
		return b.ProviderID == nil || *b.ProviderID == u.ID
	}
	return false
}

func (s *Server) fail(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg, "code": code})
}

// storeError maps store failures to responses. Unexpected errors are logged
// and replaced by a generic message so internals do not leak.
func (s *Server) storeError(c *gin.Context, logMsg string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.fail(c, http.StatusNotFound, booking.CodeNotFound, "booking not found")
	case errors.Is(err, store.ErrStaleStatus):
		s.fail(c, http.StatusConflict, booking.CodeStaleTransition, "booking status changed, refresh and try again")
	case errors.Is(err, store.ErrNotTrackable):
		s.fail(c, http.StatusUnprocessableEntity, booking.CodeNotTrackable, "booking is not being tracked")
	case errors.Is(err, store.ErrInvalidInput):
		s.fail(c, http.StatusUnprocessableEntity, booking.CodeValidation, err.Error())
	default:
		s.Logger.WithError(err).Error(logMsg)
		s.fail(c, http.StatusInternalServerError, booking.CodeInternal, "something went wrong")
	}
}

func listLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", ""))
	if err != nil || limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func toDomain(rows []*store.Booking) []booking.Booking {
	out := make([]booking.Booking, 0, len(rows))
	for _, b := range rows {
		out = append(out, b.ToDomain())
	}
	return out
}
