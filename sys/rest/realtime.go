package rest

import (
	"net/http"

	"homecare-api/res/booking"
	"homecare-api/sys/hub"

	"github.com/gin-gonic/gin"
)

func (s *Server) serveWS(c *gin.Context) {
	currentUser := s.requireUser(c)
	if currentUser == nil {
		return
	}
	if s.Hub == nil {
		s.fail(c, http.StatusServiceUnavailable, booking.CodeInternal, "realtime channel unavailable")
		return
	}

	principal := hub.Principal{
		ID:         currentUser.ID,
		IsAdmin:    currentUser.IsAdmin(),
		IsProvider: currentUser.IsProvider(),
	}
	// The upgrader has already answered the request when this fails.
	if err := s.Hub.ServeWS(c.Writer, c.Request, principal); err != nil {
		s.Logger.WithError(err).WithField("actor", currentUser.ID).Debug("Realtime upgrade failed")
	}
}
