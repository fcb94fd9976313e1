package rest

import (
	"net/http"

	"homecare-api/res/booking"

	"github.com/gin-gonic/gin"
)

type pushTokenRequest struct {
	Token string `json:"token"`
}

func (s *Server) setPushToken(c *gin.Context) {
	currentUser := s.requireUser(c)
	if currentUser == nil {
		return
	}

	var req pushTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, http.StatusBadRequest, booking.CodeValidation, "invalid push token")
		return
	}
	if err := s.Store.Users().SetPushToken(c.Request.Context(), currentUser.ID, req.Token); err != nil {
		s.storeError(c, "Error saving push token", err)
		return
	}
	c.Status(http.StatusNoContent)
}
