package middleware

import (
	"net/http"
	"strings"

	"homecare-api/res/auth"
	"homecare-api/res/booking"
	"homecare-api/res/store"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// SESSION USER GETTER

const contextKeyCurrentUser = "currentUser"

func GetCurrentUser(c *gin.Context) *store.User {
	if val, ok := c.Get(contextKeyCurrentUser); ok {
		if currentUser, ok := val.(*store.User); ok {
			return currentUser
		}
	}

	return nil
}

// AUTH MIDDLEWARE

// AuthMiddleware resolves the bearer token to a user. Browsers cannot set
// headers on websocket upgrades, so the token may also come in the "token"
// query parameter.
func AuthMiddleware(logger logrus.FieldLogger, storeImpl store.Store, authImpl auth.Auth) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			abortWithError(c, http.StatusUnauthorized, "Malformed Authorization header", booking.CodeUnauthorized)
			return
		}
		if token == "" {
			abortWithError(c, http.StatusUnauthorized, "Authorization required", booking.CodeUnauthorized)
			return
		}

		var accessTokenClaims auth.AccessTokenClaims
		if err := authImpl.ValidateToken(token, &accessTokenClaims); err != nil {
			logger.WithError(err).Debug("Rejected access token")
			abortWithError(c, http.StatusUnauthorized, "Invalid Authorization header", booking.CodeUnauthorized)
			return
		}

		currentUser, err := storeImpl.Users().Get(c.Request.Context(), accessTokenClaims.UserID)
		if err != nil || currentUser == nil {
			logger.WithError(err).WithField("actor", accessTokenClaims.UserID).Warn("Token for unknown user")
			abortWithError(c, http.StatusUnauthorized, "Invalid Authorization header", booking.CodeUnauthorized)
			return
		}

		c.Set(contextKeyCurrentUser, currentUser)
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	headerVal := c.GetHeader("Authorization")
	if headerVal == "" {
		return c.Query("token"), true
	}

	headerValParts := strings.Split(headerVal, " ")
	if len(headerValParts) != 2 || !strings.EqualFold(headerValParts[0], "Bearer") {
		return "", false
	}
	return headerValParts[1], true
}
