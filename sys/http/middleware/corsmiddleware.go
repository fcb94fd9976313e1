package middleware

import (
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// CORSMiddleware restricts browsers to the frontend in production. Other
// environments accept any origin to ease local development.
func CORSMiddleware(environment, frontendURL string) gin.HandlerFunc {
	if frontendURL == "" {
		frontendURL = "https://yourdomain.com"
	}

	cfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Sec-WebSocket-Protocol", "Sec-WebSocket-Extensions", "Sec-WebSocket-Version", "Sec-WebSocket-Key"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}

	if environment == "production" {
		cfg.AllowOriginFunc = func(origin string) bool {
			// Allow exact match or subdomain match
			return origin == frontendURL ||
				(strings.HasPrefix(origin, "https://") && strings.Contains(origin, strings.TrimPrefix(frontendURL, "https://")))
		}
	} else {
		cfg.AllowOriginFunc = func(string) bool { return true }
	}

	return cors.New(cfg)
}

// CheckOrigin applies the same policy to websocket upgrades.
func CheckOrigin(environment, frontendURL string) func(origin string) bool {
	if environment != "production" {
		return func(string) bool { return true }
	}
	return func(origin string) bool {
		return origin == frontendURL
	}
}
