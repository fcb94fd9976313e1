package middleware

import (
	"github.com/gin-gonic/gin"
)

// CSPMiddleware sets Content Security Policy and other security headers
func CSPMiddleware() gin.HandlerFunc {
	// Restrictive policy for API endpoints
	csp := "default-src 'none'; " +
		"connect-src 'self'; " +
		"object-src 'none'; " +
		"frame-ancestors 'none'; " +
		"form-action 'none'; " +
		"base-uri 'none'; " +
		"upgrade-insecure-requests; " +
		"block-all-mixed-content"

	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Content-Security-Policy", csp)

		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		// The API itself never asks the browser for a position; providers
		// post coordinates explicitly.
		h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=()")

		// HSTS only makes sense over TLS
		if c.Request.TLS != nil {
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains; preload")
		}

		c.Next()
	}
}
