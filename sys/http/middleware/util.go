package middleware

import (
	"github.com/gin-gonic/gin"
)

// abortWithError ends the request with the API's JSON error body
func abortWithError(c *gin.Context, status int, errorMsg, errorCode string) {
	c.Header("X-Content-Type-Options", "nosniff")
	c.AbortWithStatusJSON(status, gin.H{"error": errorMsg, "code": errorCode})
}
