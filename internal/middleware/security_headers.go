package middleware

import (
	"github.com/gin-gonic/gin"
)

// SecurityHeaders adds the security headers of a JSON API
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		c.Header("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		c.Header("Referrer-Policy", "no-referrer")

		// job results carry generated source
		c.Header("Cache-Control", "no-store")

		c.Next()
	}
}
