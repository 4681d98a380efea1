package middleware

import "github.com/gin-gonic/gin"

// SecurityHeaders marks every ops response as non-cacheable and non-embeddable. The ops
// listener only serves JSON and the Prometheus text format.
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Content-Security-Policy", "default-src 'none'")
		c.Header("Referrer-Policy", "no-referrer")
		c.Header("Cache-Control", "no-store")
		c.Next()
	}
}
