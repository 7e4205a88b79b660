package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// RelayKeyHeader carries the relay key. Authorization is left alone because
// it belongs to the backend.
const RelayKeyHeader = "X-Relay-Key"

// Auth returns a relay key middleware
func Auth(relayKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Skip auth if no relay key configured
		if relayKey == "" {
			c.Next()
			return
		}

		key := c.GetHeader(RelayKeyHeader)
		if subtle.ConstantTimeCompare([]byte(key), []byte(relayKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "invalid relay key"})
			return
		}

		// Never forward the relay key upstream
		c.Request.Header.Del(RelayKeyHeader)
		c.Next()
	}
}
