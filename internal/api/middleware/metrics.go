package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/liliang-cn/askchat/internal/metrics"
)

// Metrics records method, status and duration of every request, including
// the time spent streaming the body.
func Metrics(m *metrics.Relay) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		m.Observe(c.Request.Method, c.Writer.Status(), time.Since(start))
	}
}
