package monitoring

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Middleware creates a Gin middleware for metrics collection
func Middleware(metrics *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		method := c.Request.Method

		c.Next()

		// Route template keeps label cardinality bounded
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.RecordHTTPRequest(method, path, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}

// Timer measures bridge request duration
type Timer struct {
	start    time.Time
	metrics  *Metrics
	protocol string
	method   string
}

// NewTimer creates a new timer
func NewTimer(metrics *Metrics, protocol, method string) *Timer {
	return &Timer{
		start:    time.Now(),
		metrics:  metrics,
		protocol: protocol,
		method:   method,
	}
}

// Stop stops the timer and records the duration
func (t *Timer) Stop(status string) {
	if t.metrics == nil {
		return
	}
	t.metrics.RecordBridgeRequest(t.protocol, t.method, status, time.Since(t.start))
}
