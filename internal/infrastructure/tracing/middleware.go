package tracing

import (
	"github.com/gin-gonic/gin"
)

// headerAppID names the calling app on the REST fallback
const headerAppID = "X-App-ID"

// HTTPMiddleware creates Gin middleware for request tracing
func HTTPMiddleware(tracer *Tracer) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.FullPath()
		if name == "" {
			name = "unmatched"
		}

		span, ctx := tracer.StartSpan(c.Request.Context(), name, c.GetHeader(HeaderRequestID))
		span.Method = c.Request.Method
		span.Path = c.Request.URL.Path
		span.AppID = c.GetHeader(headerAppID)
		span.ClientIP = c.ClientIP()

		c.Request = c.Request.WithContext(ctx)
		c.Header(HeaderRequestID, span.RequestID)

		c.Next()

		if len(c.Errors) > 0 {
			span.Error = c.Errors.Last()
		}
		span.Finish(c.Writer.Status())
		tracer.Submit(span)
	}
}
