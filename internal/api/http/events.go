package http

import (
	"io"
	"time"

	"github.com/gin-gonic/gin"
)

// stream relays events to the client as server-sent events until the client
// goes away or events is closed. Heartbeats keep idle proxies from dropping
// the connection.
func stream[T any](c *gin.Context, events <-chan T, heartbeat time.Duration, name func(T) string, ready interface{}) {
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	c.SSEvent("ready", ready)
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case e, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(name(e), e)
			return true
		case now := <-ticker.C:
			c.SSEvent("heartbeat", gin.H{"at": now.UTC()})
			return true
		}
	})
}
