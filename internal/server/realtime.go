package server

import (
	"io"

	"github.com/gin-gonic/gin"
)

// handleEventStream serves the SSE event stream for the authenticated
// user. One delivery goroutine per connection drains the hub queue;
// suspension happens only at the channel receive, never inside business
// logic, so a slow reader can never block a write transaction.
func (h *httpHandler) handleEventStream(c *gin.Context) {
	actor := h.actor(c)
	connection, err := h.hub.Subscribe(c.Request.Context(), actor.OrgID, actor.UserID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		event, ok := <-connection.Events()
		if !ok {
			return false
		}
		c.SSEvent(event.Type, event.Data)
		// The flush after this step succeeded or the client is gone; either
		// way the stream callback only runs again for a live socket.
		connection.Ack()
		return true
	})

	h.hub.Disconnect(connection)
}
