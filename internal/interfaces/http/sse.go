package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/miosa-osa/osa/internal/infrastructure/eventbus"
)

// sseKeepAlive is how often a comment line is written to detect dead clients.
const sseKeepAlive = 15 * time.Second

// stream serves the per-session event feed as Server-Sent Events. Every bus
// topic scoped to the session is forwarded as one SSE frame whose event name
// is the topic and whose data is the JSON payload including session_id.
func (h *handler) stream(c *gin.Context) {
	sessionID := c.Param("session_id")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	events := make(chan eventbus.Event, 64)
	sub := h.deps.Bus.Subscribe("*", sessionID, func(evt eventbus.Event) {
		select {
		case events <- evt:
		default: // shed on a stalled client, the bus must not block
		}
	})
	defer h.deps.Bus.Unsubscribe(sub)

	h.logger.Debug("SSE stream opened", zap.String("session_id", sessionID))

	keepalive := time.NewTicker(sseKeepAlive)
	defer keepalive.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("SSE stream closed", zap.String("session_id", sessionID))
			return
		case <-keepalive.C:
			fmt.Fprint(c.Writer, ": keepalive\n\n")
			flusher.Flush()
		case evt := <-events:
			writeSSE(c.Writer, evt)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, evt eventbus.Event) {
	payload := make(map[string]any, len(evt.Payload)+2)
	for k, v := range evt.Payload {
		payload[k] = v
	}
	payload["session_id"] = evt.SessionID
	payload["timestamp"] = evt.Timestamp.UTC().Format(time.RFC3339Nano)

	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Topic, data)
}
