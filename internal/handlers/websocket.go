// -----------------------------------------------------------------------
// WebSocket Handler - live progress streaming per job
// -----------------------------------------------------------------------

package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/codestory/internal/common"
	"github.com/ternarybob/codestory/internal/interfaces"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// WebSocketHandler streams progress events for one job per connection.
// The client passes since_sequence to resume after a disconnect; the bus
// replays the retained backlog before live events.
type WebSocketHandler struct {
	bus    interfaces.ProgressBus
	jobs   interfaces.JobService
	logger arbor.ILogger
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(bus interfaces.ProgressBus, jobs interfaces.JobService, logger arbor.ILogger) *WebSocketHandler {
	return &WebSocketHandler{bus: bus, jobs: jobs, logger: logger}
}

// HandleWebSocket upgrades the connection and streams events.
// GET /ws?job_id={id}&since_sequence=0
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("job_id")
	if jobID == "" {
		http.Error(w, "job_id query parameter is required", http.StatusBadRequest)
		return
	}

	var since uint64
	if v := r.URL.Query().Get("since_sequence"); v != "" {
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			http.Error(w, "since_sequence must be a non-negative integer", http.StatusBadRequest)
			return
		}
		since = parsed
	}

	// Reject unknown jobs before holding a socket open.
	if _, err := h.jobs.GetJob(r.Context(), jobID); err != nil {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	sub, err := h.bus.Subscribe(r.Context(), jobID, since)
	if err != nil {
		h.logger.Warn().Err(err).Str("job_id", jobID).Msg("Subscribe failed")
		conn.Close()
		return
	}

	h.logger.Info().
		Str("job_id", jobID).
		Str("subscription_id", sub.ID).
		Int64("since_sequence", int64(since)).
		Msg("WebSocket client connected")

	common.SafeGo(h.logger, "ws-writer:"+sub.ID, func() {
		h.writeLoop(conn, sub)
	})
	h.readLoop(conn, sub)
}

// writeLoop pumps subscription events to the socket. The bus closes the
// channel when the subscriber is detached or the bus shuts down.
func (h *WebSocketHandler) writeLoop(conn *websocket.Conn, sub *interfaces.Subscription) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	defer conn.Close()

	for {
		select {
		case event, ok := <-sub.Events:
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream closed"))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(event); err != nil {
				h.logger.Debug().Err(err).Str("job_id", sub.JobID).Msg("WebSocket write failed")
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop consumes client frames until the peer closes, then detaches
// the subscription so the bus stops buffering for it.
func (h *WebSocketHandler) readLoop(conn *websocket.Conn, sub *interfaces.Subscription) {
	defer func() {
		h.bus.Unsubscribe(sub.ID)
		conn.Close()
		h.logger.Info().
			Str("job_id", sub.JobID).
			Str("subscription_id", sub.ID).
			Msg("WebSocket client disconnected")
	}()

	conn.SetReadLimit(4096)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
