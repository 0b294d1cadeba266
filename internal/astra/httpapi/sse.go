package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/astraforge/sandbox-core/internal/astra/model"
	"github.com/astraforge/sandbox-core/internal/datetime"
)

const sseHeartbeatInterval = 15 * time.Second

// streamConversation serves GET /astra-control/sessions/<id>/stream.
func (s *Server) streamConversation(w http.ResponseWriter, r *http.Request, sessionID string) {
	s.serveEventStream(w, r, sessionID)
}

// routeRunLogs serves GET /runs/<id>/logs/stream: a request-scoped alias
// for the same per-session event stream, named around "run" rather than
// "session" for callers that think in terms of one agent run.
func (s *Server) routeRunLogs(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/runs/")
	rest = strings.Trim(rest, "/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[1] != "logs/stream" || r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "unknown route")
		return
	}
	s.serveEventStream(w, r, parts[0])
}

// serveEventStream implements the SSE contract from §4.I: handshake, status
// snapshot, backlog replay (honoring Last-Event-ID for reconnects), live
// events, periodic heartbeats, and a close once the conversation reaches a
// terminal state.
func (s *Server) serveEventStream(w http.ResponseWriter, r *http.Request, sessionID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	var sinceSeq uint64
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			sinceSeq = n
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	writeSSE(w, flusher, map[string]string{"type": "heartbeat", "message": "stream_ready"})

	if sess, err := s.store.GetSession(r.Context(), sessionID); err == nil {
		writeSSE(w, flusher, map[string]any{"type": "status", "status": sess.Status})
	}

	backlog, sub := s.bus.Subscribe(sessionID, sinceSeq)
	defer sub.Close()

	for _, e := range backlog {
		if !writeEvent(w, flusher, e) {
			return
		}
	}

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	terminalCheck := time.NewTicker(5 * time.Second)
	defer terminalCheck.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			if !writeEvent(w, flusher, e) {
				return
			}
			if e.Type == model.EventCompleted || e.Type == model.EventError {
				return
			}
		case <-heartbeat.C:
			ts := datetime.NormalizeTimestamp(time.Now().Unix())
			writeSSE(w, flusher, map[string]any{"type": "heartbeat", "ts": ts})
		case <-terminalCheck.C:
			conv, err := s.store.GetConversationBySession(r.Context(), sessionID)
			if err == nil && isTerminalConversation(conv.Status) {
				return
			}
		}
	}
}

func isTerminalConversation(status model.ConversationStatus) bool {
	switch status {
	case model.ConversationCompleted, model.ConversationFailed, model.ConversationCancelled:
		return true
	default:
		return false
	}
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, e model.Event) bool {
	data, err := json.Marshal(e)
	if err != nil {
		// StreamMalformed: log and skip, never kill the stream over one
		// bad payload.
		return true
	}
	_, werr := fmt.Fprintf(w, "id: %d\nevent: message\ndata: %s\n\n", e.Sequence, data)
	if werr != nil {
		return false
	}
	flusher.Flush()
	return true
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
	flusher.Flush()
}
