package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/helixir/literature-monitor-service/internal/domain"
)

// sseMaxDuration is the maximum time an SSE stream may remain open.
const sseMaxDuration = 4 * time.Hour

// streamRun handles GET /runs/{executionID}/stream (SSE).
//
// The subscription is taken before the status is read, so an execution that
// finishes in between is still reported: either the read sees it terminal, or
// the broker delivers the terminal event.
func (s *Server) streamRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := parseUUID(w, chi.URLParam(r, "executionID"), "execution_id")
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sub := s.broker.Subscribe(id)
	defer s.broker.Unsubscribe(sub)

	exec, err := s.executions.Get(ctx, id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// The server write timeout applies to plain responses only.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	if exec.Status.IsTerminal() {
		sendSSEEvent(w, flusher, terminalEvent(exec, s.now()))
		return
	}

	sendSSEEvent(w, flusher, domain.StatusEvent{
		ExecutionID: exec.ID,
		Stage:       string(exec.Status),
		Message:     "subscribed to execution " + string(exec.Status),
		Timestamp:   s.now(),
	})

	logger := s.logger.With().Str("execution_id", id.String()).Logger()
	logger.Debug().Msg("status stream opened")
	defer logger.Debug().Msg("status stream closed")

	keepalive := time.NewTicker(s.keepalive)
	defer keepalive.Stop()
	deadline := time.NewTimer(sseMaxDuration)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-deadline.C:
			return

		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()

		case event, open := <-sub.Events():
			if !open {
				return
			}
			sendSSEEvent(w, flusher, event)
			if domain.IsTerminalStage(event.Stage) {
				return
			}
		}
	}
}

// sendSSEEvent writes a single SSE data frame.
func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event domain.StatusEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}
