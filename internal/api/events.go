package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/rahul/agentichq/internal/progress"
)

// SSE event names besides the progress kinds.
const (
	SSEEventSnapshot = "snapshot"
	SSEEventError    = "error"
)

// handleEvents streams the progress of one plan. The first event is a
// snapshot of the persisted plan; live events follow, each named by its kind.
// The stream ends after the terminal event, or at once when the snapshot is
// already terminal.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	if s.deps.Hub == nil {
		writeError(w, http.StatusServiceUnavailable, "progress is not available")
		return
	}

	// Subscribe before reading the snapshot so nothing falls in between.
	sub := s.deps.Hub.Subscribe(r.PathValue("id"))
	defer sub.Close()

	snapshot, ok := s.loadPlan(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	var eventID uint64
	send := func(name string, data any) error {
		eventID++
		return sendSSEEvent(w, flusher, eventID, name, data)
	}

	if err := send(SSEEventSnapshot, snapshot); err != nil {
		return
	}
	if snapshot.Status.Terminal() {
		return
	}

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	events := sub.Events()
	for {
		select {
		case <-r.Context().Done():
			return

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case evt, ok := <-events:
			if !ok {
				if errors.Is(sub.Err(), progress.ErrSlowSubscriber) {
					_ = send(SSEEventError, map[string]string{"message": "stream fell behind; reload the plan"})
				}
				return
			}
			if err := send(string(evt.Kind), evt); err != nil {
				log.Printf("SSE client of plan %s disconnected: %v", evt.PlanID, err)
				return
			}
		}
	}
}

// sendSSEEvent writes one event frame and flushes it. It returns an error only
// when the write fails, which means the client went away.
func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, id uint64, name string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		log.Printf("Failed to marshal SSE data: %v", err)
		return nil
	}
	if _, err := fmt.Fprintf(w, "event: %s\nid: %d\ndata: %s\n\n", name, id, payload); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	flusher.Flush()
	return nil
}
