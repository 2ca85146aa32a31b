package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"courier/internal/eventbus"
	logx "courier/pkg/logx"
)

const heartbeatEvery = 15 * time.Second

// progressStream relays dispatch events as Server-Sent Events. An optional
// job_id query parameter limits the stream to one job; clients pick the id
// and pass it as job_id in the send request.
func (s *Server) progressStream(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "progress events are not available")
		return
	}
	rc := http.NewResponseController(w)
	// The server write timeout would cut a long-lived stream.
	_ = rc.SetWriteDeadline(time.Time{})

	jobID := strings.TrimSpace(r.URL.Query().Get("job_id"))
	if id, err := uuid.Parse(jobID); err == nil {
		jobID = id.String()
	}
	events, unsubscribe := s.deps.Bus.Subscribe(64)
	defer unsubscribe()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, ": connected\n\n"); err != nil {
		return
	}
	_ = rc.Flush()

	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		case e, ok := <-events:
			if !ok {
				return
			}
			if jobID != "" && eventJobID(e) != jobID {
				continue
			}
			b, err := json.Marshal(e.Data)
			if err != nil {
				s.log.Warn("progress event encode failed", logx.String("type", e.Type), logx.Err(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, b); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func eventJobID(e eventbus.Event) string {
	switch d := e.Data.(type) {
	case ProgressEvent:
		return d.JobID
	case FinishedEvent:
		return d.JobID
	default:
		return ""
	}
}
