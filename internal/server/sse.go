package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/syncrelay/syncrelay/internal/session"
	"github.com/syncrelay/syncrelay/internal/ulid"
)

// handleEvents streams session pushes to the caller as server-sent
// events. The stream opens with a snapshot of the current aggregate so a
// late subscriber does not wait for the next report to learn the state.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sessionID := r.PathValue("id")
	sync, err := s.sessions.Get(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "%s", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}

	memberID := r.URL.Query().Get("clientId")
	if memberID == "" {
		memberID = ulid.ClientID()
	}

	events, cancel := s.hub.Subscribe(sessionID, memberID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeSSE(w, "snapshot", sync); err != nil {
		return
	}
	flusher.Flush()

	heartbeat := time.NewTicker(s.pushCfg.HeartbeatPeriod)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case ev, open := <-events:
			if !open {
				return
			}
			var payload interface{}
			if ev.Progress != nil {
				payload = ev.Progress
			} else {
				payload = ev.End
			}
			if err := writeSSE(w, string(ev.Type), payload); err != nil {
				return
			}
			flusher.Flush()

		case <-heartbeat.C:
			// comment line keeps idle connections from being reaped
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
