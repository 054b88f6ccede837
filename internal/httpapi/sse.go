package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ch1109/maestro/internal/hosterr"
	"github.com/ch1109/maestro/internal/react"
)

// streamEvents writes loop events as server-sent events and closes the
// stream with a [DONE] marker. A client disconnect stops the writer; the
// run itself ends through the request context.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, events <-chan react.Event) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, hosterr.New(hosterr.KindFatal, "response writer does not support streaming"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case ev, open := <-events:
			if !open {
				fmt.Fprint(w, "data: [DONE]\n\n")
				flusher.Flush()
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("encode event", "type", ev.Type(), "error", err)
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// respondEvents streams when asked to, otherwise drains the run and returns
// every event in one JSON body.
func (s *Server) respondEvents(w http.ResponseWriter, r *http.Request, events <-chan react.Event, stream bool) {
	if stream {
		s.streamEvents(w, r, events)
		return
	}

	collected := make([]react.Event, 0, 8)
	for ev := range events {
		collected = append(collected, ev)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"events": collected})
}
