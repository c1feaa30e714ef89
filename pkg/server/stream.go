package server

import (
	"fmt"
	"net/http"

	"github.com/danielfoehrkn/writable-layer-finder/pkg/types"
)

// eventStream writes server sent events, one record per "data:" event, terminated by "data: [DONE]"
type eventStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newEventStream(w http.ResponseWriter) (*eventStream, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &eventStream{w: w, flusher: flusher}, true
}

func (e *eventStream) send(record types.SizedRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(e.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	e.flusher.Flush()
	return nil
}

func (e *eventStream) done() {
	fmt.Fprint(e.w, "data: [DONE]\n\n")
	e.flusher.Flush()
}
