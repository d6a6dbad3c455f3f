package server

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// sseWriteTimeout bounds each event write so a stalled client
// cannot pin a handler.
const sseWriteTimeout = 3 * time.Second

// SSEStream writes Server-Sent Events to one client.
type SSEStream struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

// NewSSEStream sends the event-stream headers. It fails when
// the ResponseWriter cannot flush.
func NewSSEStream(w http.ResponseWriter) (*SSEStream, error) {
	switch w.(type) {
	case http.Flusher, interface{ FlushError() error }:
	default:
		return nil, fmt.Errorf("streaming not supported")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)
	if err := rc.Flush(); err != nil {
		return nil, err
	}
	return &SSEStream{w: w, rc: rc}, nil
}

// Send writes one event. It returns false when the write fails.
func (s *SSEStream) Send(event, data string) bool {
	_ = s.rc.SetWriteDeadline(time.Now().Add(sseWriteTimeout))
	defer func() { _ = s.rc.SetWriteDeadline(time.Time{}) }()

	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		log.Printf("sse: writing %q: %v", event, err)
		return false
	}
	return s.rc.Flush() == nil
}

// SendJSON writes one event with a JSON payload.
func (s *SSEStream) SendJSON(event string, v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("sse: encoding %q: %v", event, err)
		return false
	}
	return s.Send(event, string(data))
}
