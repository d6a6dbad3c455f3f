package server

import (
	"context"
	"net/http"
	"time"
)

// heartbeatTicks is the number of quiet status samples between
// keepalive events.
const heartbeatTicks = 30

// statusMonitor samples the engine status and sends it on the
// returned channel whenever it changes. The first sample is
// always sent. The channel is closed when ctx is done.
func (s *Server) statusMonitor(
	ctx context.Context, r *http.Request,
) <-chan syncStatus {
	ch := make(chan syncStatus)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(s.statusInterval)
		defer ticker.Stop()

		var last syncStatus
		first := true
		for {
			cur := s.status(false, r)
			if first || changed(last, cur) {
				select {
				case ch <- cur:
				case <-ctx.Done():
					return
				}
				last, first = cur, false
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return ch
}

func changed(a, b syncStatus) bool {
	return a.Online != b.Online || a.Syncing != b.Syncing ||
		a.Pending != b.Pending || a.Failed != b.Failed
}

func (s *Server) handleSyncEvents(w http.ResponseWriter, r *http.Request) {
	stream, err := NewSSEStream(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError,
			"streaming not supported")
		return
	}

	updates := s.statusMonitor(r.Context(), r)
	heartbeat := time.NewTicker(s.statusInterval * heartbeatTicks)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case st, ok := <-updates:
			if !ok {
				return
			}
			if !stream.SendJSON("status", st) {
				return
			}
		case <-heartbeat.C:
			stream.Send("heartbeat", time.Now().Format(time.RFC3339))
		}
	}
}
