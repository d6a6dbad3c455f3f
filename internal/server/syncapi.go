package server

import (
	"net/http"
	"time"

	"github.com/wesm/callsync/internal/db"
	"github.com/wesm/callsync/internal/sync"
	"github.com/wesm/callsync/internal/timeutil"
)

func (s *Server) handleSyncQueue(w http.ResponseWriter, _ *http.Request) {
	q := s.engine.SyncQueue()
	writeJSON(w, http.StatusOK, map[string]any{
		"operations": q,
		"count":      len(q),
	})
}

func (s *Server) handleListFailed(w http.ResponseWriter, _ *http.Request) {
	failed := s.engine.FailedOperations()
	writeJSON(w, http.StatusOK, map[string]any{
		"failures": failed,
		"count":    len(failed),
	})
}

func (s *Server) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.RetryFailedOperation(r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleRetryAllFailed(w http.ResponseWriter, _ *http.Request) {
	n := s.engine.RetryAllFailed()
	writeJSON(w, http.StatusAccepted, map[string]int{"requeued": n})
}

func (s *Server) handleClearFailed(w http.ResponseWriter, _ *http.Request) {
	s.engine.ClearFailedOperations()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	if !s.engine.Online() {
		writeError(w, http.StatusServiceUnavailable, "offline")
		return
	}
	stats := s.engine.AttemptSync(r.Context())
	writeJSON(w, http.StatusOK, stats)
}

// syncStatus is the body of GET /api/v1/sync/status and of the
// status events stream.
type syncStatus struct {
	Online    bool            `json:"online"`
	Syncing   bool            `json:"syncing"`
	Pending   int             `json:"pending"`
	Failed    int             `json:"failed"`
	LastSync  *string         `json:"last_sync"`
	LastStats sync.DrainStats `json:"last_stats"`
	Storage   *db.Stats       `json:"storage,omitempty"`
}

func (s *Server) status(withStorage bool, r *http.Request) syncStatus {
	st := s.engine.Status()
	out := syncStatus{
		Online:    st.Online,
		Syncing:   st.Syncing,
		Pending:   st.Pending,
		Failed:    st.Failed,
		LastSync:  timeutil.Ptr(st.LastSync),
		LastStats: st.LastStats,
	}
	if withStorage && s.db != nil {
		stats, err := s.db.GetStats(
			r.Context(), s.cfg.Namespace, time.Now().UnixMilli(),
		)
		if err == nil {
			out.Storage = &stats
		}
	}
	return out
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status(true, r))
}
