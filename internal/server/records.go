package server

import (
	"net/http"

	"github.com/wesm/callsync/internal/model"
)

type recordList struct {
	Items []model.Record `json:"items"`
	Count int            `json:"count"`
}

func listOf(items []model.Record) recordList {
	return recordList{Items: items, Count: len(items)}
}

func (s *Server) handleListLeads(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, listOf(s.crm.ListLeads()))
}

func (s *Server) handleGetLead(w http.ResponseWriter, r *http.Request) {
	lead, ok := s.crm.GetLead(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "lead not found")
		return
	}
	writeJSON(w, http.StatusOK, lead)
}

func (s *Server) handleCreateLead(w http.ResponseWriter, r *http.Request) {
	rec, err := readRecord(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, s.crm.CreateLead(rec))
}

func (s *Server) handleUpdateLead(w http.ResponseWriter, r *http.Request) {
	patch, err := readRecord(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	lead, err := s.crm.UpdateLead(r.PathValue("id"), patch)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, lead)
}

func (s *Server) handleDeleteLead(w http.ResponseWriter, r *http.Request) {
	if err := s.crm.DeleteLead(r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	calls := s.crm.ListCalls()
	if lead := r.URL.Query().Get("lead_id"); lead != "" {
		filtered := make([]model.Record, 0, len(calls))
		for _, c := range calls {
			if c["leadId"] == lead {
				filtered = append(filtered, c)
			}
		}
		calls = filtered
	}
	writeJSON(w, http.StatusOK, listOf(calls))
}

func (s *Server) handleCreateCall(w http.ResponseWriter, r *http.Request) {
	rec, err := readRecord(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, s.crm.CreateCall(rec))
}

func (s *Server) handleUpdateCall(w http.ResponseWriter, r *http.Request) {
	patch, err := readRecord(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	call, err := s.crm.UpdateCall(r.PathValue("id"), patch)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, call)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	stats, err := s.crm.Refresh(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
