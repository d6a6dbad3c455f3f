package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/wesm/callsync/internal/crm"
	"github.com/wesm/callsync/internal/model"
	"github.com/wesm/callsync/internal/sync"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

type errorBody struct {
	Error string `json:"error"`
}

// writeJSON writes v as JSON with the given HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("writeJSON: encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// writeErr maps err to a status code. Context errors write
// nothing; withTimeout owns that response.
func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return
	case errors.Is(err, crm.ErrMissingID):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, sync.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, crm.ErrPendingChanges):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

// readRecord decodes a JSON object request body.
func readRecord(w http.ResponseWriter, r *http.Request) (model.Record, error) {
	var rec model.Record
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&rec); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("request body is empty")
		}
		return nil, fmt.Errorf("invalid JSON body: %w", err)
	}
	if rec == nil {
		return nil, errors.New("request body must be a JSON object")
	}
	return rec, nil
}
