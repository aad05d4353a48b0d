package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tjfontaine/switchboard/internal/core/domain"
	"github.com/tjfontaine/switchboard/internal/core/ports"
	"github.com/tjfontaine/switchboard/internal/registry"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Error *domain.DispatchError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError renders err with the status of its canonical class. Missing
// records and targets are 404 regardless of class.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	AddError(r.Context(), err)
	if errors.Is(err, ports.ErrNotFound) || errors.Is(err, registry.ErrUnknownTarget) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: domain.ErrValidation("%v", err)})
		return
	}
	de := domain.AsDispatchError(err)
	writeJSON(w, de.HTTPStatusCode(), errorBody{Error: de})
}

// decode reads a JSON body into v, rejecting unknown fields and oversized bodies.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.ErrValidation("invalid request body: %v", err)
	}
	return nil
}
