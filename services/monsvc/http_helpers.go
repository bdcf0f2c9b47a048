package monsvc

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Response messages returned to the agents running on provisioned hosts.
const (
	msgOK                = "ok"
	msgPayloadValidation = "Payload validation error"
	msgURIValidation     = "URI validation error"
	msgAlreadyExists     = "Machine already exists"
	msgUnknownMachine    = "Unknown machine Id"
)

type messageResponse struct {
	Message string `json:"message"`
}

type listResponse struct {
	Items []Record `json:"items"`
}

func decodeJSON(r *http.Request, dest any) error {
	if r.Body == nil {
		return errors.New("request body required")
	}
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func respondMessage(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, messageResponse{Message: msg})
}
