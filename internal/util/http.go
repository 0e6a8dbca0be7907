package util

import (
	"encoding/json"
	"log"
	"net/http"

	"fielddiag/internal/apperr"
)

type APIError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func WriteError(w http.ResponseWriter, status int, code, msg, reqID string) {
	WriteJSON(w, status, APIError{Code: code, Message: msg, RequestID: reqID})
}

// WriteAppError maps err onto the boundary envelope. Causes of server errors
// are logged and replaced by a generic message.
func WriteAppError(w http.ResponseWriter, err error, reqID string) {
	if apperr.IsServerError(err) {
		log.Printf("request failed request_id=%s err=%v", reqID, err)
	}
	WriteError(w, apperr.Status(err), apperr.Code(err), apperr.Message(err), reqID)
}

// DecodeJSON reads a single JSON object, rejecting unknown fields.
func DecodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	return nil
}
