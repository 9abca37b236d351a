package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"control_plane/pkg/apperrors"
)

// dataEnvelope wraps every successful response body.
type dataEnvelope struct {
	Data interface{} `json:"data"`
}

// errorBody is the stable error envelope.
type errorBody struct {
	Message    string                 `json:"message"`
	Type       string                 `json:"type"`
	StatusCode int                    `json:"statusCode"`
	Details    []apperrors.FieldError `json:"details,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeData(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, dataEnvelope{Data: data})
}

// writeError maps the error taxonomy onto the envelope. Internal causes
// stay in the logs, the operator sees only the classified message.
func writeError(w http.ResponseWriter, err error) {
	kind := apperrors.KindOf(err)
	status := kind.HTTPStatus()

	msg := err.Error()
	var ae *apperrors.Error
	if errors.As(err, &ae) {
		msg = ae.Message
	}
	if kind == apperrors.KindInternal {
		msg = "internal server error"
	}

	writeJSON(w, status, errorEnvelope{Error: errorBody{
		Message:    msg,
		Type:       string(kind),
		StatusCode: status,
		Details:    apperrors.DetailsOf(err),
	}})
}

// decodeBody parses a JSON request body into dst.
func decodeBody(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperrors.Validation("invalid request body: " + err.Error())
	}
	return nil
}
