package httpserver

import (
	"encoding/json"
	"net/http"

	"github.com/sardislabs/sardis/internal/logger"
	"github.com/sardislabs/sardis/internal/sarderr"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps the error's code onto a status. Internal errors are not
// echoed to the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := sarderr.CodeOf(err)
	status := code.HTTPStatus()

	message := err.Error()
	if status >= 500 {
		logger.FromContext(r.Context()).Error().Err(err).Msg("http.internal_error")
		message = "internal error"
	}
	writeJSON(w, status, errorBody{Error: errorDetail{Code: string(code), Message: message}})
}

// writeReject responds for a verification rejection that carries only a code.
func writeReject(w http.ResponseWriter, code sarderr.Code) {
	writeJSON(w, code.HTTPStatus(), errorBody{Error: errorDetail{Code: string(code), Message: string(code)}})
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
