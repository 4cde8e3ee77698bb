package httpx

import (
	"encoding/json"
	"net/http"
	"regexp"

	"backplane/internal/dto"
)

// CallbackParam names the query parameter that turns a JSON response into
// a JSONP script.
const CallbackParam = "callback"

const jsonpContentType = "application/x-javascript"

var callbackPattern = regexp.MustCompile(`^[A-Za-z_$][\w$]*(\.[A-Za-z_$][\w$]*)*$`)

// ValidCallback reports whether name is a dotted JavaScript identifier.
func ValidCallback(name string) bool {
	return len(name) <= 128 && callbackPattern.MatchString(name)
}

// WriteJSON writes body as JSON, or as a JSONP call when the request names
// a callback. An invalid callback is answered with 400.
func WriteJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	cb := ""
	if r != nil {
		cb = r.URL.Query().Get(CallbackParam)
	}
	if cb == "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if body != nil {
			_ = json.NewEncoder(w).Encode(body)
		}
		return
	}
	if !ValidCallback(cb) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(dto.ErrorResponse{Error: "invalid_request", ErrorDescription: "invalid callback name"})
		return
	}

	raw, err := json.Marshal(body)
	if err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", jsonpContentType)
	w.WriteHeader(status)
	_, _ = w.Write([]byte(cb + "("))
	_, _ = w.Write(raw)
	_, _ = w.Write([]byte(");"))
}

// WriteError writes the error body shared by every endpoint.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, description string) {
	WriteJSON(w, r, status, dto.ErrorResponse{Error: code, ErrorDescription: description})
}
