package httputil

import (
	"encoding/json"
	"net/http"
)

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteErrorMessage writes a JSON error response with a custom message
func WriteErrorMessage(w http.ResponseWriter, status int, message string) {
	_ = WriteJSON(w, status, map[string]string{"error": message})
}

// WriteText writes a short plain-text body. The relay's user-facing errors
// are plain text and never carry internal details.
func WriteText(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(message))
}

// WriteHTML writes a rendered page
func WriteHTML(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// WriteUnauthorized writes a plain "Unauthorized" (401)
func WriteUnauthorized(w http.ResponseWriter) {
	WriteText(w, http.StatusUnauthorized, "Unauthorized")
}

// WriteBadRequest writes a plain-text bad request error (400)
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteText(w, http.StatusBadRequest, message)
}

// WriteInternalError writes a generic 500 without details
func WriteInternalError(w http.ResponseWriter) {
	WriteText(w, http.StatusInternalServerError, "Internal server error")
}

// Redirect sends a 302 to target
func Redirect(w http.ResponseWriter, r *http.Request, target string) {
	http.Redirect(w, r, target, http.StatusFound)
}
