package respond

import (
	"encoding/json"
	"net/http"
)

// ErrorBody is the shape of every error response.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func JSON(w http.ResponseWriter, r *http.Request, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

// Error writes an error body whose "error" field is the standard status text.
func Error(w http.ResponseWriter, r *http.Request, code int, message string) {
	ErrorWithMessage(w, r, code, http.StatusText(code), message)
}

func ErrorWithMessage(w http.ResponseWriter, r *http.Request, code int, errText, message string) {
	JSON(w, r, code, ErrorBody{Error: errText, Message: message})
}
