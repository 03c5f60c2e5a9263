package utils

import (
	"encoding/json"
	"net/http"
)

// JSONError writes a Matrix-style error payload with the given status.
// No internal error text is passed through here; callers map to the
// standard code set first.
func JSONError(w http.ResponseWriter, status int, errcode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"errcode": errcode,
		"error":   message,
	})
}

// JSONWrite writes v as JSON with the given status code.
func JSONWrite(w http.ResponseWriter, status int, v interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	if status != 0 {
		w.WriteHeader(status)
	}
	return json.NewEncoder(w).Encode(v)
}
