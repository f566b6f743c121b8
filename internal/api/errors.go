package api

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/taskforge/coordinator/internal/coordfault"
)

// statusForCode maps the core's error taxonomy onto HTTP status codes,
// generalized from internal/server/handlers.go's respondError callers
// (each of which picked a status inline per failure) into one table so
// every handler answers identically for the same Code.
func statusForCode(code coordfault.Code) int {
	switch code {
	case coordfault.Validation, coordfault.DependencyInvalid:
		return http.StatusBadRequest
	case coordfault.Forbidden:
		return http.StatusForbidden
	case coordfault.NotFound:
		return http.StatusNotFound
	case coordfault.StateConflict, coordfault.ClaimUnavailable, coordfault.CapExceeded:
		return http.StatusConflict
	case coordfault.RateLimited:
		return http.StatusTooManyRequests
	case coordfault.Transient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondJSON writes data as a JSON response body, mirroring
// internal/server/handlers.go's respondJSON helper.
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondErr classifies err through coordfault and writes the matching
// status code and a structured error body, generalized from
// internal/server/handlers.go's respondError (which only handled a
// flat status+message pair, not a typed error taxonomy).
func respondErr(w http.ResponseWriter, err error) {
	code := coordfault.CodeOf(err)
	status := statusForCode(code)

	log.Printf("[API_ERROR] status=%d code=%s: %v", status, code, err)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Error-Code", string(code))
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":     err.Error(),
		"code":      code,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
