package idempotency

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Require returns middleware that guards a mutating route. name labels the
// command in the stored record. Safe methods pass through untouched.
func (g *Guard) Require(name string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				next.ServeHTTP(w, r)
				return
			}

			err := g.Check(r.Context(), r.Method, r.URL.Path, r.Header.Get(HeaderRequestID), name)
			switch {
			case err == nil:
				next.ServeHTTP(w, r)
			case errors.Is(err, ErrMissingRequestID):
				writeError(w, http.StatusBadRequest, "missing "+HeaderRequestID+" header")
			case errors.Is(err, ErrDuplicate):
				writeError(w, http.StatusConflict, "request already accepted")
			default:
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusServiceUnavailable, "request could not be recorded, retry later")
			}
		})
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
