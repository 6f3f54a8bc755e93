package middleware

import "net/http"

// CORS answers cross-origin requests from the configured origins. A single
// "*" entry allows any origin. Browsers must be able to send the caller
// header, so it is always advertised for preflight.
type CORS struct {
	origins  map[string]bool
	allowAll bool
}

// NewCORS creates the middleware for the given origins. An empty list
// disables cross-origin access entirely.
func NewCORS(origins []string) *CORS {
	c := &CORS{origins: make(map[string]bool, len(origins))}
	for _, o := range origins {
		if o == "*" {
			c.allowAll = true
			continue
		}
		c.origins[o] = true
	}
	return c
}

// Handler wraps next with CORS headers and preflight handling.
func (c *CORS) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (c.allowAll || c.origins[origin]) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+CallerHeader)
			w.Header().Set("Access-Control-Max-Age", "3600")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
