// Package middleware holds the HTTP middleware the gateway router mounts in
// front of every route.
package middleware

import "net/http"

// CORS answers cross-origin requests from the given origins. "*" admits any
// origin, but credentials are only granted to origins listed explicitly:
// echoing a wildcard-matched origin with Allow-Credentials would let any site
// ride the anonymous device cookie.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	wildcard := false
	exact := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			wildcard = true
			continue
		}
		exact[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (wildcard || exact[origin]) {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Content-Type")
				h.Add("Vary", "Origin")
				if exact[origin] {
					h.Set("Access-Control-Allow-Credentials", "true")
				}
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
