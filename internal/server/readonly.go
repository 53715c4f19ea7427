package server

import "net/http"

// ReadOnlyMiddleware rejects every mutating request with 405 Method Not
// Allowed. Only GET, HEAD, and OPTIONS pass through.
func ReadOnlyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
		default:
			WriteProblem(w, Problem{
				Type:     ProblemTypeReadOnly,
				Title:    "Method Not Allowed",
				Status:   http.StatusMethodNotAllowed,
				Detail:   "server is in read-only mode",
				Instance: r.URL.Path,
			})
		}
	})
}
