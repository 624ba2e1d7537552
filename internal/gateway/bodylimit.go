package gateway

import "net/http"

// BodyLimit caps request bodies at maxBytes. A request that declares a larger
// Content-Length is refused with 413 before reaching the handler; bodies of
// unknown length are cut off while being read.
func BodyLimit(maxBytes int) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if maxBytes <= 0 || r.Body == nil || r.Body == http.NoBody {
				next.ServeHTTP(w, r)
				return
			}
			if r.ContentLength > int64(maxBytes) {
				writeJSON(w, http.StatusRequestEntityTooLarge, "body_too_large", "Request body too large")
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))
			next.ServeHTTP(w, r)
		})
	}
}
