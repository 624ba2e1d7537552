package api

import "net/http"

// RegisterOps mounts /health and /version.
func RegisterOps(mux *http.ServeMux, version string) {
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	mux.HandleFunc("GET /version", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(version))
	})
}

// OpsPaths are exempt from authentication, rate limiting and request metrics.
func OpsPaths(metricsPath string) map[string]struct{} {
	return map[string]struct{}{
		"/health":   {},
		"/version":  {},
		metricsPath: {},
	}
}
