package obs

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf, "WARN")
	log.Info().Msg("hidden")
	log.Warn().Msg("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")

	assert.Equal(t, zerolog.InfoLevel, NewLogger(io.Discard, "bogus").GetLevel())
}

func TestLogger_AccessLog(t *testing.T) {
	var buf bytes.Buffer
	h := Logger(NewLogger(&buf, "debug"))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hlog.FromRequest(r).Debug().Msg("inside")
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/ask", nil)
	req.Header.Set("User-Agent", "test-agent")
	h.ServeHTTP(httptest.NewRecorder(), req)

	out := buf.String()
	assert.Contains(t, out, `"message":"inside"`)
	assert.Contains(t, out, `"status":418`)
	assert.Contains(t, out, `"path":"/v1/ask"`)
	assert.Contains(t, out, `"ua":"test-agent"`)
	assert.Contains(t, out, `"req_id"`)
}

func TestMetrics_Middleware(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	routes := map[string]struct{}{"/v1/ask": {}}
	skip := map[string]struct{}{"/metrics": {}}

	h := m.Middleware(routes, skip)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/ask" {
			_, _ = w.Write([]byte("ok"))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))

	for _, p := range []string{"/v1/ask", "/v1/ask", "/random/path", "/metrics"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, p, nil))
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("/v1/ask", "POST", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("other", "POST", "404")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.RequestsTotal))
}

func TestMetrics_Helpers(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.ObserveReservation("free", "reserved")
	m.ObserveRollback("applied")
	m.ObserveUpstream("ok", 300*time.Millisecond)
	m.OnRateLimited()
	m.OnLimiterError()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Reservations.WithLabelValues("free", "reserved")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Rollbacks.WithLabelValues("applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RateLimited))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LimiterErrors))

	var nilMetrics *Metrics
	assert.NotPanics(t, func() {
		nilMetrics.ObserveReservation("free", "reserved")
		nilMetrics.ObserveRollback("noop")
		nilMetrics.ObserveUpstream("error", time.Second)
		nilMetrics.OnRateLimited()
		nilMetrics.OnLimiterError()
	})
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.ObserveReservation("pro", "limit_reached")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `quotagate_reservations_total{outcome="limit_reached",tier="pro"} 1`), body)
}
