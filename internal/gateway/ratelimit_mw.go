package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/AlexKimmel/quotagate/internal/auth"
	"github.com/AlexKimmel/quotagate/internal/ratelimit"
)

// RateLimit guards the request rate per user id. It runs after
// authentication; requests without a user share the "anon" bucket.
func RateLimit(
	lim ratelimit.Limiter,
	policy ratelimit.Policy,
	skipPaths map[string]struct{},
	onLimited func(),
	onError func(),
) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// allow ops endpoints without limits
			if _, ok := skipPaths[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			userID, ok := auth.UserIDFrom(r.Context())
			if !ok || userID == "" {
				userID = "anon"
			}

			dec, err := lim.Allow(r.Context(), userID, policy, time.Now())
			if err != nil {
				if onError != nil {
					onError()
				}
				writeJSON(w, http.StatusInternalServerError, "rate_limiter_error", "internal rate limiter error")
				return
			}

			if dec.Limit > 0 {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(dec.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(max(dec.Remaining, 0)))
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(dec.ResetUnixSec, 10))
			}

			if !dec.Allowed {
				if onLimited != nil {
					onLimited()
				}
				writeJSON(w, http.StatusTooManyRequests, "rate_limited", "Too many requests")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// local tiny JSON helper to avoid coupling to the api package
func writeJSON(w http.ResponseWriter, code int, errCode, msg string) {
	var b errorBody
	b.Error.Code = errCode
	b.Error.Message = msg
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(b)
}
