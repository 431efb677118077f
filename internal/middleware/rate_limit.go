package middleware

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"subuser_broker/internal/ratelimit"
	"subuser_broker/internal/utils"
)

// RateLimitMessage is returned with every 429 response
const RateLimitMessage = "Rate limit exceeded. Please wait a minute."

// RateLimitResponse is the body of a 429 response
type RateLimitResponse struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

// RateLimitMiddleware limits requests per client address. Addresses are
// hashed before they reach the limiter's store. Limiter failures are logged
// and the request is let through.
func RateLimitMiddleware(limiter ratelimit.Limiter, logger *utils.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res, err := limiter.Allow(r.Context(), RateLimitKey(r))
			if err != nil {
				logger.Error("Rate limiter unavailable", "error", err, "request_id", GetRequestID(r.Context()))
				next.ServeHTTP(w, r)
				return
			}

			if res.Limit > 0 {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
			}

			if !res.Allowed {
				retryAfter := int(math.Ceil(time.Until(res.ResetAt).Seconds()))
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				utils.RespondWithJSON(w, http.StatusTooManyRequests, RateLimitResponse{
					Status:  http.StatusTooManyRequests,
					Message: RateLimitMessage,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RateLimitKey identifies the client a request is counted against.
func RateLimitKey(r *http.Request) string {
	return "client:" + utils.HashString(ClientIP(r))
}
