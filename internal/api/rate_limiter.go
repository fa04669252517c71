package api

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/sale-settlement/internal/errors"
	"github.com/sale-settlement/internal/logging"
)

// ThrottleResponse is the body of a throttled request
type ThrottleResponse struct {
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
}

type throttleEntry struct {
	limiter      *rate.Limiter
	blockedUntil time.Time
}

// Throttle limits each caller per route. A caller that exceeds the
// route rate is refused for the whole block window, even once the
// limiter would admit it again.
type Throttle struct {
	mu      sync.Mutex
	entries map[string]*throttleEntry

	limit  rate.Limit
	burst  int
	window time.Duration
	now    func() time.Time
}

// NewThrottle allows limit requests per period and blocks for window on excess
func NewThrottle(limit int, period, window time.Duration) *Throttle {
	if limit <= 0 {
		limit = 5
	}
	if period <= 0 {
		period = 5 * time.Second
	}
	if window <= 0 {
		window = 55 * time.Second
	}
	return &Throttle{
		entries: make(map[string]*throttleEntry),
		limit:   rate.Every(period / time.Duration(limit)),
		burst:   limit,
		window:  window,
		now:     time.Now,
	}
}

// Allow reports whether the caller may use the route now. On refusal it
// returns how long the caller remains blocked.
func (t *Throttle) Allow(caller, route string) (bool, time.Duration) {
	key := caller + "|" + route
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[key]
	if !ok {
		entry = &throttleEntry{limiter: rate.NewLimiter(t.limit, t.burst)}
		t.entries[key] = entry
	}

	if now.Before(entry.blockedUntil) {
		return false, entry.blockedUntil.Sub(now)
	}
	if !entry.limiter.AllowN(now, 1) {
		entry.blockedUntil = now.Add(t.window)
		return false, t.window
	}
	return true, 0
}

// ThrottleMiddleware refuses throttled callers with 429. Callers are keyed by
// verified address, falling back to the remote address.
func ThrottleMiddleware(t *Throttle) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller := VerifiedAddress(r.Context())
			if caller == "" {
				caller = r.RemoteAddr
			}

			allowed, retryAfter := t.Allow(caller, r.URL.Path)
			if !allowed {
				logging.FromContext(r.Context()).WithFields(map[string]interface{}{
					"caller":     caller,
					"route":      r.URL.Path,
					"retryAfter": retryAfter.String(),
				}).Warn("Request throttled")

				catErr := apperrors.NewRateLimitError(int(retryAfter.Seconds()))
				respondJSON(w, catErr.StatusCode, ThrottleResponse{
					StatusCode: catErr.StatusCode,
					Message:    catErr.Message,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
