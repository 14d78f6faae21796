// Package handlers provides the HTTP handlers and middleware of the companion
// server: session and conversation endpoints, the turn and render callback
// endpoints, and the websocket notification hub.
package handlers

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/scrypster/companion/internal/config"
	"github.com/scrypster/companion/internal/sessions"
)

// Principal is the caller of an authenticated request.
type Principal struct {
	UserID string
	Admin  bool

	// Service callers hold the API token. They may act for any user and
	// are the only callers allowed to post render events or mint sessions.
	Service bool

	// Token is the session token, empty for service callers.
	Token string
}

type principalKey struct{}

// WithPrincipal returns ctx carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal stored by RequireAuth.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// RequireAuth resolves the bearer token to a Principal. The API token makes
// a service principal acting for the user named in X-User-ID; any other
// token must be a live session. In development mode requests without a
// token are treated as service calls.
func RequireAuth(next http.Handler, cfg *config.Config, store sessions.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)

		var p Principal
		switch {
		case token != "" && cfg.Security.APIToken != "" &&
			subtle.ConstantTimeCompare([]byte(token), []byte(cfg.Security.APIToken)) == 1:
			p = Principal{UserID: r.Header.Get("X-User-ID"), Service: true, Admin: true}

		case token != "":
			sess, err := store.Get(r.Context(), token)
			if err != nil {
				log.WithError(err).Debug("auth: rejected session token")
				respondError(w, http.StatusUnauthorized, "unauthorized", nil)
				return
			}
			p = Principal{UserID: sess.UserID, Admin: sess.Admin, Token: token}

		case cfg.Security.SecurityMode == "development":
			p = Principal{UserID: r.Header.Get("X-User-ID"), Service: true, Admin: true}

		default:
			respondError(w, http.StatusUnauthorized, "unauthorized", nil)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
}

// limiterIdle is how long an unused client bucket is kept.
const limiterIdle = 10 * time.Minute

// RateLimiter keeps one token bucket per client address.
type RateLimiter struct {
	mu       sync.Mutex
	limiters *expirable.LRU[string, *rate.Limiter]
	limit    rate.Limit
	burst    int
}

// NewRateLimiter creates a new rate limiter.
// reqPerSec is the sustained rate per client, burst is the maximum burst size.
// A non-positive rate disables limiting.
func NewRateLimiter(reqPerSec float64, burst int) *RateLimiter {
	limit := rate.Limit(reqPerSec)
	if reqPerSec <= 0 {
		limit = rate.Inf
	}
	return &RateLimiter{
		limiters: expirable.NewLRU[string, *rate.Limiter](10000, nil, limiterIdle),
		limit:    limit,
		burst:    burst,
	}
}

// Allow reports whether the client identified by key may make a request now.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	l, ok := rl.limiters.Get(key)
	if !ok {
		l = rate.NewLimiter(rl.limit, rl.burst)
		rl.limiters.Add(key, l)
	}
	rl.mu.Unlock()
	return l.Allow()
}

// RateLimitMiddleware enforces rate limiting on HTTP requests.
func RateLimitMiddleware(next http.Handler, rl *RateLimiter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientKey(r)) {
			respondError(w, http.StatusTooManyRequests, "rate limit exceeded", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// SecurityHeaders adds security headers to all HTTP responses.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
