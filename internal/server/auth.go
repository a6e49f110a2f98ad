package server

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"

	herrors "github.com/alexjbarnes/ha-sync/internal/errors"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"
)

const (
	// authFailureRate bounds bcrypt comparisons for rejected tokens from
	// one client address.
	authFailureRate  = rate.Limit(1)
	authFailureBurst = 5

	// maxTrackedClients caps the per-address limiter table.
	maxTrackedClients = 1024
)

// failureLimiter rate limits rejected tokens per client address.
type failureLimiter struct {
	mu   sync.Mutex
	byIP map[string]*rate.Limiter
}

func newFailureLimiter() *failureLimiter {
	return &failureLimiter{byIP: make(map[string]*rate.Limiter)}
}

func (f *failureLimiter) get(ip string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()

	if l, ok := f.byIP[ip]; ok {
		return l
	}

	if len(f.byIP) >= maxTrackedClients {
		f.pruneLocked()
	}

	l := rate.NewLimiter(authFailureRate, authFailureBurst)
	f.byIP[ip] = l

	return l
}

// pruneLocked drops limiters that have refilled. When every address is
// still limited the table is reset.
func (f *failureLimiter) pruneLocked() {
	for ip, l := range f.byIP {
		if l.Tokens() >= authFailureBurst {
			delete(f.byIP, ip)
		}
	}

	if len(f.byIP) >= maxTrackedClients {
		clear(f.byIP)
	}
}

// blocked reports whether ip has used up its failed attempts.
func (f *failureLimiter) blocked(ip string) bool {
	return f.get(ip).Tokens() < 1
}

func (f *failureLimiter) fail(ip string) {
	f.get(ip).Allow()
}

// BearerAuth returns middleware that checks the Authorization header
// against a bcrypt hash. An empty hash rejects every request.
func BearerAuth(hash string, logger *slog.Logger) func(http.Handler) http.Handler {
	failures := newFailureLimiter()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}

			if hash == "" {
				logger.Debug("auth: commands disabled, no token hash configured", slog.String("ip", ip))
				writeJSONError(w, http.StatusForbidden, "commands over HTTP are disabled")

				return
			}

			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				logger.Debug("auth: no bearer token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeJSONError(w, http.StatusUnauthorized, fmt.Errorf("%w: missing bearer token", herrors.ErrUnauthorized).Error())

				return
			}

			if failures.blocked(ip) {
				w.Header().Set("Retry-After", "1")
				writeJSONError(w, http.StatusTooManyRequests, "too many failed attempts")

				return
			}

			token := strings.TrimPrefix(header, "Bearer ")
			if bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) != nil {
				failures.fail(ip)
				logger.Warn("auth: invalid bearer token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
				writeJSONError(w, http.StatusUnauthorized, fmt.Errorf("%w: invalid bearer token", herrors.ErrUnauthorized).Error())

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
