package http

import (
	"net/http"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/bnema/audiograb/internal/adapter/http/ratelimit"
)

const bearerPrefix = "Bearer "

// AdminAuth accepts requests whose bearer token matches tokenHash. Clients
// that fail too often are locked out by failures before bcrypt runs.
func AdminAuth(tokenHash []byte, failures *ratelimit.FailureLimiter, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := clientID(r)
			if blocked, wait := failures.Blocked(id); blocked {
				w.Header().Set("Retry-After", retryAfter(wait))
				writeError(w, http.StatusTooManyRequests, "too many failed attempts")
				return
			}

			token, ok := bearerToken(r)
			if !ok || bcrypt.CompareHashAndPassword(tokenHash, []byte(token)) != nil {
				if failures.RecordFailure(id) {
					logger.Warn("admin client locked out", zap.String("client", id))
				}
				w.Header().Set("WWW-Authenticate", `Bearer realm="admin"`)
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			failures.Reset(id)
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if len(h) <= len(bearerPrefix) || !strings.EqualFold(h[:len(bearerPrefix)], bearerPrefix) {
		return "", false
	}
	token := strings.TrimSpace(h[len(bearerPrefix):])
	return token, token != ""
}
