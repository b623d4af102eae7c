package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/zeusync/decksync/internal/core/auth"
	"github.com/zeusync/decksync/internal/core/observability/log"
)

type accountKey struct{}

// authMiddleware admits requests carrying a valid bearer token and stores the
// token's account in the request context.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, ErrUnauthorized)
			return
		}
		account, err := auth.VerifyToken(s.config.Secret, token)
		if err != nil {
			s.logger.Debug("Rejected token", log.String("path", r.URL.Path), log.Error(err))
			writeError(w, http.StatusUnauthorized, ErrUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), accountKey{}, account)
		if id := r.Header.Get("X-Correlation-Id"); id != "" {
			ctx = log.WithCorrelationID(ctx, id)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func accountFrom(ctx context.Context) string {
	account, _ := ctx.Value(accountKey{}).(string)
	return account
}
