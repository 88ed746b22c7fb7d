package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/dataplayground/storage-engine/protocol"
)

// authMiddleware requires the configured Bearer token. It is a no-op when no
// token is configured. /health and /metrics are exempt. Browsers cannot set
// headers on an EventSource, so /v1/events also accepts the token in the
// access_token query parameter.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.config.AuthToken == "" {
		return next
	}

	tokenBytes := []byte(s.config.AuthToken)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		provided, ok := bearerToken(r)
		if !ok && r.URL.Path == "/v1/events" {
			provided = r.URL.Query().Get("access_token")
			ok = provided != ""
		}
		if !ok || subtle.ConstantTimeCompare([]byte(provided), tokenBytes) != 1 {
			s.logger.Debug("rejected unauthenticated request", "path", r.URL.Path, "remote_addr", r.RemoteAddr)
			unauthorizedResponse(w)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	return token, true
}

func unauthorizedResponse(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeJSON(w, http.StatusUnauthorized, protocol.NewResponse("", time.Now(), protocol.Failed(&protocol.ErrorInfo{
		Code:    protocol.CodeAuthError,
		Message: "unauthorized",
	})))
}
