package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// bearerToken extracts the token from an Authorization header. The second
// result is a client-facing reason when the header is unusable.
func bearerToken(header string) (string, string) {
	if header == "" {
		return "", "missing Authorization header"
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", "invalid Authorization header format"
	}
	return token, ""
}

// AuthMiddleware requires "Authorization: Bearer <adminToken>". Failures are
// answered with 401 UNAUTHORIZED. An empty adminToken disables the check.
func AuthMiddleware(adminToken string, next http.Handler) http.Handler {
	if adminToken == "" {
		return next
	}
	want := []byte(adminToken)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, reason := bearerToken(r.Header.Get("Authorization"))
		if reason == "" && subtle.ConstantTimeCompare([]byte(token), want) != 1 {
			reason = "invalid admin token"
		}
		if reason != "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="pure-gopher"`)
			WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", reason)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequestBodyLimitMiddleware caps request bodies at maxBytes. Zero or less
// means unlimited.
func RequestBodyLimitMiddleware(maxBytes int64, next http.Handler) http.Handler {
	if maxBytes <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// AccessLogMiddleware logs each admin request at debug level.
func AccessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Debug("api request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"remote", r.RemoteAddr,
			"duration", time.Since(start).Round(time.Microsecond),
		)
	})
}
