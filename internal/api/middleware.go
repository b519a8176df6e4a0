package api

import (
	"net/http"
	"time"

	"konform/internal/auth"
	"konform/internal/errs"
	"konform/internal/logging"
)

// statusRecorder captures the response code for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		logging.Info(logging.CategoryAPI, "%s %s -> %d (%s)",
			r.Method, r.URL.Path, rec.status, time.Since(start).Round(time.Millisecond))
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				logging.Error(logging.CategoryAPI, "panic serving %s %s: %v", r.Method, r.URL.Path, v)
				writeError(w, errs.Errorf(errs.Internal, "api.recover", "panic: %v", v))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func bodyCapMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

// authMiddleware resolves the bearer token and stamps the user onto
// the request context.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := s.verifier.Verify(r.Context(), bearerToken(r))
		if err != nil {
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithUser(r.Context(), userID)))
	})
}

// userOr401 reads the authenticated user; the middleware guarantees it
// on /api/v1 routes, so a miss is a programming error surfaced as 401.
func userOr401(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := auth.UserFrom(r.Context())
	if !ok {
		writeError(w, errs.Errorf(errs.Unauthorized, "api.user", "no authenticated user"))
		return "", false
	}
	return userID, true
}
