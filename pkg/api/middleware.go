package api

import (
	"crypto/subtle"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/cuemby/paddock/pkg/errdefs"
	"github.com/cuemby/paddock/pkg/metrics"
)

// requestLogger logs one line per request and feeds the API counters.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		elapsed := time.Since(start)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(elapsed.Seconds())

		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Dur("elapsed", elapsed).
			Str("remote", r.RemoteAddr).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

// authenticate requires the configured bearer token on every call. The
// compare is constant-time so the token cannot be probed byte by byte.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const prefix = "Bearer "
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, prefix) {
			s.writeError(w, errdefs.New(errdefs.CodeUnauthorized, "missing bearer token"))
			return
		}
		token := strings.TrimPrefix(auth, prefix)
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) != 1 {
			s.writeError(w, errdefs.New(errdefs.CodeUnauthorized, "invalid bearer token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimit enforces the configured request budget per client IP. Idle
// clients age out of the limiter table with the go-cache expiry.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiterFor(clientIP(r)).Allow() {
			w.Header().Set("Retry-After", strconv.Itoa(s.retryAfterSecs()))
			s.writeError(w, errdefs.New(errdefs.CodeRateLimited, "request rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limiterFor(ip string) *rate.Limiter {
	if v, ok := s.limiters.Get(ip); ok {
		return v.(*rate.Limiter)
	}
	window := time.Duration(s.cfg.RateWindowSeconds) * time.Second
	lim := rate.NewLimiter(rate.Limit(float64(s.cfg.RateLimit)/window.Seconds()), s.cfg.RateLimit)
	s.limiters.SetDefault(ip, lim)
	return lim
}

// retryAfterSecs is the refill time for one token, rounded up to whole
// seconds because that is what the header carries.
func (s *Server) retryAfterSecs() int {
	perToken := float64(s.cfg.RateWindowSeconds) / float64(s.cfg.RateLimit)
	secs := int(math.Ceil(perToken))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// clientIP strips the port off RemoteAddr. RealIP middleware has already
// folded X-Forwarded-For in.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
