package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"monitorhub/internal/observability/logging"
	"monitorhub/internal/observability/metrics"
	"monitorhub/web"
)

const shellContentType = "text/html; charset=utf-8"

func (s *Server) routes(security SecurityConfig) http.Handler {
	mux := http.NewServeMux()
	socket := s.auth.Require(http.HandlerFunc(s.hub.HandleConnection))
	mux.Handle("/socket", rateLimitUpgrades(s.limiter, s.resolver.FromRequest, s.metrics.UpgradeLimited, socket))
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/", s.handleShell)

	var handler http.Handler = mux
	handler = metrics.HTTPMiddleware(s.metrics, handler)
	handler = logging.RequestLogger(logging.RequestLoggerConfig{
		Logger:        s.logger,
		ClientAddress: s.resolver.FromRequest,
	})(handler)
	handler = securityHeadersMiddleware(security, handler)
	handler = requestIDMiddleware(s.logger, handler)
	return s.recoverPanics(handler)
}

// handleShell answers every unmatched path with the cached shell so the
// client-side router can take over.
func (s *Server) handleShell(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", shellContentType)
	w.Header().Set("Cache-Control", "no-cache")
	body := s.shell
	status := http.StatusOK
	if len(body) == 0 {
		body = web.FallbackShell()
		status = http.StatusServiceUnavailable
	}
	w.WriteHeader(status)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(body)
}

type healthResponse struct {
	Status   string `json:"status"`
	Scheme   string `json:"scheme"`
	Storage  string `json:"storage"`
	Monitors int    `json:"monitors"`
	Sessions int    `json:"sessions"`
	Rooms    int    `json:"rooms"`
	Error    string `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{
		Status:   "ok",
		Scheme:   s.transport.Scheme(),
		Storage:  "ok",
		Monitors: s.monitors.Len(),
		Sessions: s.hub.Sessions(),
		Rooms:    s.hub.Registry().Len(),
	}
	status := http.StatusOK
	if err := s.store.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Storage = "unavailable"
		resp.Error = err.Error()
		status = http.StatusServiceUnavailable
		logging.LoggerFromContext(r.Context()).Warn("storage ping failed", "error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if r.Method == http.MethodHead {
		return
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// recoverPanics journals handler panics and answers 500. http.ErrAbortHandler
// is passed through so net/http can abort the response.
func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			value := recover()
			if value == nil {
				return
			}
			if err, ok := value.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(value)
			}
			s.journal.RecordPanic(value, debug.Stack())
			s.logger.Error("handler panic", "path", r.URL.Path, "panic", fmt.Sprint(value))
			http.Error(w, "internal server error", http.StatusInternalServerError)
		}()
		next.ServeHTTP(w, r)
	})
}
