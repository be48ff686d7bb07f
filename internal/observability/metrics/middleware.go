package metrics

import (
	"net/http"
	"time"

	"monitorhub/internal/observability/logging"
)

// HTTPMiddleware records request metrics around the provided handler using the
// supplied recorder (falling back to metrics.Default when nil).
func HTTPMiddleware(recorder *Recorder, next http.Handler) http.Handler {
	rec := recorder
	if rec == nil {
		rec = Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sr := logging.NewStatusRecorder(w)
		start := time.Now()
		next.ServeHTTP(sr, r)
		rec.ObserveRequest(r.Method, r.URL.Path, sr.Status(), time.Since(start))
	})
}
