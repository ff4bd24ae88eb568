package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// pathParams maps a collection segment to the placeholder used for the
// segment that follows it.
var pathParams = map[string]string{
	"contests":  "{contest_id}",
	"questions": "{id}",
	"versions":  "{n}",
	"votes":     "{user_id}",
}

// normalizePath replaces identifiers in a request path with placeholders so
// metric labels stay bounded, e.g. /questions/9f1c/versions/3 becomes
// /questions/{id}/versions/{n}.
func normalizePath(path string) string {
	if path == "" || path == "/" {
		return path
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i := 1; i < len(parts); i++ {
		if placeholder, ok := pathParams[parts[i-1]]; ok && parts[i] != "" {
			parts[i] = placeholder
			i++
		}
	}
	return "/" + strings.Join(parts, "/")
}

type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode  int
	size        int64
	wroteHeader bool
}

func (mrw *metricsResponseWriter) WriteHeader(code int) {
	if mrw.wroteHeader {
		return
	}
	mrw.statusCode = code
	mrw.wroteHeader = true
	mrw.ResponseWriter.WriteHeader(code)
}

func (mrw *metricsResponseWriter) Write(b []byte) (int, error) {
	n, err := mrw.ResponseWriter.Write(b)
	mrw.size += int64(n)
	return n, err
}

// HTTPMetrics records request duration, count and sizes. Health probes
// are excluded.
func HTTPMetrics(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" || r.URL.Path == "/ready" {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			mrw := &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			requestSize := int64(0)
			if cl := r.Header.Get("Content-Length"); cl != "" {
				if size, err := strconv.ParseInt(cl, 10, 64); err == nil {
					requestSize = size
				}
			}

			next.ServeHTTP(mrw, r)

			metrics.ObserveHTTPRequest(
				r.Method,
				normalizePath(r.URL.Path),
				strconv.Itoa(mrw.statusCode),
				time.Since(start).Seconds(),
				requestSize,
				mrw.size,
			)
		})
	}
}
