package metrics

import (
	"bufio"
	"net"
	"net/http"
	"time"
)

// ResponseRecorder wraps an http.ResponseWriter and remembers the status code
// and the number of body bytes written.
type ResponseRecorder struct {
	http.ResponseWriter
	status  int
	written int64
}

// NewResponseRecorder returns a recorder that reports 200 until the handler
// writes another status.
func NewResponseRecorder(w http.ResponseWriter) *ResponseRecorder {
	return &ResponseRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (rr *ResponseRecorder) Status() int {
	return rr.status
}

// Written reports the response body size seen so far.
func (rr *ResponseRecorder) Written() int64 {
	return rr.written
}

func (rr *ResponseRecorder) WriteHeader(status int) {
	rr.status = status
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *ResponseRecorder) Write(p []byte) (int, error) {
	n, err := rr.ResponseWriter.Write(p)
	rr.written += int64(n)
	return n, err
}

func (rr *ResponseRecorder) Flush() {
	if flusher, ok := rr.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (rr *ResponseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := rr.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (rr *ResponseRecorder) Unwrap() http.ResponseWriter {
	return rr.ResponseWriter
}

// HTTPMiddleware records request metrics around the provided handler using the
// supplied recorder (falling back to metrics.Default when nil), labelling
// requests by their URL path.
func HTTPMiddleware(recorder *Recorder, next http.Handler) http.Handler {
	return HTTPMiddlewareWithLabel(recorder, nil, next)
}

// HTTPMiddlewareWithLabel is HTTPMiddleware with a caller-supplied path label.
// label runs after the wrapped handler so it can read routing state the
// handler attached to the request context; an empty label falls back to the
// URL path.
func HTTPMiddlewareWithLabel(recorder *Recorder, label func(*http.Request) string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recorder
		if rec == nil {
			rec = Default()
		}
		rr := NewResponseRecorder(w)
		start := time.Now()
		next.ServeHTTP(rr, r)
		path := r.URL.Path
		if label != nil {
			if value := label(r); value != "" {
				path = value
			}
		}
		rec.ObserveRequest(r.Method, path, rr.Status(), time.Since(start))
	})
}
