package httputil

import "net/http"

// SetSSEHeaders sets the standard headers for a Server-Sent Events response.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// FlushWriter wraps http.ResponseWriter and exposes a Flush method that is a
// no-op when the underlying writer does not implement http.Flusher.
type FlushWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewFlushWriter wraps w, detecting http.Flusher support once.
func NewFlushWriter(w http.ResponseWriter) *FlushWriter {
	fw := &FlushWriter{w: w}
	if f, ok := w.(http.Flusher); ok {
		fw.flusher = f
	}
	return fw
}

func (fw *FlushWriter) Header() http.Header         { return fw.w.Header() }
func (fw *FlushWriter) WriteHeader(code int)        { fw.w.WriteHeader(code) }
func (fw *FlushWriter) Write(p []byte) (int, error) { return fw.w.Write(p) }

// Flush forwards to the underlying flusher when one is available.
func (fw *FlushWriter) Flush() {
	if fw.flusher != nil {
		fw.flusher.Flush()
	}
}
