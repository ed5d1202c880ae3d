package sse

import (
	"errors"
	"net/http"
)

// Writer streams frames to an HTTP response. Headers and the 200 status go
// out with the first frame, so callers can still send a plain error response
// before that.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

// NewWriter fails when w cannot flush.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming not supported")
	}
	return &Writer{w: w, flusher: flusher}, nil
}

// Started reports whether any frame has been written.
func (w *Writer) Started() bool {
	return w.started
}

// Send writes one frame and flushes it.
func (w *Writer) Send(f Frame) error {
	data, err := Marshal(f)
	if err != nil {
		return err
	}
	if !w.started {
		h := w.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		w.w.WriteHeader(http.StatusOK)
		w.started = true
	}
	buf := make([]byte, 0, len(data)+8)
	buf = append(buf, "data: "...)
	buf = append(buf, data...)
	buf = append(buf, "\n\n"...)
	if _, err := w.w.Write(buf); err != nil {
		return err
	}
	w.flusher.Flush()
	return nil
}
