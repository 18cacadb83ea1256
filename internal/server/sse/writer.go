// Package sse writes Server-Sent Events in the Messages API framing.
package sse

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/bytedance/sonic"
)

// Writer frames events onto an http.ResponseWriter, flushing after each
// so clients see deltas as they happen.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewWriter wraps a response writer. Fails when the writer cannot
// flush, which means the transport cannot stream.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming not supported")
	}
	return &Writer{w: w, flusher: flusher}, nil
}

// SetHeaders emits the SSE response headers. Call before the first
// event.
func (sw *Writer) SetHeaders() {
	sw.w.Header().Set("Content-Type", "text/event-stream")
	sw.w.Header().Set("Cache-Control", "no-cache")
	sw.w.Header().Set("Connection", "keep-alive")
	sw.w.Header().Set("X-Accel-Buffering", "no")
}

// WriteEvent marshals and frames one event.
func (sw *Writer) WriteEvent(eventType string, data interface{}) error {
	payload, err := sonic.Marshal(data)
	if err != nil {
		return err
	}
	return sw.WriteRaw(eventType, payload)
}

// WriteRaw frames pre-marshaled JSON.
func (sw *Writer) WriteRaw(eventType string, payload []byte) error {
	if _, err := fmt.Fprintf(sw.w, "event: %s\ndata: %s\n\n", eventType, payload); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

// WriteError frames a Messages API error event.
func (sw *Writer) WriteError(errorType, message string) error {
	return sw.WriteEvent("error", map[string]interface{}{
		"type": "error",
		"error": map[string]string{
			"type":    errorType,
			"message": message,
		},
	})
}

// Flush pushes any buffered bytes to the client.
func (sw *Writer) Flush() {
	sw.flusher.Flush()
}
