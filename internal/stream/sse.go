// ABOUTME: Server-sent events FrameWriter over http.ResponseWriter
// ABOUTME: Writes event/data frames, splitting multi-line payloads, and flushes each frame

package stream

import (
	"errors"
	"net/http"
	"strings"
)

// ErrStreamingUnsupported is returned when the ResponseWriter cannot flush.
var ErrStreamingUnsupported = errors.New("streaming not supported")

// SSEWriter writes text/event-stream frames.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter sets the event-stream headers on w.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	return &SSEWriter{w: w, flusher: flusher}, nil
}

// WriteEvent writes one frame and flushes it to the client.
func (s *SSEWriter) WriteEvent(name, data string) error {
	if _, err := s.w.Write([]byte(formatSSEEvent(name, data))); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

var lineBreaks = strings.NewReplacer("\r\n", "\n", "\r", "\n")

// formatSSEEvent formats an SSE frame:
// event: <name>\ndata: <line>\n...\n\n
func formatSSEEvent(name, data string) string {
	var b strings.Builder
	b.WriteString("event: ")
	b.WriteString(strings.ReplaceAll(lineBreaks.Replace(name), "\n", " "))
	b.WriteString("\n")
	for _, line := range strings.Split(lineBreaks.Replace(data), "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	return b.String()
}
