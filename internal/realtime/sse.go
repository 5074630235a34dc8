package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ConnectedEvent is the first event written to every new stream.
const ConnectedEvent = `{"message":"connected"}`

// WriteEvent writes one SSE data event and flushes it. Newlines in payload
// are escaped so they cannot end the event early.
func WriteEvent(w io.Writer, payload string) error {
	escaped := strings.ReplaceAll(payload, "\n", "\\n")
	if _, err := io.WriteString(w, "data: "+escaped+"\n\n"); err != nil {
		return err
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// StreamSSE writes the connected event and then every payload queued on
// conn until ctx ends, the connection closes, or a write fails. The
// response headers must already be set.
func StreamSSE(ctx context.Context, w io.Writer, conn *Connection) error {
	if err := WriteEvent(w, ConnectedEvent); err != nil {
		return fmt.Errorf("write connected event: %w", err)
	}

	for {
		payload, err := conn.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrConnectionClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if err := WriteEvent(w, payload); err != nil {
			return fmt.Errorf("write event: %w", err)
		}
	}
}
