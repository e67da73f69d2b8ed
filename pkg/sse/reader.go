// Package sse implements a minimal reader for Server-Sent Event streams.
package sse

import (
	"bufio"
	"context"
	"io"
	"strings"
)

// Event is one server-sent event.
type Event struct {
	// Event is the event name; empty means the default "message" event.
	Event string
	// Data is the concatenated data lines, newline-joined.
	Data string
	// ID is the last event id, when the server sets one.
	ID string
}

// Reader decodes events from an SSE byte stream.
type Reader struct {
	scanner *bufio.Scanner
}

// NewReader wraps r in an SSE decoder. Events may carry large payloads;
// lines up to 10 MiB are accepted.
func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)
	return &Reader{scanner: scanner}
}

// Next reads the next event, blocking until one arrives, the stream ends
// (io.EOF), or ctx is cancelled.
func (r *Reader) Next(ctx context.Context) (*Event, error) {
	var ev Event
	var dataLines []string

	for r.scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		line := r.scanner.Text()

		// Blank line terminates the event.
		if line == "" {
			if len(dataLines) == 0 && ev.Event == "" && ev.ID == "" {
				continue
			}
			ev.Data = strings.Join(dataLines, "\n")
			return &ev, nil
		}

		// Comment lines keep the connection alive.
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			ev.Event = value
		case "data":
			dataLines = append(dataLines, value)
		case "id":
			ev.ID = value
		}
	}

	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	// A final event without a trailing blank line still counts.
	if len(dataLines) > 0 {
		ev.Data = strings.Join(dataLines, "\n")
		return &ev, nil
	}
	return nil, io.EOF
}
