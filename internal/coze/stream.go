package coze

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
)

// streamState is the lifecycle of one streaming translation.
type streamState int

const (
	stateOpen streamState = iota
	stateClosedNormal
	stateClosedError
)

// StreamParser reassembles SSE data records from an arbitrarily-chunked byte
// stream. Coze terminates each record with a newline, but a record may be
// split across any number of chunks; the parser keeps the trailing partial
// line in pending until a later chunk completes it.
//
// Once a "done" or "error" event has been parsed the stream is closed and
// further input is ignored.
type StreamParser struct {
	pending string
	state   streamState
}

// NewStreamParser returns a parser in the open state with an empty buffer.
func NewStreamParser() *StreamParser {
	return &StreamParser{}
}

// Closed reports whether the parser has seen a terminal event.
func (p *StreamParser) Closed() bool {
	return p.state != stateOpen
}

// Feed appends a chunk to the buffer and returns the events parsed from every
// line the chunk completed. The last fragment after the final newline is
// retained for the next Feed; it may be empty when the chunk ended exactly on
// a newline.
func (p *StreamParser) Feed(chunk []byte) []StreamEvent {
	if p.state != stateOpen {
		return nil
	}

	p.pending += string(chunk)
	lines := strings.Split(p.pending, "\n")
	p.pending = lines[len(lines)-1]

	var events []StreamEvent
	for _, line := range lines[:len(lines)-1] {
		ev, ok := p.parseLine(line)
		if !ok {
			continue
		}
		events = append(events, ev)
		switch ev.Event {
		case EventDone:
			p.state = stateClosedNormal
			return events
		case EventError:
			p.state = stateClosedError
			return events
		}
	}
	return events
}

// parseLine decodes one complete SSE line into a StreamEvent. Lines that are
// not JSON-bearing data lines are skipped, as are data lines that fail to
// parse: a single malformed record must never abort an otherwise-healthy
// stream.
func (p *StreamParser) parseLine(line string) (StreamEvent, bool) {
	line = strings.TrimSpace(line)
	rest, ok := strings.CutPrefix(line, "data:")
	if !ok {
		return StreamEvent{}, false
	}
	payload := strings.TrimSpace(rest)
	if !strings.HasPrefix(payload, "{") {
		return StreamEvent{}, false
	}

	var ev StreamEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		slog.Warn("skipping malformed stream record", "error", err, "data", truncate(payload, 200))
		return StreamEvent{}, false
	}
	return ev, true
}

// readChunkSize is the per-read buffer for the upstream response body. Small
// enough that partial lines are routinely exercised, large enough to keep
// syscall overhead negligible.
const readChunkSize = 4096

// ReadStream reads the upstream response body incrementally, feeds it through
// a StreamParser, and sends the reassembled events to the returned channel.
// The channel is closed when the parser reaches a terminal state, the body is
// exhausted, or the context is cancelled. A transport-level read failure is
// delivered as a final StreamEvent with Err set.
func ReadStream(ctx context.Context, body io.Reader) <-chan StreamEvent {
	ch := make(chan StreamEvent, 16)
	go func() {
		defer close(ch)
		parser := NewStreamParser()
		buf := make([]byte, readChunkSize)
		for {
			n, err := body.Read(buf)
			if n > 0 {
				for _, ev := range parser.Feed(buf[:n]) {
					select {
					case ch <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
			if parser.Closed() {
				return
			}
			if err != nil {
				if err == io.EOF || ctx.Err() != nil {
					return
				}
				select {
				case ch <- StreamEvent{Err: err}:
				case <-ctx.Done():
				}
				return
			}
		}
	}()
	return ch
}

// truncate limits a string to maxLen characters for log output.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
