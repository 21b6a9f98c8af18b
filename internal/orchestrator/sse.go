package orchestrator

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

var (
	ssePrefix    = []byte("data:")
	sseSentinel  = []byte("[DONE]")
	sseScanLimit = 1 << 20 // one event line must fit in 1 MiB
)

// EventScanner is an incremental parser over the raw byte stream of a
// Server-Sent-Events response: accumulate to newline, strip the "data: "
// prefix, detect the [DONE] sentinel. It recovers event framing regardless of
// how the network segmented the stream.
type EventScanner struct {
	r    *bufio.Reader
	done bool
}

// NewEventScanner wraps a raw SSE body.
func NewEventScanner(r io.Reader) *EventScanner {
	return &EventScanner{r: bufio.NewReaderSize(r, 16*1024)}
}

// Next returns the payload of the next data event. It terminates exactly
// once: io.EOF on the [DONE] sentinel or on stream close, and every call
// after that keeps returning io.EOF. Comment lines, other SSE fields and
// blank separators are skipped.
func (s *EventScanner) Next() ([]byte, error) {
	if s.done {
		return nil, io.EOF
	}
	var acc []byte
	for {
		chunk, err := s.r.ReadSlice('\n')
		acc = append(acc, chunk...)
		if err == nil || errors.Is(err, bufio.ErrBufferFull) {
			if errors.Is(err, bufio.ErrBufferFull) {
				if len(acc) > sseScanLimit {
					s.done = true
					return nil, errors.New("sse: event line exceeds limit")
				}
				continue
			}
			if payload, ok := s.payload(acc); ok {
				if bytes.Equal(payload, sseSentinel) {
					s.done = true
					return nil, io.EOF
				}
				return payload, nil
			}
			acc = acc[:0]
			continue
		}
		// Stream ended. A trailing unterminated line is still processed so a
		// server that omits the final newline does not drop its last event.
		s.done = true
		if payload, ok := s.payload(acc); ok && !bytes.Equal(payload, sseSentinel) {
			return payload, nil
		}
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, err
	}
}

// payload extracts the data field from one line, reporting ok=false for
// blanks, comments and non-data fields.
func (s *EventScanner) payload(line []byte) ([]byte, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] == ':' {
		return nil, false
	}
	if !bytes.HasPrefix(line, ssePrefix) {
		return nil, false
	}
	p := bytes.TrimSpace(line[len(ssePrefix):])
	if len(p) == 0 {
		return nil, false
	}
	// Copy: the slice may alias the bufio buffer.
	out := make([]byte, len(p))
	copy(out, p)
	return out, true
}
