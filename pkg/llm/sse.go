package llm

import (
	"bufio"
	"io"
	"strings"
)

// sseFrame is one Server-Sent Events frame: an optional event name and the
// data lines joined with "\n".
type sseFrame struct {
	event string
	data  string
}

// sseReader parses an SSE byte stream into frames. Lines may be CRLF- or
// LF-delimited; an empty line ends a frame; lines starting with ":" are
// comments; multiple data lines concatenate with "\n".
type sseReader struct {
	scanner *bufio.Scanner
}

func newSSEReader(r io.Reader) *sseReader {
	scanner := bufio.NewScanner(r)
	// Tool argument fragments can produce long data lines.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &sseReader{scanner: scanner}
}

// Next returns the next non-empty frame, or io.EOF when the stream ends.
func (r *sseReader) Next() (*sseFrame, error) {
	var event string
	var data []string

	flush := func() *sseFrame {
		if len(data) == 0 && event == "" {
			return nil
		}
		return &sseFrame{event: event, data: strings.Join(data, "\n")}
	}

	for r.scanner.Scan() {
		line := r.scanner.Text()

		if line == "" {
			if frame := flush(); frame != nil {
				return frame, nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value := splitSSELine(line)
		switch field {
		case "event":
			event = value
		case "data":
			data = append(data, value)
		}
	}

	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	// Stream ended without a trailing blank line; emit what accumulated.
	if frame := flush(); frame != nil {
		return frame, nil
	}
	return nil, io.EOF
}

// splitSSELine splits "field: value", stripping the single optional space
// after the colon.
func splitSSELine(line string) (field, value string) {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return line, ""
	}
	field = line[:idx]
	value = line[idx+1:]
	value = strings.TrimPrefix(value, " ")
	return field, value
}

// sseDone is the terminal data frame used by OpenAI-compatible streams.
const sseDone = "[DONE]"
