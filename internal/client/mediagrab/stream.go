package mediagrab

import (
	"bufio"
	"io"
	"strings"
	"sync"

	"github.com/mediagrab/internal/progress"
)

// Stream reads progress events from an open text/event-stream body.
type Stream struct {
	body      io.ReadCloser
	reader    *bufio.Reader
	closeOnce sync.Once
}

func newStream(body io.ReadCloser) *Stream {
	return &Stream{body: body, reader: bufio.NewReader(body)}
}

// Next blocks until the next event. It returns io.EOF when the server ends
// the stream and the read error when the connection breaks. Unknown event
// names are skipped.
func (s *Stream) Next() (progress.Event, error) {
	var name string
	var data []string

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF && line == "" {
				return progress.Event{}, io.EOF
			}
			if err != io.EOF {
				return progress.Event{}, err
			}
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if name == "" && data == nil {
				if err == io.EOF {
					return progress.Event{}, io.EOF
				}
				continue
			}
			ev, ok := progress.Parse(name, strings.Join(data, "\n"))
			name, data = "", nil
			if ok {
				return ev, nil
			}
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		default:
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "event":
				name = value
			case "data":
				data = append(data, value)
			}
		}

		if err == io.EOF {
			// an event without its blank-line terminator is incomplete
			return progress.Event{}, io.EOF
		}
	}
}

// Close detaches from the stream.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.body.Close()
	})
	return err
}
