package relay

import (
	"bufio"
	"bytes"
	"errors"
	"io"

	"github.com/loykin/coreshell/internal/logbuf"
)

// MaxLineBytes is the longest line forwarded in one piece; longer lines are split.
const MaxLineBytes = 64 * 1024

// Sink receives forwarded lines. Implementations must be safe for concurrent use.
type Sink interface {
	Append(src logbuf.Source, text string)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(src logbuf.Source, text string)

func (f SinkFunc) Append(src logbuf.Source, text string) { f(src, text) }

// Discard drops every line.
var Discard Sink = SinkFunc(func(logbuf.Source, string) {})

// Run forwards r to sink line by line until end of stream or a read error and
// returns the number of lines forwarded. A final line without a trailing
// newline is still flushed. Read errors end the relay silently: a broken pipe
// after the writer died is the normal way for a killed worker's stream to end.
// If mirror is non-nil every forwarded line is also written to it.
func Run(r io.Reader, src logbuf.Source, sink Sink, mirror io.Writer) int {
	if sink == nil {
		sink = Discard
	}
	br := bufio.NewReaderSize(r, MaxLineBytes)
	n := 0
	// split is set while the previous chunk was cut at MaxLineBytes; its
	// terminator may then arrive alone and is not a line of its own.
	split := false
	for {
		chunk, err := br.ReadSlice('\n')
		if len(chunk) > 0 {
			text := string(bytes.TrimRight(chunk, "\r\n"))
			if !split || text != "" {
				sink.Append(src, text)
				if mirror != nil {
					_, _ = io.WriteString(mirror, text+"\n")
				}
				n++
			}
		}
		split = errors.Is(err, bufio.ErrBufferFull)
		if err != nil && !split {
			return n
		}
	}
}

// Start runs Run on its own goroutine, closes r when the stream ends and
// closes the returned channel after the last line was forwarded.
func Start(r io.ReadCloser, src logbuf.Source, sink Sink, mirror io.Writer) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() { _ = r.Close() }()
		Run(r, src, sink, mirror)
	}()
	return done
}
