// Package stream implements the StreamMultiplexer: line-buffering over a
// command's stdout and fan-out of both raw lines and parsed content
// events to the observability logger, the caller's content handler, and
// any subscribed dashboard clients (spec.md §4.1.3, §4.1 "concurrency
// guard" box in the architecture diagram).
package stream

import (
	"bufio"
	"bytes"
	"io"

	"github.com/kandev/kandev-core/internal/parser"
)

// LineHandler is invoked once per complete stdout line, in order.
type LineHandler func(line string)

// LineBuffer splits an io.Reader into newline-delimited chunks, forwarding
// each complete line to handler as it arrives. It mirrors spec.md
// §4.1.3's three-step stdout contract: buffer bytes, split on newline,
// and — on EOF — flush any final unterminated line so a command that
// exits without a trailing newline still reports its last line.
type LineBuffer struct {
	handler LineHandler
}

// NewLineBuffer builds a LineBuffer that calls handler per complete line.
func NewLineBuffer(handler LineHandler) *LineBuffer {
	return &LineBuffer{handler: handler}
}

// Consume reads r to completion, invoking the handler for every line
// (including a final line with no trailing newline). It returns only on
// read error or EOF.
func (b *LineBuffer) Consume(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimRight(scanner.Bytes(), "\r")
		if len(line) == 0 {
			continue
		}
		b.handler(string(line))
	}
	return scanner.Err()
}

// EventSink receives the parsed content events produced from one command's
// stdout, plus the raw lines for observability logging.
type EventSink interface {
	HandleRawLine(line string)
	HandleEvent(evt parser.Event)
}

// Demux wires a LineParser and an EventSink together: each raw line is
// forwarded to the sink, then parsed and every resulting event is also
// forwarded. A parse error on one line never aborts the stream — spec.md
// §4.1.3 treats the parser as producing "zero or more" events per line,
// tolerating noise.
func Demux(p parser.LineParser, sink EventSink) LineHandler {
	return func(line string) {
		sink.HandleRawLine(line)
		events, err := p.ParseLine(line)
		if err != nil {
			return
		}
		for _, evt := range events {
			sink.HandleEvent(evt)
		}
	}
}
