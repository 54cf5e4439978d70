package eventstream

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"Storyloom/backend/go/pkg/models"
)

// FrameKind classifies one line of the stream.
type FrameKind int

const (
	FrameIgnored FrameKind = iota // blank lines, unknown fields, unparsable payloads
	FrameHeartbeat
	FrameSentinel
	FrameEvent
)

// ParseLine classifies a single complete line. Payloads that fail to parse are reported
// as FrameIgnored rather than as errors.
func ParseLine(line string) (FrameKind, models.StreamEvent) {
	line = strings.TrimRight(line, "\r")
	switch {
	case line == "":
		return FrameIgnored, models.StreamEvent{}
	case strings.HasPrefix(line, ":"):
		return FrameHeartbeat, models.StreamEvent{}
	case !strings.HasPrefix(line, "data:"):
		return FrameIgnored, models.StreamEvent{}
	}

	payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if payload == sentinelPayload {
		return FrameSentinel, models.StreamEvent{}
	}
	var ev models.StreamEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil || ev.Type == "" {
		return FrameIgnored, models.StreamEvent{}
	}
	return FrameEvent, ev
}

// LineBuffer accumulates arbitrarily chunked bytes and hands back complete lines,
// keeping a trailing partial line until the rest of it arrives.
type LineBuffer struct {
	pending []byte
}

// Push appends chunk and returns every line completed by it.
func (b *LineBuffer) Push(chunk []byte) []string {
	b.pending = append(b.pending, chunk...)
	var lines []string
	for {
		i := bytes.IndexByte(b.pending, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, string(b.pending[:i]))
		b.pending = b.pending[i+1:]
	}
	return lines
}

// Flush returns whatever partial line is left, e.g. when the source hit EOF.
func (b *LineBuffer) Flush() string {
	rest := string(b.pending)
	b.pending = nil
	return rest
}

// Decoder reads StreamEvents from a byte stream produced by Stream.
type Decoder struct {
	r      io.Reader
	buf    LineBuffer
	queue  []string
	chunk  []byte
	eof    bool
	err    error
	closed bool
	done   bool
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r, chunk: make([]byte, 4096)}
}

// Next returns the next event. It returns io.EOF once the sentinel has been seen or the
// source is exhausted, and any other read error as is.
func (d *Decoder) Next() (models.StreamEvent, error) {
	for {
		if d.closed {
			return models.StreamEvent{}, io.EOF
		}
		for len(d.queue) > 0 {
			line := d.queue[0]
			d.queue = d.queue[1:]
			kind, ev := ParseLine(line)
			switch kind {
			case FrameEvent:
				return ev, nil
			case FrameSentinel:
				d.closed = true
				d.done = true
				return models.StreamEvent{}, io.EOF
			}
		}
		if d.eof {
			d.closed = true
			if d.err != nil && !errors.Is(d.err, io.EOF) {
				return models.StreamEvent{}, d.err
			}
			return models.StreamEvent{}, io.EOF
		}

		n, err := d.r.Read(d.chunk)
		if n > 0 {
			d.queue = append(d.queue, d.buf.Push(d.chunk[:n])...)
		}
		if err != nil {
			d.eof = true
			d.err = err
			if rest := d.buf.Flush(); rest != "" {
				d.queue = append(d.queue, rest)
			}
		}
	}
}

// Finished reports whether the terminal sentinel has been read, as opposed to the source
// ending early.
func (d *Decoder) Finished() bool {
	return d.done
}

// Handlers are the two effects a UI layer observes from a pipeline stream.
type Handlers struct {
	OnComplete func(outputs []models.AgentOutput)
	OnError    func(message string)
}

// Consume drains r, invoking OnComplete for pipeline_complete and OnError for error
// events. A transport failure is reported through OnError and returned.
func Consume(r io.Reader, h Handlers) error {
	dec := NewDecoder(r)
	for {
		ev, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if h.OnError != nil {
				h.OnError(err.Error())
			}
			return err
		}
		switch ev.Type {
		case models.EventPipelineComplete:
			if h.OnComplete != nil {
				h.OnComplete(ev.Outputs)
			}
		case models.EventError:
			if h.OnError != nil {
				h.OnError(ev.Message)
			}
		}
	}
}
