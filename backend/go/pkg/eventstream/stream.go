// Package eventstream implements the newline-delimited event transport used to push
// pipeline progress to HTTP clients, plus the matching client-side decoder.
//
// Frames are SSE compatible:
//
//	data: {"type":"agent_start",...}\n\n   event payload
//	: heartbeat\n\n                         keep-alive, carries nothing
//	data: [DONE]\n\n                        terminal sentinel
package eventstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

const (
	// DefaultHeartbeat is the keep-alive interval used when none is configured.
	DefaultHeartbeat = 15 * time.Second

	dataPrefix      = "data: "
	heartbeatFrame  = ": heartbeat\n\n"
	sentinelPayload = "[DONE]"
	sentinelFrame   = dataPrefix + sentinelPayload + "\n\n"
)

// ErrClosed is returned by WriteRaw after the stream has been released.
var ErrClosed = errors.New("eventstream: stream closed")

// Option configures a Stream.
type Option func(*Stream)

// WithHeartbeat overrides the heartbeat interval. Non-positive values disable heartbeats.
func WithHeartbeat(d time.Duration) Option {
	return func(s *Stream) {
		s.heartbeat = d
	}
}

// Stream owns an outbound byte sink together with its heartbeat timer. Both are released
// as one unit: by Close, by cancellation of the context passed to New (client gone), or
// by the first failed write.
type Stream struct {
	mu        sync.Mutex
	w         io.Writer
	flusher   http.Flusher
	heartbeat time.Duration
	closed    bool
	err       error

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New wraps w and starts the heartbeat goroutine. If w implements http.Flusher every
// frame is flushed immediately.
func New(ctx context.Context, w io.Writer, opts ...Option) *Stream {
	s := &Stream{
		w:         w,
		heartbeat: DefaultHeartbeat,
		done:      make(chan struct{}),
	}
	if f, ok := w.(http.Flusher); ok {
		s.flusher = f
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wg.Add(1)
	go s.run(ctx)
	return s
}

// PrepareHeaders sets the response headers expected by EventSource style consumers.
func PrepareHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

func (s *Stream) run(ctx context.Context) {
	defer s.wg.Done()

	var tick <-chan time.Time
	if s.heartbeat > 0 {
		ticker := time.NewTicker(s.heartbeat)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			s.release(ctx.Err())
			return
		case <-tick:
			if err := s.write(heartbeatFrame); err != nil {
				return
			}
		}
	}
}

// Send serializes v as JSON and writes it as one frame. Sending on a released stream is
// a no-op. A write failure releases the stream and is returned to the caller.
func (s *Stream) Send(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("eventstream: marshal event: %w", err)
	}
	if err := s.write(dataPrefix + string(payload) + "\n\n"); err != nil && !errors.Is(err, ErrClosed) {
		return err
	}
	return nil
}

// Close writes the terminal sentinel, stops the heartbeat and waits for it to exit.
// Calling Close more than once is safe.
func (s *Stream) Close() error {
	s.mu.Lock()
	var err error
	if !s.closed {
		err = s.writeLocked(sentinelFrame)
		s.closed = true
	}
	s.mu.Unlock()

	s.stop()
	s.wg.Wait()
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

// Abort releases the stream without writing the sentinel, for producers that stop before
// the end of the event sequence. It waits for the heartbeat goroutine like Close.
func (s *Stream) Abort() {
	s.release(nil)
	s.wg.Wait()
}

// Done is closed once the stream has been released for any reason.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Err reports why the stream was released, if it was not a normal Close.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) write(frame string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(frame)
}

func (s *Stream) writeLocked(frame string) error {
	if s.closed {
		return ErrClosed
	}
	if _, err := io.WriteString(s.w, frame); err != nil {
		s.closed = true
		s.err = err
		s.stop()
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

func (s *Stream) release(cause error) {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		s.err = cause
	}
	s.mu.Unlock()
	s.stop()
}

func (s *Stream) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}
