package streaming

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"assetindex/internal/logging"
)

// Sentinel errors for streaming operations.
var (
	// ErrWriteTimeout indicates that a write did not complete within the
	// configured timeout, or that the stream outlived MaxDuration. This
	// typically means the client stopped reading.
	ErrWriteTimeout = errors.New("write timeout exceeded")

	// ErrClientGone indicates that the request context ended before the
	// stream did.
	ErrClientGone = errors.New("client disconnected")

	// ErrStreamClosed is returned by writes after Close.
	ErrStreamClosed = errors.New("stream closed")

	// ErrUnsupported means the response writer cannot be flushed, so events
	// would sit in a buffer instead of reaching the client.
	ErrUnsupported = errors.New("streaming unsupported")
)

// Config configures an EventWriter.
type Config struct {
	// WriteTimeout bounds a single event write (0 = no deadline)
	WriteTimeout time.Duration
	// Keepalive is the interval between comment lines on an idle stream
	Keepalive time.Duration
	// MaxDuration is the absolute maximum stream duration (0 = unlimited)
	MaxDuration time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		WriteTimeout: 30 * time.Second,
		Keepalive:    30 * time.Second,
	}
}

// Event is one server-sent event. Empty ID and Name are omitted.
type Event struct {
	ID   string
	Name string
	Data []byte
}

// EventWriter writes server-sent events to an HTTP response, flushing after
// every event and bounding each write with a deadline.
type EventWriter struct {
	w            http.ResponseWriter
	rc           *http.ResponseController
	ctx          context.Context
	config       Config
	startTime    time.Time
	mu           sync.Mutex
	closed       bool
	events       int64
	bytesWritten int64
	buf          bytes.Buffer
}

// NewEventWriter sets the event-stream headers and commits the response.
// It returns ErrUnsupported, with nothing written, when w cannot flush.
func NewEventWriter(ctx context.Context, w http.ResponseWriter, config Config) (*EventWriter, error) {
	ew := &EventWriter{
		w:         w,
		rc:        http.NewResponseController(w),
		ctx:       ctx,
		config:    config,
		startTime: time.Now(),
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	if err := ew.rc.Flush(); err != nil {
		h.Del("Content-Type")
		h.Del("Cache-Control")
		h.Del("Connection")
		h.Del("X-Accel-Buffering")
		if errors.Is(err, http.ErrNotSupported) {
			return nil, ErrUnsupported
		}
		return nil, err
	}
	return ew, nil
}

// Send writes one event. Multi-line data is split across data fields.
func (ew *EventWriter) Send(ev Event) error {
	ew.mu.Lock()
	defer ew.mu.Unlock()

	ew.buf.Reset()
	if ev.ID != "" {
		ew.buf.WriteString("id: " + ev.ID + "\n")
	}
	if ev.Name != "" {
		ew.buf.WriteString("event: " + ev.Name + "\n")
	}
	for _, line := range bytes.Split(ev.Data, []byte("\n")) {
		ew.buf.WriteString("data: ")
		ew.buf.Write(line)
		ew.buf.WriteByte('\n')
	}
	ew.buf.WriteByte('\n')

	if err := ew.writeLocked(ew.buf.Bytes()); err != nil {
		return err
	}
	ew.events++
	return nil
}

// Comment writes a comment line, which clients ignore.
func (ew *EventWriter) Comment(text string) error {
	ew.mu.Lock()
	defer ew.mu.Unlock()
	return ew.writeLocked([]byte(": " + strings.ReplaceAll(text, "\n", " ") + "\n\n"))
}

func (ew *EventWriter) writeLocked(p []byte) error {
	if ew.closed {
		return ErrStreamClosed
	}
	if ew.ctx.Err() != nil {
		return ErrClientGone
	}
	if ew.config.MaxDuration > 0 && time.Since(ew.startTime) > ew.config.MaxDuration {
		return ErrWriteTimeout
	}

	if ew.config.WriteTimeout > 0 {
		err := ew.rc.SetWriteDeadline(time.Now().Add(ew.config.WriteTimeout))
		if err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
	}

	n, err := ew.w.Write(p)
	ew.bytesWritten += int64(n)
	if err == nil {
		err = ew.rc.Flush()
	}
	if err != nil {
		return ew.writeError(err)
	}
	return nil
}

func (ew *EventWriter) writeError(err error) error {
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrWriteTimeout, err)
	case ew.ctx.Err() != nil:
		return ErrClientGone
	default:
		return err
	}
}

// Close marks the writer as closed and clears any write deadline.
func (ew *EventWriter) Close() error {
	ew.mu.Lock()
	defer ew.mu.Unlock()

	if ew.closed {
		return nil
	}
	ew.closed = true

	if ew.config.WriteTimeout > 0 {
		if err := ew.rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
	}
	return nil
}

// Stats returns streaming statistics
func (ew *EventWriter) Stats() (events, bytesWritten int64, duration time.Duration) {
	ew.mu.Lock()
	defer ew.mu.Unlock()
	return ew.events, ew.bytesWritten, time.Since(ew.startTime)
}

// Stream sends every value from feed until the feed closes, the request
// context ends or a write fails. Values that fail to encode are logged and
// skipped. An idle stream gets a keepalive comment every Keepalive.
func Stream[T any](ew *EventWriter, feed <-chan T, encode func(T) (Event, error)) error {
	var tick <-chan time.Time
	if ew.config.Keepalive > 0 {
		keepalive := time.NewTicker(ew.config.Keepalive)
		defer keepalive.Stop()
		tick = keepalive.C
	}

	defer func() {
		events, n, duration := ew.Stats()
		logging.Debug("Stream completed: %d events, %d bytes in %v", events, n, duration)
	}()

	for {
		select {
		case <-ew.ctx.Done():
			return ErrClientGone
		case <-tick:
			if err := ew.Comment("keepalive"); err != nil {
				return err
			}
		case v, ok := <-feed:
			if !ok {
				return nil
			}
			ev, err := encode(v)
			if err != nil {
				logging.Error("Failed to encode stream event: %v", err)
				continue
			}
			if err := ew.Send(ev); err != nil {
				return err
			}
		}
	}
}
