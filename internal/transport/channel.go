// Package transport provides byte-oriented duplex channels to field
// instruments over serial ports or TCP sockets. It has no protocol
// knowledge beyond a frame delimiter and performs no retries.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"
)

// DefaultTimeout bounds an exchange when the caller passes no timeout.
const DefaultTimeout = 10 * time.Second

const (
	staleFrameBuffer = 16
	readChunk        = 256
)

var (
	ErrNotConnected = errors.New("transport: not connected")
	ErrTimeout      = errors.New("transport: timed out waiting for response")
	ErrBusy         = errors.New("transport: request already in flight")
	ErrIOFailure    = errors.New("transport: i/o failure")
)

// IOError reports a failed read, write or open on the underlying connection.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("transport: %s failed: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

func (e *IOError) Is(target error) bool { return target == ErrIOFailure }

// Channel is a half-duplex request/response connection to one instrument.
// Only one exchange may be in flight; a concurrent call fails with ErrBusy.
type Channel interface {
	WriteThenRead(ctx context.Context, request []byte, timeout time.Duration) ([]byte, error)
	Close() error
}

type frame struct {
	data []byte
	err  error
}

// Stream is a Channel over any io.ReadWriteCloser. A background reader
// splits the incoming bytes into delimited frames. Frames that arrive while
// no exchange is waiting, and any undelimited tail, are discarded before the
// next request is written.
type Stream struct {
	conn    io.ReadWriteCloser
	kind    string
	address string
	delim   byte

	mu      sync.Mutex
	partial []byte

	frames    chan frame
	inflight  sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
}

// NewStream starts reading conn and returns a Channel over it.
func NewStream(conn io.ReadWriteCloser, kind, address string, delim byte) *Stream {
	if delim == 0 {
		delim = '\n'
	}
	s := &Stream{
		conn:    conn,
		kind:    kind,
		address: address,
		delim:   delim,
		frames:  make(chan frame, staleFrameBuffer),
		closed:  make(chan struct{}),
	}
	go s.readLoop()
	return s
}

func (s *Stream) readLoop() {
	defer close(s.frames)
	buf := make([]byte, readChunk)
	for {
		n, err := s.conn.Read(buf)
		for _, line := range s.split(buf[:n]) {
			select {
			case s.frames <- frame{data: line}:
			case <-s.closed:
				return
			}
		}
		if err != nil {
			// a trailing partial frame is dropped with the error
			select {
			case s.frames <- frame{err: err}:
			case <-s.closed:
			}
			return
		}
	}
}

// split appends p to the undelimited tail and returns every frame it
// completes.
func (s *Stream) split(p []byte) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var lines [][]byte
	for len(p) > 0 {
		i := bytes.IndexByte(p, s.delim)
		if i < 0 {
			s.partial = append(s.partial, p...)
			break
		}
		line := append(s.partial, p[:i+1]...)
		s.partial = nil
		lines = append(lines, line)
		p = p[i+1:]
	}
	return lines
}

func (s *Stream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *Stream) failure(op string, err error) error {
	if s.isClosed() {
		return ErrNotConnected
	}
	return &IOError{Op: fmt.Sprintf("%s %s %s", s.kind, op, s.address), Err: err}
}

// discardStale drops frames that nobody asked for along with any partial
// frame still being assembled. It returns an error if the reader has
// already stopped.
func (s *Stream) discardStale() error {
	s.mu.Lock()
	if len(s.partial) > 0 {
		log.Printf("transport: %s %s: dropped partial frame %q", s.kind, s.address, s.partial)
		s.partial = nil
	}
	s.mu.Unlock()
	for {
		select {
		case f, ok := <-s.frames:
			if !ok {
				return ErrNotConnected
			}
			if f.err != nil {
				return s.failure("read", f.err)
			}
		default:
			return nil
		}
	}
}

// WriteThenRead writes request (if any) and waits for the next frame. An
// empty request just waits for the next frame from a streaming instrument.
func (s *Stream) WriteThenRead(ctx context.Context, request []byte, timeout time.Duration) ([]byte, error) {
	if !s.inflight.TryLock() {
		return nil, ErrBusy
	}
	defer s.inflight.Unlock()

	if s.isClosed() {
		return nil, ErrNotConnected
	}
	if err := s.discardStale(); err != nil {
		return nil, err
	}
	if len(request) > 0 {
		if _, err := s.conn.Write(request); err != nil {
			return nil, s.failure("write", err)
		}
	}

	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case f, ok := <-s.frames:
		if !ok {
			return nil, ErrNotConnected
		}
		if f.err != nil {
			return nil, s.failure("read", f.err)
		}
		return f.data, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-s.closed:
		return nil, ErrNotConnected
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Write sends p without waiting for a reply, for output-only devices such
// as scoreboards.
func (s *Stream) Write(p []byte) (int, error) {
	if !s.inflight.TryLock() {
		return 0, ErrBusy
	}
	defer s.inflight.Unlock()
	if s.isClosed() {
		return 0, ErrNotConnected
	}
	n, err := s.conn.Write(p)
	if err != nil {
		return n, s.failure("write", err)
	}
	return n, nil
}

// Close stops the reader and closes the connection. Any exchange in flight
// resolves with ErrNotConnected.
func (s *Stream) Close() error {
	err := ErrNotConnected
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.conn.Close()
	})
	return err
}
