// Package visa provides a pure Go stand-in for the VISA resource manager:
// it parses resource strings and opens synchronous instrument sessions over
// raw sockets, HiSLIP, VXI-11, USBTMC and serial ports.
package visa

import (
	"context"
	"io"
	"log"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const (
	// DefaultTimeout bounds connect and every exchange on a session
	DefaultTimeout = 5 * time.Second

	// DefaultBaud is used for ASRL resources
	DefaultBaud = 9600
)

// ErrClosed is generated when a closed session or resource manager is used
var ErrClosed = errors.New("visa: session closed")

// Session is a live, synchronous connection to one instrument
type Session interface {
	// Write sends one complete command
	Write(cmd string) error

	// ReadLine returns one complete reply.  The line terminator is included
	// if the instrument sent one.
	ReadLine() (string, error)

	io.Closer
}

// Opener opens sessions from resource strings
type Opener interface {
	Open(ctx context.Context, resource string) (Session, error)
}

// Option configures a ResourceManager
type Option func(*ResourceManager)

// WithTimeout sets the connect and I/O timeout of sessions
func WithTimeout(d time.Duration) Option {
	return func(rm *ResourceManager) {
		if d > 0 {
			rm.timeout = d
		}
	}
}

// WithBaud sets the baud rate for serial resources
func WithBaud(baud int) Option {
	return func(rm *ResourceManager) {
		if baud > 0 {
			rm.baud = baud
		}
	}
}

// WithLogger traces every message of every session
func WithLogger(l *log.Logger) Option {
	return func(rm *ResourceManager) {
		rm.logger = l
	}
}

// ResourceManager opens sessions and owns them until they, or it, are closed
type ResourceManager struct {
	timeout time.Duration
	baud    int
	logger  *log.Logger

	mu       sync.Mutex
	sessions map[*session]struct{}
	closed   bool
}

// NewResourceManager returns a ResourceManager with the given options
func NewResourceManager(opts ...Option) *ResourceManager {
	rm := &ResourceManager{
		timeout:  DefaultTimeout,
		baud:     DefaultBaud,
		sessions: make(map[*session]struct{}),
	}
	for _, opt := range opts {
		opt(rm)
	}
	return rm
}

// Open parses resource and connects to it
func (rm *ResourceManager) Open(ctx context.Context, resource string) (Session, error) {
	rm.mu.Lock()
	closed := rm.closed
	rm.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	r, err := ParseResource(resource)
	if err != nil {
		return nil, err
	}
	t, err := rm.dial(ctx, r)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", resource)
	}
	s := &session{transport: t, rm: rm}
	rm.mu.Lock()
	rm.sessions[s] = struct{}{}
	rm.mu.Unlock()
	if rm.logger != nil {
		rm.logger.Printf("opened %s over %s", resource, r.Interface)
	}
	return s, nil
}

// Close releases every session still open.  Closing twice is a no-op.
func (rm *ResourceManager) Close() error {
	rm.mu.Lock()
	if rm.closed {
		rm.mu.Unlock()
		return nil
	}
	rm.closed = true
	open := make([]*session, 0, len(rm.sessions))
	for s := range rm.sessions {
		open = append(open, s)
	}
	rm.mu.Unlock()

	var first error
	for _, s := range open {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (rm *ResourceManager) forget(s *session) {
	rm.mu.Lock()
	delete(rm.sessions, s)
	rm.mu.Unlock()
}

// transport is the minimal message-level contract every backend satisfies
type transport interface {
	write([]byte) error
	read() ([]byte, error)
	close() error
}

// session binds a transport to its resource manager and guarantees a
// single release
type session struct {
	transport transport
	rm        *ResourceManager

	once     sync.Once
	closeErr error
	closed   bool
}

func (s *session) Write(cmd string) error {
	if s.closed {
		return ErrClosed
	}
	return s.transport.write([]byte(cmd))
}

func (s *session) ReadLine() (string, error) {
	if s.closed {
		return "", ErrClosed
	}
	b, err := s.transport.read()
	return string(b), err
}

func (s *session) Close() error {
	s.once.Do(func() {
		s.closed = true
		s.closeErr = s.transport.close()
		s.rm.forget(s)
	})
	return s.closeErr
}
