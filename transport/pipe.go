package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Pipe is an in-memory Dialer. Every Dial creates a PipeSession that is
// published on Accepted so the remote side can be scripted, which makes it
// the transport of choice for replaying captured venue traffic and tests.
type Pipe struct {
	mu       sync.Mutex
	dials    int
	failures int
	failErr  error
	accepted chan *PipeSession
}

func NewPipe() *Pipe {
	return &Pipe{accepted: make(chan *PipeSession, 64)}
}

// Dial creates a new session unless a failure was scheduled with FailDials.
func (p *Pipe) Dial(ctx context.Context, url string) (Session, error) {
	p.mu.Lock()
	p.dials++
	if p.failures > 0 {
		p.failures--
		err := p.failErr
		p.mu.Unlock()
		return nil, err
	}
	p.mu.Unlock()

	s := newPipeSession(url)
	select {
	case p.accepted <- s:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s, nil
}

// Accepted yields sessions in dial order.
func (p *Pipe) Accepted() <-chan *PipeSession {
	return p.accepted
}

// Dials returns the number of Dial calls, failed ones included.
func (p *Pipe) Dials() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dials
}

// FailDials makes the next n dials return err.
func (p *Pipe) FailDials(n int, err error) {
	if err == nil {
		err = fmt.Errorf("connection refused")
	}
	p.mu.Lock()
	p.failures = n
	p.failErr = err
	p.mu.Unlock()
}

// PipeSession is the local end of a Pipe connection plus the controls for the
// remote end.
type PipeSession struct {
	URL string

	inbound  chan []byte
	outbound chan []byte
	closed   chan struct{}

	closeOnce sync.Once
	closeErr  error

	lastActivity atomic.Int64
}

func newPipeSession(url string) *PipeSession {
	return &PipeSession{
		URL:      url,
		inbound:  make(chan []byte, 256),
		outbound: make(chan []byte, 256),
		closed:   make(chan struct{}),
	}
}

func (s *PipeSession) Send(ctx context.Context, frame []byte) error {
	cp := append([]byte(nil), frame...)
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	select {
	case s.outbound <- cp:
		return nil
	case <-s.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv drains frames queued before a remote close before reporting it.
func (s *PipeSession) Recv() ([]byte, error) {
	select {
	case f := <-s.inbound:
		return f, nil
	default:
	}
	select {
	case f := <-s.inbound:
		return f, nil
	case <-s.closed:
		select {
		case f := <-s.inbound:
			return f, nil
		default:
		}
		return nil, s.closeErr
	}
}

func (s *PipeSession) Close() error {
	s.shutdown(ErrClosed)
	return nil
}

// Push queues a frame as if the remote end had sent it.
func (s *PipeSession) Push(frame []byte) error {
	select {
	case s.inbound <- frame:
		return nil
	case <-s.closed:
		return ErrClosed
	}
}

// Ping records remote liveness without queueing a frame, like a websocket
// control ping.
func (s *PipeSession) Ping() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity reports the last Ping, or the zero time.
func (s *PipeSession) LastActivity() time.Time {
	if n := s.lastActivity.Load(); n != 0 {
		return time.Unix(0, n)
	}
	return time.Time{}
}

// PushString is Push for literal payloads.
func (s *PipeSession) PushString(frame string) error {
	return s.Push([]byte(frame))
}

// CloseRemote closes the session from the remote side. A nil error is an
// orderly close.
func (s *PipeSession) CloseRemote(err error) {
	if err == nil {
		err = ErrClosed
	}
	s.shutdown(err)
}

// Sent yields frames written by the local side.
func (s *PipeSession) Sent() <-chan []byte {
	return s.outbound
}

// Done is closed once either side closes the session.
func (s *PipeSession) Done() <-chan struct{} {
	return s.closed
}

func (s *PipeSession) shutdown(err error) {
	s.closeOnce.Do(func() {
		s.closeErr = err
		close(s.closed)
	})
}
