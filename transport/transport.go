// Package transport is the message framed duplex connection used by channel
// connections. Connections only depend on Dialer and Session, never on a
// concrete websocket library.
package transport

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by Recv after an orderly close from either side.
var ErrClosed = errors.New("session closed")

// Dialer opens sessions.
type Dialer interface {
	Dial(ctx context.Context, url string) (Session, error)
}

// Session is one established connection. Recv is called from a single
// goroutine; Send may be called concurrently with Recv.
type Session interface {
	Send(ctx context.Context, frame []byte) error
	Recv() ([]byte, error)
	Close() error
}

// ActivityReporter is implemented by sessions that see traffic Recv never
// returns, such as protocol level pings. Idle detection counts it as life.
type ActivityReporter interface {
	LastActivity() time.Time
}
