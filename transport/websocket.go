package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// WebsocketOptions tunes the gorilla dialer.
type WebsocketOptions struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadLimit        int64
	// LocalIP binds outgoing connections to a source address so several
	// processes on one host can spread venue rate limits across IPs.
	LocalIP   string
	UserAgent string
}

// WebsocketDialer dials gorilla websocket sessions.
type WebsocketDialer struct {
	dialer websocket.Dialer
	opts   WebsocketOptions
	header http.Header
}

func NewWebsocketDialer(opts WebsocketOptions) *WebsocketDialer {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 15 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}

	d := websocket.Dialer{
		Proxy:             http.ProxyFromEnvironment,
		HandshakeTimeout:  opts.HandshakeTimeout,
		EnableCompression: true,
	}
	if opts.LocalIP != "" {
		if ip := net.ParseIP(opts.LocalIP); ip != nil {
			d.NetDialContext = (&net.Dialer{LocalAddr: &net.TCPAddr{IP: ip}}).DialContext
		}
	}

	header := http.Header{}
	if opts.UserAgent != "" {
		header.Set("User-Agent", opts.UserAgent)
	}

	return &WebsocketDialer{dialer: d, opts: opts, header: header}
}

func (d *WebsocketDialer) Dial(ctx context.Context, url string) (Session, error) {
	conn, resp, err := d.dialer.DialContext(ctx, url, d.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("handshake failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, err
	}
	if d.opts.ReadLimit > 0 {
		conn.SetReadLimit(d.opts.ReadLimit)
	}
	s := &wsSession{conn: conn, writeTimeout: d.opts.WriteTimeout}
	s.touch()
	conn.SetPingHandler(s.onPing)
	conn.SetPongHandler(func(string) error {
		s.touch()
		return nil
	})
	return s, nil
}

type wsSession struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	lastActivity atomic.Int64

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func (s *wsSession) Send(ctx context.Context, frame []byte) error {
	deadline := time.Now().Add(s.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

func (s *wsSession) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// onPing replaces gorilla's default handler, which answers the ping but
// leaves no trace of it.
func (s *wsSession) onPing(data string) error {
	s.touch()
	err := s.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(s.writeTimeout))
	if err == websocket.ErrCloseSent {
		return nil
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return nil
	}
	return err
}

func (s *wsSession) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *wsSession) Recv() ([]byte, error) {
	_, msg, err := s.conn.ReadMessage()
	if err == nil {
		s.touch()
	}
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
			errors.Is(err, net.ErrClosed) {
			return nil, fmt.Errorf("%w: %v", ErrClosed, err)
		}
		return nil, err
	}
	return msg, nil
}

func (s *wsSession) Close() error {
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		_ = s.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
