// Package supervisor owns the set of live channel connections. All
// bookkeeping happens on one actor goroutine; callers talk to it through a
// bounded request channel.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"cryptoagg/config"
	"cryptoagg/internal/channel"
	"cryptoagg/internal/metrics"
	"cryptoagg/logger"
	"cryptoagg/models"
	"cryptoagg/reader"
	"cryptoagg/transport"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const defaultRequestBuffer = 64

// Options configures a Supervisor.
type Options struct {
	Config *config.Config
	Log    *logger.Log
	// Dialer replaces the per-exchange websocket dialers, mostly with a
	// transport.Pipe.
	Dialer transport.Dialer
	// NewAdapter replaces reader.New.
	NewAdapter func(models.Exchange, *config.Config) (reader.Adapter, error)
}

type op uint8

const (
	opSubscribe op = iota
	opUnsubscribe
	opLookup
	opChannels
	opShutdown
)

type request struct {
	op    op
	ch    models.Channel
	reply chan reply
}

type reply struct {
	conn     *channel.Connection
	conns    []*channel.Connection
	channels []models.Channel
	err      error
}

// Supervisor maps channels to their connections.
type Supervisor struct {
	cfg        *config.Config
	log        *logger.Log
	dialer     transport.Dialer
	newAdapter func(models.Exchange, *config.Config) (reader.Adapter, error)

	ctx      context.Context
	cancel   context.CancelFunc
	requests chan request
	done     chan struct{}

	// Owned by the actor goroutine.
	conns    map[models.Channel]*channel.Connection
	closed   map[models.Channel]struct{}
	adapters map[models.Exchange]reader.Adapter
	dialers  map[models.Exchange]transport.Dialer
	limiters map[models.Exchange]*rate.Limiter

	registryMutex sync.RWMutex
	registry      map[string]*channel.Connection
}

// New validates the configuration and starts the actor.
func New(opts Options) (*Supervisor, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("supervisor: %w", err)
	}
	log := opts.Log
	if log == nil {
		log = logger.GetLogger()
	}
	newAdapter := opts.NewAdapter
	if newAdapter == nil {
		newAdapter = reader.New
	}
	buffer := cfg.Client.RequestBuffer
	if buffer <= 0 {
		buffer = defaultRequestBuffer
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		cfg:        cfg,
		log:        log,
		dialer:     opts.Dialer,
		newAdapter: newAdapter,
		ctx:        ctx,
		cancel:     cancel,
		requests:   make(chan request, buffer),
		done:       make(chan struct{}),
		conns:      make(map[models.Channel]*channel.Connection),
		closed:     make(map[models.Channel]struct{}),
		adapters:   make(map[models.Exchange]reader.Adapter),
		dialers:    make(map[models.Exchange]transport.Dialer),
		limiters:   make(map[models.Exchange]*rate.Limiter),
		registry:   make(map[string]*channel.Connection),
	}
	go s.run()
	return s, nil
}

func (s *Supervisor) call(ctx context.Context, req request) (reply, error) {
	req.reply = make(chan reply, 1)
	select {
	case s.requests <- req:
	case <-s.done:
		return reply{}, models.ErrClientClosed
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
	select {
	case r := <-req.reply:
		return r, r.err
	case <-s.done:
		select {
		case r := <-req.reply:
			return r, r.err
		default:
		}
		return reply{}, models.ErrClientClosed
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
}

// Subscribe returns the connection for ch, creating it when needed. A
// failed connection is replaced by a fresh one.
func (s *Supervisor) Subscribe(ctx context.Context, ch models.Channel) (*channel.Connection, error) {
	if err := ch.Validate(); err != nil {
		return nil, err
	}
	r, err := s.call(ctx, request{op: opSubscribe, ch: ch})
	return r.conn, err
}

// Unsubscribe stops the connection for ch and waits for it to release its
// session, bounded by ctx.
func (s *Supervisor) Unsubscribe(ctx context.Context, ch models.Channel) error {
	r, err := s.call(ctx, request{op: opUnsubscribe, ch: ch})
	if err != nil {
		return err
	}
	select {
	case <-r.conn.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Lookup returns the live connection for ch.
func (s *Supervisor) Lookup(ctx context.Context, ch models.Channel) (*channel.Connection, error) {
	r, err := s.call(ctx, request{op: opLookup, ch: ch})
	return r.conn, err
}

// Query routes q to the connection owning ch.
func (s *Supervisor) Query(ctx context.Context, ch models.Channel, q channel.Query) (channel.Result, error) {
	conn, err := s.Lookup(ctx, ch)
	if err != nil {
		return channel.Result{}, err
	}
	return conn.Query(ctx, q)
}

// Channels lists subscribed channels in a stable order.
func (s *Supervisor) Channels(ctx context.Context) ([]models.Channel, error) {
	r, err := s.call(ctx, request{op: opChannels})
	return r.channels, err
}

// Shutdown stops every connection concurrently and waits for them within
// ctx. Later requests fail with models.ErrClientClosed.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	r, err := s.call(ctx, request{op: opShutdown})
	if errors.Is(err, models.ErrClientClosed) {
		return nil
	}
	if err != nil {
		return err
	}
	defer s.cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, conn := range r.conns {
		conn := conn
		g.Go(func() error {
			conn.Stop()
			select {
			case <-conn.Done():
				return nil
			case <-gctx.Done():
				return fmt.Errorf("stop %s: %w", conn.Channel(), gctx.Err())
			}
		})
	}
	return g.Wait()
}

// Done is closed once Shutdown has been accepted.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// ConnectionStats feeds metrics.StartConnectionMetrics. It is safe to call
// from any goroutine.
func (s *Supervisor) ConnectionStats() []metrics.ConnectionStats {
	s.registryMutex.RLock()
	defer s.registryMutex.RUnlock()

	out := make([]metrics.ConnectionStats, 0, len(s.registry))
	for _, conn := range s.registry {
		out = append(out, conn.MetricStats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}
