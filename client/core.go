// Package client is the public entry point. Blocking and Async share one
// core that routes every request through the supervisor; they differ only in
// how a caller waits for the result.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cryptoagg/config"
	"cryptoagg/internal/channel"
	"cryptoagg/internal/metrics"
	"cryptoagg/internal/supervisor"
	"cryptoagg/logger"
	"cryptoagg/models"
	"cryptoagg/transport"
)

// Options configures either facade.
type Options struct {
	Config *config.Config
	Log    *logger.Log
	// Dialer replaces the websocket dialers; tests pass a transport.Pipe.
	Dialer transport.Dialer
}

type core struct {
	cfg *config.Config
	log *logger.Log
	sup *supervisor.Supervisor
}

func newCore(opts Options) (*core, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	log := opts.Log
	if log == nil {
		log = logger.GetLogger()
	}
	sup, err := supervisor.New(supervisor.Options{Config: cfg, Log: log, Dialer: opts.Dialer})
	if err != nil {
		return nil, err
	}
	return &core{cfg: cfg, log: log, sup: sup}, nil
}

// timeoutFor bounds one request; subscribing waits for the venue ack and
// gets the longer budget.
func (c *core) timeoutFor(kind RequestKind) time.Duration {
	if kind == RequestSubscribe {
		return c.cfg.Client.SubscribeTimeout
	}
	return c.cfg.Client.RequestTimeout
}

// do runs req to completion within ctx and the configured timeout.
func (c *core) do(ctx context.Context, req Request) Response {
	ctx, cancel := context.WithTimeout(ctx, c.timeoutFor(req.Kind))
	defer cancel()

	start := time.Now()
	resp := Response{Channel: req.Channel, CorrelationID: req.CorrelationID, Kind: req.Kind}
	if err := c.dispatch(ctx, req, &resp); err != nil {
		resp.Err = c.mapError(req, err)
	}

	entry := c.log.WithComponent("client").WithFields(logger.Fields{
		"request":        req.Kind.String(),
		"channel":        req.Channel.String(),
		"correlation_id": req.CorrelationID,
	})
	if resp.Err != nil {
		entry.WithError(resp.Err).Debug("request failed")
	}
	logger.LogPerformanceEntry(entry, "client", req.Kind.String(), time.Since(start), nil)
	return resp
}

func (c *core) dispatch(ctx context.Context, req Request, resp *Response) error {
	switch req.Kind {
	case RequestSubscribe:
		conn, err := c.sup.Subscribe(ctx, req.Channel)
		if err != nil {
			return err
		}
		select {
		case <-conn.Ready():
		case <-conn.Failed():
			return conn.Err()
		case <-ctx.Done():
			return ctx.Err()
		}
		resp.Handle = &Handle{Channel: req.Channel, ConnectionID: conn.ID()}
		return nil

	case RequestUnsubscribe:
		return c.sup.Unsubscribe(ctx, req.Channel)

	case RequestChannels:
		channels, err := c.sup.Channels(ctx)
		resp.Channels = channels
		return err
	}

	q := channel.Query{Order: req.Order}
	switch req.Kind {
	case RequestTape:
		q.Kind = channel.QueryTape
	case RequestBook:
		q.Kind = channel.QueryBook
	case RequestLast:
		q.Kind = channel.QueryLast
	case RequestState:
		q.Kind = channel.QueryState
	default:
		return fmt.Errorf("unknown request kind %d", req.Kind)
	}
	res, err := c.sup.Query(ctx, req.Channel, q)
	if err != nil {
		return err
	}
	resp.Tape = res.Tape
	resp.Book = res.Book
	resp.Last = res.Last
	resp.State = res.State
	return nil
}

func (c *core) mapError(req Request, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s %s", models.ErrTimeout, req.Kind, req.Channel)
	}
	return err
}

func (c *core) shutdown(ctx context.Context) error {
	return c.sup.Shutdown(ctx)
}

func (c *core) connectionStats() []metrics.ConnectionStats {
	return c.sup.ConnectionStats()
}
