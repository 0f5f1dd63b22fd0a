package client

import (
	"context"
	"sync"

	"cryptoagg/internal/metrics"
	"cryptoagg/logger"
	"cryptoagg/models"
	"cryptoagg/processor"

	"github.com/google/uuid"
)

// Async never blocks the caller: every operation is queued and its result
// is delivered on Responses, tagged with the request's correlation id. Both
// the request queue and the response stream are bounded. A fixed pool of
// workers serves the queue, and a worker holding a result waits for the
// consumer when the stream is full.
type Async struct {
	core      *core
	requests  chan Request
	responses chan Response

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

const defaultWorkers = 4

func NewAsync(opts Options) (*Async, error) {
	c, err := newCore(opts)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &Async{
		core:      c,
		requests:  make(chan Request, c.cfg.Client.RequestBuffer),
		responses: make(chan Response, c.cfg.Client.ResponseBuffer),
		ctx:       ctx,
		cancel:    cancel,
	}
	workers := c.cfg.Client.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	a.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go a.worker()
	}
	return a, nil
}

// Responses is closed by Close once every worker has finished.
func (a *Async) Responses() <-chan Response { return a.responses }

// Submit queues req. It fails with models.ErrQueueFull when the request
// queue is at capacity and with models.ErrClientClosed after Close.
func (a *Async) Submit(req Request) (Pending, error) {
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}
	pending := Pending{CorrelationID: req.CorrelationID, Channel: req.Channel, Kind: req.Kind}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return pending, models.ErrClientClosed
	}
	select {
	case a.requests <- req:
		return pending, nil
	default:
		metrics.EmitDropMetric(a.core.log, metrics.DropMetricRequest, req.Channel.Exchange.String(), req.Channel.Kind.String(), req.Channel.Market, "client")
		return pending, models.ErrQueueFull
	}
}

func (a *Async) worker() {
	defer a.wg.Done()
	for {
		select {
		case <-a.ctx.Done():
			return
		case req := <-a.requests:
			a.deliver(a.core.do(a.ctx, req))
		}
	}
}

func (a *Async) deliver(resp Response) {
	select {
	case a.responses <- resp:
	case <-a.ctx.Done():
		a.drop(resp.Kind, resp.Channel, resp.CorrelationID)
	}
}

func (a *Async) drop(kind RequestKind, ch models.Channel, correlationID string) {
	a.core.log.WithComponent("client").WithFields(logger.Fields{
		"request":        kind.String(),
		"channel":        ch.String(),
		"correlation_id": correlationID,
	}).Warn("dropping undeliverable response")
	metrics.EmitDropMetric(a.core.log, metrics.DropMetricResponse, ch.Exchange.String(), ch.Kind.String(), ch.Market, "client")
}

func (a *Async) Subscribe(ch models.Channel) (Pending, error) {
	return a.Submit(Request{Kind: RequestSubscribe, Channel: ch})
}

func (a *Async) Unsubscribe(ch models.Channel) (Pending, error) {
	return a.Submit(Request{Kind: RequestUnsubscribe, Channel: ch})
}

func (a *Async) GetTape(ch models.Channel) (Pending, error) {
	return a.Submit(Request{Kind: RequestTape, Channel: ch})
}

func (a *Async) GetTapeOrdered(ch models.Channel, order processor.Order) (Pending, error) {
	return a.Submit(Request{Kind: RequestTape, Channel: ch, Order: order})
}

func (a *Async) GetBook(ch models.Channel) (Pending, error) {
	return a.Submit(Request{Kind: RequestBook, Channel: ch})
}

func (a *Async) GetLast(ch models.Channel) (Pending, error) {
	return a.Submit(Request{Kind: RequestLast, Channel: ch})
}

func (a *Async) State(ch models.Channel) (Pending, error) {
	return a.Submit(Request{Kind: RequestState, Channel: ch})
}

func (a *Async) Channels() (Pending, error) {
	return a.Submit(Request{Kind: RequestChannels})
}

// ConnectionStats feeds metrics.StartConnectionMetrics.
func (a *Async) ConnectionStats() []metrics.ConnectionStats {
	return a.core.connectionStats()
}

// Close cancels outstanding requests, shuts the supervisor down and closes
// the response stream. Queued requests and results nobody consumed are
// dropped with a log record.
func (a *Async) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	a.cancel()
	a.wg.Wait()
	for len(a.requests) > 0 {
		req := <-a.requests
		a.drop(req.Kind, req.Channel, req.CorrelationID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.core.cfg.Client.RequestTimeout)
	defer cancel()
	err := a.core.shutdown(ctx)
	close(a.responses)
	return err
}
