package client

import (
	"context"
	"sync"
	"time"

	"cryptoagg/internal/metrics"
	"cryptoagg/models"
	"cryptoagg/processor"
)

// Blocking suspends the caller until the supervisor answers or the
// configured timeout expires, in which case models.ErrTimeout is returned.
type Blocking struct {
	core      *core
	closeOnce sync.Once
	closeErr  error
}

func NewBlocking(opts Options) (*Blocking, error) {
	c, err := newCore(opts)
	if err != nil {
		return nil, err
	}
	return &Blocking{core: c}, nil
}

func (b *Blocking) do(req Request) Response {
	return b.core.do(context.Background(), req)
}

// StartAndSubscribe subscribes ch and waits for the venue to acknowledge.
// Subscribing an already live channel returns its existing handle.
func (b *Blocking) StartAndSubscribe(ch models.Channel) (Handle, error) {
	resp := b.do(Request{Kind: RequestSubscribe, Channel: ch})
	if resp.Err != nil {
		return Handle{}, resp.Err
	}
	return *resp.Handle, nil
}

func (b *Blocking) StopAndUnsubscribe(ch models.Channel) error {
	return b.do(Request{Kind: RequestUnsubscribe, Channel: ch}).Err
}

// GetTape returns the buffered trades oldest first.
func (b *Blocking) GetTape(ch models.Channel) ([]models.Trade, error) {
	snap, err := b.GetTapeOrdered(ch, processor.Chronological)
	if err != nil {
		return nil, err
	}
	return snap.Trades, nil
}

// GetTapeOrdered returns the whole tape snapshot, including its staleness.
func (b *Blocking) GetTapeOrdered(ch models.Channel, order processor.Order) (models.TapeSnapshot, error) {
	resp := b.do(Request{Kind: RequestTape, Channel: ch, Order: order})
	if resp.Err != nil {
		return models.TapeSnapshot{}, resp.Err
	}
	return *resp.Tape, nil
}

func (b *Blocking) GetBook(ch models.Channel) (models.OrderBookSnapshot, error) {
	resp := b.do(Request{Kind: RequestBook, Channel: ch})
	if resp.Err != nil {
		return models.OrderBookSnapshot{}, resp.Err
	}
	return *resp.Book, nil
}

// GetLast returns when the channel last received a frame.
func (b *Blocking) GetLast(ch models.Channel) (time.Time, error) {
	resp := b.do(Request{Kind: RequestLast, Channel: ch})
	return resp.Last, resp.Err
}

func (b *Blocking) State(ch models.Channel) (models.ConnectionState, error) {
	resp := b.do(Request{Kind: RequestState, Channel: ch})
	return resp.State, resp.Err
}

func (b *Blocking) Channels() ([]models.Channel, error) {
	resp := b.do(Request{Kind: RequestChannels})
	return resp.Channels, resp.Err
}

// ConnectionStats feeds metrics.StartConnectionMetrics.
func (b *Blocking) ConnectionStats() []metrics.ConnectionStats {
	return b.core.connectionStats()
}

// Close stops every connection. Calls after Close fail with
// models.ErrClientClosed.
func (b *Blocking) Close() error {
	b.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), b.core.cfg.Client.RequestTimeout)
		defer cancel()
		b.closeErr = b.core.shutdown(ctx)
	})
	return b.closeErr
}
