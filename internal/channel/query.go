package channel

import (
	"context"
	"time"

	"cryptoagg/models"
	"cryptoagg/processor"
)

// QueryKind selects what a query reads from a connection.
type QueryKind uint8

const (
	QueryTape QueryKind = iota
	QueryBook
	QueryLast
	QueryState
)

func (k QueryKind) String() string {
	switch k {
	case QueryTape:
		return "tape"
	case QueryBook:
		return "book"
	case QueryLast:
		return "last"
	case QueryState:
		return "state"
	default:
		return "unknown"
	}
}

type Query struct {
	Kind  QueryKind
	Order processor.Order
}

// Result is the answer to one query. Only the field matching the query kind
// is set.
type Result struct {
	Tape  *models.TapeSnapshot
	Book  *models.OrderBookSnapshot
	Last  time.Time
	State models.ConnectionState
	Stale bool
}

type queryMsg struct {
	query Query
	reply chan queryReply
}

type queryReply struct {
	result Result
	err    error
}

// Query asks the connection loop for a copy of its state. It fails with
// models.ErrChannelClosed once the loop has exited and never outlives ctx.
func (c *Connection) Query(ctx context.Context, q Query) (Result, error) {
	msg := queryMsg{query: q, reply: make(chan queryReply, 1)}
	select {
	case c.queries <- msg:
	case <-c.done:
		return Result{}, models.ErrChannelClosed
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	select {
	case r := <-msg.reply:
		return r.result, r.err
	case <-c.done:
		// The loop may have answered just before exiting.
		select {
		case r := <-msg.reply:
			return r.result, r.err
		default:
		}
		return Result{}, models.ErrChannelClosed
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// answer runs on the connection loop.
func (c *Connection) answer(q Query) (Result, error) {
	stale := c.state != models.StateSubscribed
	if q.Kind == QueryState {
		return Result{State: c.state, Stale: stale}, nil
	}
	if c.state == models.StateFailed && c.failErr != nil {
		return Result{State: c.state}, c.failErr
	}

	switch q.Kind {
	case QueryTape:
		if c.tape == nil {
			return Result{}, models.ErrKindMismatch
		}
		if c.tape.UpdatedAt().IsZero() {
			return Result{State: c.state}, models.ErrNotReady
		}
		return Result{
			Tape: &models.TapeSnapshot{
				Trades:    c.tape.Snapshot(q.Order),
				Stale:     stale,
				UpdatedAt: c.tape.UpdatedAt(),
			},
			State: c.state,
			Stale: stale,
		}, nil
	case QueryBook:
		if c.book == nil {
			return Result{}, models.ErrKindMismatch
		}
		if !c.book.HasData() {
			return Result{State: c.state}, models.ErrNotReady
		}
		snap := c.book.Current()
		if n := c.viewDepth; n > 0 {
			if len(snap.Bids) > n {
				snap.Bids = snap.Bids[:n]
			}
			if len(snap.Asks) > n {
				snap.Asks = snap.Asks[:n]
			}
		}
		snap.Stale = snap.Stale || stale
		return Result{Book: &snap, State: c.state, Stale: snap.Stale}, nil
	case QueryLast:
		if c.lastFrame.IsZero() {
			return Result{State: c.state}, models.ErrNotReady
		}
		return Result{Last: c.lastFrame, State: c.state, Stale: stale}, nil
	default:
		return Result{}, models.ErrKindMismatch
	}
}
