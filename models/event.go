package models

import "time"

// ConnectionState is the lifecycle state of one channel connection.
type ConnectionState uint8

const (
	StateConnecting ConnectionState = iota
	StateSubscribed
	StateResyncing
	StateDisconnected
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateResyncing:
		return "resyncing"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event is a canonical event produced by a protocol adapter. The set of
// implementations is closed.
type Event interface {
	isEvent()
}

// TradeEvent carries one trade.
type TradeEvent struct {
	Trade Trade
}

// BookSnapshotEvent replaces the whole book.
type BookSnapshotEvent struct {
	Snapshot OrderBookSnapshot
}

// BookDiffEvent is an incremental book update.
type BookDiffEvent struct {
	Diff BookDiff
}

// HeartbeatEvent marks liveness only.
type HeartbeatEvent struct {
	Time time.Time
}

// SubscribedEvent is the venue's acknowledgement of the subscription.
type SubscribedEvent struct {
	Market string
}

// ErrorEvent carries a *DecodeError or *SubscriptionRejectedError.
type ErrorEvent struct {
	Err error
}

func (TradeEvent) isEvent()        {}
func (BookSnapshotEvent) isEvent() {}
func (BookDiffEvent) isEvent()     {}
func (HeartbeatEvent) isEvent()    {}
func (SubscribedEvent) isEvent()   {}
func (ErrorEvent) isEvent()        {}
