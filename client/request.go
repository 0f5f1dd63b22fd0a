package client

import (
	"time"

	"cryptoagg/models"
	"cryptoagg/processor"
)

// RequestKind names an operation both facades support.
type RequestKind uint8

const (
	RequestSubscribe RequestKind = iota
	RequestUnsubscribe
	RequestTape
	RequestBook
	RequestLast
	RequestState
	RequestChannels
)

func (k RequestKind) String() string {
	switch k {
	case RequestSubscribe:
		return "subscribe"
	case RequestUnsubscribe:
		return "unsubscribe"
	case RequestTape:
		return "tape"
	case RequestBook:
		return "book"
	case RequestLast:
		return "last"
	case RequestState:
		return "state"
	case RequestChannels:
		return "channels"
	default:
		return "unknown"
	}
}

// Request is one client operation. CorrelationID is only used by the async
// facade; an empty id is replaced by a generated one.
type Request struct {
	Kind          RequestKind
	Channel       models.Channel
	Order         processor.Order
	CorrelationID string
}

// Handle identifies a subscribed channel.
type Handle struct {
	Channel      models.Channel
	ConnectionID string
}

// Response carries the result of a Request. Only the field matching Kind is
// set, and none of them when Err is non-nil.
type Response struct {
	Channel       models.Channel
	CorrelationID string
	Kind          RequestKind
	Handle        *Handle
	Tape          *models.TapeSnapshot
	Book          *models.OrderBookSnapshot
	Last          time.Time
	State         models.ConnectionState
	Channels      []models.Channel
	Err           error
}

// Pending is returned by the async facade when a request was queued.
type Pending struct {
	CorrelationID string
	Channel       models.Channel
	Kind          RequestKind
}
