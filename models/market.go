package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

/////////////////////////////////////////////////////////////////////////////
////////////////////////////////// TRADES ///////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// Side is the taker side of a trade.
type Side uint8

const (
	SideUnknown Side = iota
	SideBuy
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	default:
		return "unknown"
	}
}

// Trade is one print on the tape.
type Trade struct {
	Timestamp time.Time       `json:"timestamp"`
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
	Side      Side            `json:"side"`
	// Sequence is the venue trade id when it is numeric and monotonic,
	// otherwise an arrival counter assigned by the connection.
	Sequence uint64 `json:"sequence"`
	ID       string `json:"id,omitempty"`
}

// TapeSnapshot is a copy of a tape buffer returned to callers.
type TapeSnapshot struct {
	Trades    []Trade   `json:"trades"`
	Stale     bool      `json:"stale"`
	UpdatedAt time.Time `json:"updated_at"`
}

/////////////////////////////////////////////////////////////////////////////
/////////////////////////////////// BOOK ////////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// BookLevel is one price level. A zero size in a diff removes the level.
type BookLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// OrderBookSnapshot holds bids in descending and asks in ascending price order.
type OrderBookSnapshot struct {
	Bids []BookLevel `json:"bids"`
	Asks []BookLevel `json:"asks"`
	// Sequence is the venue sequence of the last applied event, zero for
	// venues that do not sequence their book feed.
	Sequence int64 `json:"sequence"`
	// Version increases by one for every applied snapshot or diff.
	Version   uint64    `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
	Stale     bool      `json:"stale"`
}

// BestBid returns the highest bid, if any.
func (s OrderBookSnapshot) BestBid() (BookLevel, bool) {
	if len(s.Bids) == 0 {
		return BookLevel{}, false
	}
	return s.Bids[0], true
}

// BestAsk returns the lowest ask, if any.
func (s OrderBookSnapshot) BestAsk() (BookLevel, bool) {
	if len(s.Asks) == 0 {
		return BookLevel{}, false
	}
	return s.Asks[0], true
}

// Crossed reports whether the best bid is at or above the best ask.
func (s OrderBookSnapshot) Crossed() bool {
	bid, okBid := s.BestBid()
	ask, okAsk := s.BestAsk()
	return okBid && okAsk && bid.Price.GreaterThanOrEqual(ask.Price)
}

// BookDiff is an incremental book update.
//
// Sequencing comes in three flavours: unsequenced (all ids zero), ranged
// (FirstSeq..LastSeq, the next diff must start at LastSeq+1) and chained
// (PrevSeq must equal the sequence of the previous update, LastSeq becomes
// the new sequence).
type BookDiff struct {
	FirstSeq    int64
	LastSeq     int64
	PrevSeq     int64
	Bids        []BookLevel
	Asks        []BookLevel
	Checksum    uint32
	HasChecksum bool
	Time        time.Time
}

// Unsequenced reports whether the diff carries no sequence information.
func (d BookDiff) Unsequenced() bool {
	return d.FirstSeq == 0 && d.LastSeq == 0 && d.PrevSeq == 0
}

// ParseLevel converts a [price, size, ...] string pair.
func ParseLevel(raw []string) (BookLevel, error) {
	if len(raw) < 2 {
		return BookLevel{}, fmt.Errorf("level needs price and size, got %d fields", len(raw))
	}
	price, err := decimal.NewFromString(raw[0])
	if err != nil {
		return BookLevel{}, fmt.Errorf("price %q: %w", raw[0], err)
	}
	size, err := decimal.NewFromString(raw[1])
	if err != nil {
		return BookLevel{}, fmt.Errorf("size %q: %w", raw[1], err)
	}
	return BookLevel{Price: price, Size: size}, nil
}

// ParseLevels converts the common [][]string wire layout.
func ParseLevels(raw [][]string) ([]BookLevel, error) {
	levels := make([]BookLevel, 0, len(raw))
	for _, r := range raw {
		lvl, err := ParseLevel(r)
		if err != nil {
			return nil, err
		}
		levels = append(levels, lvl)
	}
	return levels, nil
}
