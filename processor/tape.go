package processor

import (
	"time"

	"cryptoagg/models"
)

// Order selects how a tape snapshot is arranged.
type Order uint8

const (
	Chronological Order = iota
	MostRecentFirst
)

// DefaultTapeCapacity matches the depth most venues replay on subscribe.
const DefaultTapeCapacity = 100

// Tape is a fixed capacity ring of the most recent trades. Like Book it is
// owned by one goroutine.
type Tape struct {
	buf     []models.Trade
	head    int // index of the oldest trade
	size    int
	lastSeq uint64
	seen    bool
	updated time.Time
}

func NewTape(capacity int) *Tape {
	if capacity <= 0 {
		capacity = DefaultTapeCapacity
	}
	return &Tape{buf: make([]models.Trade, capacity)}
}

// Push appends t, evicting the oldest trade when full. Trades whose sequence
// is not above the newest stored one are dropped and Push returns false.
func (t *Tape) Push(tr models.Trade) bool {
	if t.seen && tr.Sequence <= t.lastSeq {
		return false
	}

	if t.size < len(t.buf) {
		t.buf[(t.head+t.size)%len(t.buf)] = tr
		t.size++
	} else {
		t.buf[t.head] = tr
		t.head = (t.head + 1) % len(t.buf)
	}

	t.lastSeq = tr.Sequence
	t.seen = true
	t.updated = time.Now()
	return true
}

// Snapshot copies the stored trades in the requested order.
func (t *Tape) Snapshot(order Order) []models.Trade {
	out := make([]models.Trade, t.size)
	for i := 0; i < t.size; i++ {
		tr := t.buf[(t.head+i)%len(t.buf)]
		if order == MostRecentFirst {
			out[t.size-1-i] = tr
		} else {
			out[i] = tr
		}
	}
	return out
}

func (t *Tape) Len() int { return t.size }

func (t *Tape) Cap() int { return len(t.buf) }

// LastSequence returns the highest stored sequence and whether any trade
// was ever pushed.
func (t *Tape) LastSequence() (uint64, bool) { return t.lastSeq, t.seen }

// UpdatedAt is the time of the last accepted push.
func (t *Tape) UpdatedAt() time.Time { return t.updated }
