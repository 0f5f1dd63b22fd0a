package processor

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"cryptoagg/models"
)

// ChecksumFunc computes a venue checksum over the current bid and ask
// ladders. Bids are descending, asks ascending.
type ChecksumFunc func(bids, asks []models.BookLevel) uint32

// Book is the order book state of one channel. It is owned by a single
// connection goroutine and is not safe for concurrent use.
type Book struct {
	bids []models.BookLevel
	asks []models.BookLevel

	sequence  int64
	version   uint64
	updatedAt time.Time

	synced   bool
	bridging bool

	maxDepth int
	checksum ChecksumFunc

	undo []undoEntry
}

type undoEntry struct {
	bid     bool
	price   decimal.Decimal
	size    decimal.Decimal
	existed bool
}

// NewBook creates an empty book. maxDepth <= 0 keeps every level; checksum
// may be nil when the venue does not publish one.
func NewBook(maxDepth int, checksum ChecksumFunc) *Book {
	return &Book{maxDepth: maxDepth, checksum: checksum}
}

// ApplySnapshot replaces the book. Bridging marks a snapshot fetched out of
// band (REST) so that the first diffs may overlap it.
func (b *Book) ApplySnapshot(s models.OrderBookSnapshot, bridging bool) error {
	bids := normalizeSide(s.Bids, true)
	asks := normalizeSide(s.Asks, false)
	if len(bids) > 0 && len(asks) > 0 && bids[0].Price.GreaterThanOrEqual(asks[0].Price) {
		b.synced = false
		return &models.DesyncError{Reason: "snapshot is crossed"}
	}

	b.bids, b.asks = bids, asks
	b.sequence = s.Sequence
	b.updatedAt = s.UpdatedAt
	if b.updatedAt.IsZero() {
		b.updatedAt = time.Now()
	}
	b.version++
	b.truncate()
	b.synced = true
	b.bridging = bridging
	return nil
}

// ApplyDiff applies an incremental update atomically. Any returned error is a
// *models.DesyncError and leaves the book exactly as it was.
func (b *Book) ApplyDiff(d models.BookDiff) error {
	if !b.synced {
		return &models.DesyncError{Reason: "diff before snapshot"}
	}

	apply, err := b.checkSequence(d)
	if err != nil || !apply {
		return err
	}

	b.undo = b.undo[:0]
	for _, lvl := range d.Bids {
		b.set(true, lvl)
	}
	for _, lvl := range d.Asks {
		b.set(false, lvl)
	}

	if b.crossed() {
		b.rollback()
		return &models.DesyncError{Reason: "diff crosses the book"}
	}
	if d.HasChecksum && b.checksum != nil {
		if got := b.checksum(b.bids, b.asks); got != d.Checksum {
			b.rollback()
			return &models.DesyncError{Reason: "checksum mismatch", Expected: int64(d.Checksum), Got: int64(got)}
		}
	}

	b.truncate()
	if !d.Unsequenced() {
		b.sequence = d.LastSeq
	}
	b.bridging = false
	b.version++
	if d.Time.IsZero() {
		b.updatedAt = time.Now()
	} else {
		b.updatedAt = d.Time
	}
	return nil
}

// checkSequence decides whether d follows the current sequence. A false
// result with a nil error means the diff is older than a bridging snapshot
// and is skipped.
func (b *Book) checkSequence(d models.BookDiff) (bool, error) {
	switch {
	case d.Unsequenced():
		return true, nil

	case d.PrevSeq != 0:
		if d.PrevSeq != b.sequence {
			return false, &models.DesyncError{Reason: "previous sequence mismatch", Expected: b.sequence, Got: d.PrevSeq}
		}
		return true, nil
	}

	first := d.FirstSeq
	if first == 0 {
		first = d.LastSeq
	}
	last := d.LastSeq
	if last < first {
		last = first
	}
	expected := b.sequence + 1

	if b.bridging {
		if last < expected {
			return false, nil
		}
		if first <= expected {
			return true, nil
		}
		return false, &models.DesyncError{Reason: "gap after snapshot", Expected: expected, Got: first}
	}

	switch {
	case first == expected:
		return true, nil
	case first > expected:
		return false, &models.DesyncError{Reason: "sequence gap", Expected: expected, Got: first}
	default:
		return false, &models.DesyncError{Reason: "sequence went backwards", Expected: expected, Got: first}
	}
}

func (b *Book) set(bid bool, lvl models.BookLevel) {
	side := b.side(bid)
	i, found := search(*side, lvl.Price, bid)

	entry := undoEntry{bid: bid, price: lvl.Price, existed: found}
	if found {
		entry.size = (*side)[i].Size
	}
	b.undo = append(b.undo, entry)

	switch {
	case lvl.Size.Sign() <= 0:
		if found {
			*side = append((*side)[:i], (*side)[i+1:]...)
		}
	case found:
		(*side)[i] = lvl
	default:
		*side = append(*side, models.BookLevel{})
		copy((*side)[i+1:], (*side)[i:])
		(*side)[i] = lvl
	}
}

func (b *Book) rollback() {
	for i := len(b.undo) - 1; i >= 0; i-- {
		u := b.undo[i]
		side := b.side(u.bid)
		idx, found := search(*side, u.price, u.bid)
		switch {
		case u.existed && found:
			(*side)[idx].Size = u.size
		case u.existed:
			*side = append(*side, models.BookLevel{})
			copy((*side)[idx+1:], (*side)[idx:])
			(*side)[idx] = models.BookLevel{Price: u.price, Size: u.size}
		case found:
			*side = append((*side)[:idx], (*side)[idx+1:]...)
		}
	}
	b.undo = b.undo[:0]
}

func (b *Book) side(bid bool) *[]models.BookLevel {
	if bid {
		return &b.bids
	}
	return &b.asks
}

func (b *Book) crossed() bool {
	return len(b.bids) > 0 && len(b.asks) > 0 && b.bids[0].Price.GreaterThanOrEqual(b.asks[0].Price)
}

func (b *Book) truncate() {
	if b.maxDepth <= 0 {
		return
	}
	if len(b.bids) > b.maxDepth {
		b.bids = b.bids[:b.maxDepth]
	}
	if len(b.asks) > b.maxDepth {
		b.asks = b.asks[:b.maxDepth]
	}
}

// Current returns a deep copy safe to hand to other goroutines.
func (b *Book) Current() models.OrderBookSnapshot {
	return models.OrderBookSnapshot{
		Bids:      append([]models.BookLevel(nil), b.bids...),
		Asks:      append([]models.BookLevel(nil), b.asks...),
		Sequence:  b.sequence,
		Version:   b.version,
		UpdatedAt: b.updatedAt,
		Stale:     !b.synced,
	}
}

// Synced reports whether the book reflects an unbroken event stream since
// its last snapshot.
func (b *Book) Synced() bool { return b.synced }

// HasData reports whether a snapshot was ever applied.
func (b *Book) HasData() bool { return b.version > 0 }

// Invalidate keeps the levels for stale reads but requires a new snapshot
// before further diffs are accepted.
func (b *Book) Invalidate() {
	b.synced = false
	b.bridging = false
}

// search finds price in a side ordered descending for bids and ascending
// for asks, returning the insertion index when absent.
func search(levels []models.BookLevel, price decimal.Decimal, bid bool) (int, bool) {
	i := sort.Search(len(levels), func(i int) bool {
		c := levels[i].Price.Cmp(price)
		if bid {
			return c <= 0
		}
		return c >= 0
	})
	return i, i < len(levels) && levels[i].Price.Equal(price)
}

func normalizeSide(levels []models.BookLevel, bid bool) []models.BookLevel {
	out := make([]models.BookLevel, 0, len(levels))
	for _, lvl := range levels {
		i, found := search(out, lvl.Price, bid)
		switch {
		case lvl.Size.Sign() <= 0:
			if found {
				out = append(out[:i], out[i+1:]...)
			}
		case found:
			out[i] = lvl
		default:
			out = append(out, models.BookLevel{})
			copy(out[i+1:], out[i:])
			out[i] = lvl
		}
	}
	return out
}
