package processor

import (
	"errors"
	"hash/crc32"
	"math/rand"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"cryptoagg/models"
)

func lvl(price, size string) models.BookLevel {
	return models.BookLevel{Price: decimal.RequireFromString(price), Size: decimal.RequireFromString(size)}
}

func seededBook(t *testing.T, seq int64) *Book {
	t.Helper()
	b := NewBook(0, nil)
	err := b.ApplySnapshot(models.OrderBookSnapshot{
		Bids:     []models.BookLevel{lvl("99.5", "2"), lvl("100.0", "5")},
		Asks:     []models.BookLevel{lvl("101", "1"), lvl("100.5", "3")},
		Sequence: seq,
	}, false)
	if err != nil {
		t.Fatalf("unexpected snapshot error: %v", err)
	}
	return b
}

func TestApplySnapshotSortsLevels(t *testing.T) {
	b := seededBook(t, 10)
	cur := b.Current()

	if !cur.Bids[0].Price.Equal(decimal.RequireFromString("100")) || !cur.Bids[1].Price.Equal(decimal.RequireFromString("99.5")) {
		t.Fatalf("bids not descending: %+v", cur.Bids)
	}
	if !cur.Asks[0].Price.Equal(decimal.RequireFromString("100.5")) || !cur.Asks[1].Price.Equal(decimal.RequireFromString("101")) {
		t.Fatalf("asks not ascending: %+v", cur.Asks)
	}
	if cur.Sequence != 10 || cur.Version != 1 || cur.Stale {
		t.Fatalf("unexpected snapshot metadata: %+v", cur)
	}
}

func TestApplyDiffRemovesZeroSizeLevel(t *testing.T) {
	b := seededBook(t, 7)

	err := b.ApplyDiff(models.BookDiff{FirstSeq: 8, LastSeq: 8, Bids: []models.BookLevel{lvl("100.0", "0")}})
	if err != nil {
		t.Fatalf("unexpected diff error: %v", err)
	}

	cur := b.Current()
	for _, l := range cur.Bids {
		if l.Price.Equal(decimal.RequireFromString("100")) {
			t.Fatalf("100.0 bid should have been removed: %+v", cur.Bids)
		}
	}
	if len(cur.Asks) != 2 || !cur.Asks[0].Size.Equal(decimal.RequireFromString("3")) {
		t.Fatalf("asks should be unchanged: %+v", cur.Asks)
	}
	if cur.Sequence != 8 {
		t.Fatalf("unexpected sequence: %d", cur.Sequence)
	}
}

func TestApplyDiffReplacesAndInserts(t *testing.T) {
	b := seededBook(t, 1)

	err := b.ApplyDiff(models.BookDiff{
		FirstSeq: 2, LastSeq: 2,
		Bids: []models.BookLevel{lvl("100.0", "7"), lvl("99.75", "1")},
		Asks: []models.BookLevel{lvl("100.75", "4")},
	})
	if err != nil {
		t.Fatalf("unexpected diff error: %v", err)
	}

	cur := b.Current()
	if len(cur.Bids) != 3 || !cur.Bids[0].Size.Equal(decimal.NewFromInt(7)) || !cur.Bids[1].Price.Equal(decimal.RequireFromString("99.75")) {
		t.Fatalf("unexpected bids: %+v", cur.Bids)
	}
	if len(cur.Asks) != 3 || !cur.Asks[1].Price.Equal(decimal.RequireFromString("100.75")) {
		t.Fatalf("unexpected asks: %+v", cur.Asks)
	}
}

func TestApplyDiffSequenceGap(t *testing.T) {
	b := seededBook(t, 103)

	err := b.ApplyDiff(models.BookDiff{FirstSeq: 105, LastSeq: 105, Bids: []models.BookLevel{lvl("100.0", "1")}})
	var desync *models.DesyncError
	if !errors.As(err, &desync) {
		t.Fatalf("expected desync error, got %v", err)
	}
	if desync.Expected != 104 || desync.Got != 105 {
		t.Fatalf("unexpected desync detail: %+v", desync)
	}
	if !b.Current().Bids[0].Size.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("book must be unchanged after a gap")
	}
}

func TestApplyDiffBackwardsSequence(t *testing.T) {
	b := seededBook(t, 50)
	if err := b.ApplyDiff(models.BookDiff{FirstSeq: 49, LastSeq: 49}); !models.IsDesync(err) {
		t.Fatalf("expected desync for stale diff, got %v", err)
	}
}

func TestApplyDiffRejectsCrossing(t *testing.T) {
	b := seededBook(t, 1)
	before := b.Current()

	err := b.ApplyDiff(models.BookDiff{
		FirstSeq: 2, LastSeq: 2,
		Bids: []models.BookLevel{lvl("99.5", "0"), lvl("100.6", "1")},
	})
	if !models.IsDesync(err) {
		t.Fatalf("expected desync for crossing diff, got %v", err)
	}

	after := b.Current()
	if len(after.Bids) != len(before.Bids) || after.Version != before.Version || after.Sequence != before.Sequence {
		t.Fatalf("crossing diff was not rolled back: before %+v after %+v", before, after)
	}
	for i := range before.Bids {
		if !before.Bids[i].Price.Equal(after.Bids[i].Price) || !before.Bids[i].Size.Equal(after.Bids[i].Size) {
			t.Fatalf("bid %d changed after rollback", i)
		}
	}
}

func TestApplyDiffBeforeSnapshot(t *testing.T) {
	b := NewBook(0, nil)
	if err := b.ApplyDiff(models.BookDiff{}); !models.IsDesync(err) {
		t.Fatalf("expected desync before snapshot, got %v", err)
	}
	if b.HasData() {
		t.Fatalf("empty book should report no data")
	}
}

func TestCrossedSnapshotIsNotExposed(t *testing.T) {
	b := seededBook(t, 1)
	err := b.ApplySnapshot(models.OrderBookSnapshot{
		Bids: []models.BookLevel{lvl("101", "1")},
		Asks: []models.BookLevel{lvl("100", "1")},
	}, false)
	if !models.IsDesync(err) {
		t.Fatalf("expected desync for crossed snapshot, got %v", err)
	}
	cur := b.Current()
	if cur.Crossed() || !cur.Stale {
		t.Fatalf("expected previous uncrossed book marked stale: %+v", cur)
	}
}

func TestBridgingSnapshot(t *testing.T) {
	b := NewBook(0, nil)
	if err := b.ApplySnapshot(models.OrderBookSnapshot{
		Bids: []models.BookLevel{lvl("10", "1")}, Asks: []models.BookLevel{lvl("11", "1")}, Sequence: 100,
	}, true); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	// older than the snapshot: skipped silently
	if err := b.ApplyDiff(models.BookDiff{FirstSeq: 90, LastSeq: 95, Bids: []models.BookLevel{lvl("10", "9")}}); err != nil {
		t.Fatalf("stale bridging diff should be skipped, got %v", err)
	}
	if b.Current().Version != 1 {
		t.Fatalf("skipped diff must not bump version")
	}

	// straddles the snapshot
	if err := b.ApplyDiff(models.BookDiff{FirstSeq: 98, LastSeq: 104, Bids: []models.BookLevel{lvl("10", "2")}}); err != nil {
		t.Fatalf("bridging diff: %v", err)
	}
	if err := b.ApplyDiff(models.BookDiff{FirstSeq: 105, LastSeq: 106}); err != nil {
		t.Fatalf("follow-up diff: %v", err)
	}
	// bridging ends after the first applied diff
	if err := b.ApplyDiff(models.BookDiff{FirstSeq: 100, LastSeq: 101}); !models.IsDesync(err) {
		t.Fatalf("expected desync once bridged, got %v", err)
	}
}

func TestChainedSequence(t *testing.T) {
	b := seededBook(t, 500)
	if err := b.ApplyDiff(models.BookDiff{PrevSeq: 500, LastSeq: 510}); err != nil {
		t.Fatalf("chained diff: %v", err)
	}
	if err := b.ApplyDiff(models.BookDiff{PrevSeq: 510, LastSeq: 510}); err != nil {
		t.Fatalf("keepalive diff with unchanged sequence: %v", err)
	}
	if err := b.ApplyDiff(models.BookDiff{PrevSeq: 505, LastSeq: 520}); !models.IsDesync(err) {
		t.Fatalf("expected desync for broken chain, got %v", err)
	}
}

func TestChecksumMismatchRollsBack(t *testing.T) {
	sum := func(bids, asks []models.BookLevel) uint32 {
		var sb strings.Builder
		for _, l := range bids {
			sb.WriteString(l.Price.String())
		}
		for _, l := range asks {
			sb.WriteString(l.Price.String())
		}
		return crc32.ChecksumIEEE([]byte(sb.String()))
	}
	b := NewBook(0, sum)
	if err := b.ApplySnapshot(models.OrderBookSnapshot{
		Bids: []models.BookLevel{lvl("10", "1")}, Asks: []models.BookLevel{lvl("11", "1")},
	}, false); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	good := crc32.ChecksumIEEE([]byte("10" + "9.5" + "11"))
	if err := b.ApplyDiff(models.BookDiff{Bids: []models.BookLevel{lvl("9.5", "1")}, Checksum: good, HasChecksum: true}); err != nil {
		t.Fatalf("diff with valid checksum: %v", err)
	}
	if err := b.ApplyDiff(models.BookDiff{Asks: []models.BookLevel{lvl("12", "1")}, Checksum: 1, HasChecksum: true}); !models.IsDesync(err) {
		t.Fatalf("expected checksum desync, got %v", err)
	}
	if len(b.Current().Asks) != 1 {
		t.Fatalf("ask from rejected diff leaked into the book")
	}
}

func TestMaxDepthTruncates(t *testing.T) {
	b := NewBook(2, nil)
	_ = b.ApplySnapshot(models.OrderBookSnapshot{
		Bids: []models.BookLevel{lvl("10", "1"), lvl("9", "1"), lvl("8", "1")},
		Asks: []models.BookLevel{lvl("11", "1")},
	}, false)
	if got := len(b.Current().Bids); got != 2 {
		t.Fatalf("expected 2 bids after truncation, got %d", got)
	}
	_ = b.ApplyDiff(models.BookDiff{Bids: []models.BookLevel{lvl("10.5", "1")}})
	cur := b.Current()
	if len(cur.Bids) != 2 || !cur.Bids[1].Price.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("unexpected bids after truncation: %+v", cur.Bids)
	}
}

// Randomised check that no sequence of accepted diffs ever leaves the book
// crossed or out of order.
func TestBookNeverCrossed(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	b := NewBook(0, nil)
	_ = b.ApplySnapshot(models.OrderBookSnapshot{
		Bids: []models.BookLevel{lvl("100", "1")}, Asks: []models.BookLevel{lvl("101", "1")}, Sequence: 1,
	}, false)

	seq := int64(1)
	for i := 0; i < 5000; i++ {
		price := decimal.New(int64(9500+rng.Intn(1000)), -2)
		size := decimal.NewFromInt(int64(rng.Intn(3)))
		d := models.BookDiff{FirstSeq: seq + 1, LastSeq: seq + 1}
		if rng.Intn(2) == 0 {
			d.Bids = []models.BookLevel{{Price: price, Size: size}}
		} else {
			d.Asks = []models.BookLevel{{Price: price, Size: size}}
		}
		if err := b.ApplyDiff(d); err == nil {
			seq++
		} else if !models.IsDesync(err) {
			t.Fatalf("unexpected error type: %v", err)
		}

		cur := b.Current()
		if cur.Crossed() {
			t.Fatalf("book crossed after step %d: bid %s ask %s", i, cur.Bids[0].Price, cur.Asks[0].Price)
		}
		for j := 1; j < len(cur.Bids); j++ {
			if !cur.Bids[j-1].Price.GreaterThan(cur.Bids[j].Price) {
				t.Fatalf("bids not strictly descending at step %d", i)
			}
		}
		for j := 1; j < len(cur.Asks); j++ {
			if !cur.Asks[j-1].Price.LessThan(cur.Asks[j].Price) {
				t.Fatalf("asks not strictly ascending at step %d", i)
			}
		}
	}
}
