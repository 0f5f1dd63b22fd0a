package okx

import (
	"hash/crc32"
	"strings"

	"cryptoagg/models"

	"github.com/shopspring/decimal"
)

const checksumDepth = 25

// Checksum is the CRC32 of the top 25 levels interleaved as
// bidPx:bidSz:askPx:askSz, using the prices and sizes as published.
func (a *Adapter) Checksum(bids, asks []models.BookLevel) uint32 {
	parts := make([]string, 0, checksumDepth*4)
	for i := 0; i < checksumDepth; i++ {
		if i < len(bids) {
			parts = append(parts, wire(bids[i].Price), wire(bids[i].Size))
		}
		if i < len(asks) {
			parts = append(parts, wire(asks[i].Price), wire(asks[i].Size))
		}
		if i >= len(bids) && i >= len(asks) {
			break
		}
	}
	return crc32.ChecksumIEEE([]byte(strings.Join(parts, ":")))
}

// wire renders d with the precision it was parsed with, so "0.10" stays
// "0.10" rather than "0.1".
func wire(d decimal.Decimal) string {
	if exp := d.Exponent(); exp < 0 {
		return d.StringFixed(-exp)
	}
	return d.String()
}
