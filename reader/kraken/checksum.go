package kraken

import (
	"hash/crc32"
	"strings"

	"cryptoagg/models"
)

const checksumDepth = 10

// Checksum is the CRC32 of the top ten asks followed by the top ten bids,
// each level rendered as price then volume with the decimal point and
// leading zeros removed.
func (a *Adapter) Checksum(bids, asks []models.BookLevel) uint32 {
	var sb strings.Builder
	write := func(levels []models.BookLevel) {
		for i, lvl := range levels {
			if i == checksumDepth {
				break
			}
			sb.WriteString(lvl.Price.Coefficient().String())
			sb.WriteString(lvl.Size.Coefficient().String())
		}
	}
	write(asks)
	write(bids)
	return crc32.ChecksumIEEE([]byte(sb.String()))
}
