// Package reader holds the protocol adapters. An adapter is a pure codec for
// one venue: it builds subscription frames and decodes inbound frames into
// canonical events. It never touches the network except for the optional
// REST snapshot of venues whose websocket feed carries no initial book.
package reader

import (
	"context"
	"fmt"
	"time"

	"cryptoagg/config"
	"cryptoagg/models"
	"cryptoagg/reader/binance"
	"cryptoagg/reader/bybit"
	"cryptoagg/reader/coinbase"
	"cryptoagg/reader/hyperliquid"
	"cryptoagg/reader/kraken"
	"cryptoagg/reader/okx"
)

// Adapter is implemented by every venue.
type Adapter interface {
	Exchange() models.Exchange
	// Endpoint is the websocket URL to dial.
	Endpoint() string
	// BuildSubscribe returns the frames to send, in order, once connected.
	BuildSubscribe(ch models.Channel) ([][]byte, error)
	// Decode turns one frame into zero or more events. Undecodable frames
	// yield an ErrorEvent carrying a *models.DecodeError.
	Decode(frame []byte, state models.ConnectionState) []models.Event
}

// Unsubscriber is implemented by venues that support dropping a channel on a
// live connection.
type Unsubscriber interface {
	BuildUnsubscribe(ch models.Channel) ([][]byte, error)
}

// Resyncer is implemented by venues that can resend a book snapshot on the
// same connection. A nil result means the venue pushes full books anyway and
// the next one resynchronises the state.
type Resyncer interface {
	BuildResync(ch models.Channel) ([][]byte, error)
}

// Snapshotter is implemented by venues whose book stream carries diffs only.
// The returned snapshot's Sequence is the venue's last update id.
type Snapshotter interface {
	FetchSnapshot(ctx context.Context, ch models.Channel) (models.OrderBookSnapshot, error)
}

// Pinger is implemented by venues that expect application level pings.
type Pinger interface {
	Ping() []byte
	PingInterval() time.Duration
}

// Checksummer is implemented by venues that checksum their book.
type Checksummer interface {
	Checksum(bids, asks []models.BookLevel) uint32
}

// New returns the adapter for ex configured from cfg.
func New(ex models.Exchange, cfg *config.Config) (Adapter, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	src := cfg.Sources
	switch ex {
	case models.Kraken:
		return kraken.New(src.Kraken.URL, src.Kraken.BookDepth), nil
	case models.Coinbase:
		return coinbase.New(src.Coinbase.URL), nil
	case models.Hyperliquid:
		return hyperliquid.New(src.Hyperliquid.URL, src.Hyperliquid.PingInterval), nil
	case models.Binance:
		return binance.New(binance.Options{
			URL:           src.Binance.URL,
			RestURL:       src.Binance.RestURL,
			SnapshotLimit: src.Binance.SnapshotLimit,
			HTTPClient:    newHTTPClient(ex, cfg),
		}), nil
	case models.Bybit:
		return bybit.New(src.Bybit.URL, src.Bybit.PingInterval), nil
	case models.OKX:
		return okx.New(src.OKX.URL, src.OKX.PingInterval), nil
	default:
		return nil, fmt.Errorf("%w: %s", models.ErrUnsupportedExchange, ex)
	}
}

// DepthLimiter is implemented by venues whose checksum only holds when the
// local book is truncated to the subscribed depth.
type DepthLimiter interface {
	Depth() int
}
