// Package kraken implements the Kraken spot websocket (v1) protocol.
package kraken

import (
	"encoding/json"
	"fmt"
	"time"

	"cryptoagg/internal/symbols"
	"cryptoagg/models"

	"github.com/shopspring/decimal"
)

const DefaultURL = "wss://ws.kraken.com"

// bookDepths are the depths the venue accepts for the book subscription.
var bookDepths = []int{10, 25, 100, 500, 1000}

type Adapter struct {
	url   string
	depth int
}

// New returns a Kraken adapter. depth is rounded up to the nearest depth the
// venue supports.
func New(url string, depth int) *Adapter {
	if url == "" {
		url = DefaultURL
	}
	return &Adapter{url: url, depth: normalizeDepth(depth)}
}

func normalizeDepth(depth int) int {
	for _, d := range bookDepths {
		if depth <= d {
			return d
		}
	}
	return bookDepths[len(bookDepths)-1]
}

func (a *Adapter) Exchange() models.Exchange { return models.Kraken }

func (a *Adapter) Endpoint() string { return a.url }

// Depth is the subscribed book depth.
func (a *Adapter) Depth() int { return a.depth }

type subscription struct {
	Name  string `json:"name"`
	Depth int    `json:"depth,omitempty"`
}

type request struct {
	Event        string       `json:"event"`
	Pair         []string     `json:"pair"`
	Subscription subscription `json:"subscription"`
}

func (a *Adapter) request(event string, ch models.Channel) ([][]byte, error) {
	sub := subscription{}
	switch ch.Kind {
	case models.Book:
		sub.Name = "book"
		sub.Depth = a.depth
	case models.Tape:
		sub.Name = "trade"
	default:
		return nil, fmt.Errorf("kraken: unsupported channel kind %s", ch.Kind)
	}
	b, err := json.Marshal(request{
		Event:        event,
		Pair:         []string{symbols.ToVenue(models.Kraken, ch.Market)},
		Subscription: sub,
	})
	if err != nil {
		return nil, err
	}
	return [][]byte{b}, nil
}

func (a *Adapter) BuildSubscribe(ch models.Channel) ([][]byte, error) {
	return a.request("subscribe", ch)
}

func (a *Adapter) BuildUnsubscribe(ch models.Channel) ([][]byte, error) {
	return a.request("unsubscribe", ch)
}

// parseTimestamp converts "seconds.fraction" strings.
func parseTimestamp(s string) time.Time {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(0, d.Shift(9).IntPart()).UTC()
}
