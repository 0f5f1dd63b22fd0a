// Package coinbase implements the Coinbase Exchange websocket feed.
package coinbase

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"cryptoagg/internal/symbols"
	"cryptoagg/models"

	"github.com/shopspring/decimal"
)

const DefaultURL = "wss://ws-feed.exchange.coinbase.com"

type Adapter struct {
	url string
}

func New(url string) *Adapter {
	if url == "" {
		url = DefaultURL
	}
	return &Adapter{url: url}
}

func (a *Adapter) Exchange() models.Exchange { return models.Coinbase }

func (a *Adapter) Endpoint() string { return a.url }

type request struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channels   []string `json:"channels"`
}

func (a *Adapter) request(typ string, ch models.Channel) ([][]byte, error) {
	var name string
	switch ch.Kind {
	case models.Book:
		name = "level2_batch"
	case models.Tape:
		name = "matches"
	default:
		return nil, fmt.Errorf("coinbase: unsupported channel kind %s", ch.Kind)
	}
	b, err := json.Marshal(request{
		Type:       typ,
		ProductIDs: []string{symbols.ToVenue(models.Coinbase, ch.Market)},
		Channels:   []string{name, "heartbeat"},
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

// message covers every feed message type; unused fields stay empty.
type message struct {
	Type      string     `json:"type"`
	ProductID string     `json:"product_id"`
	Time      time.Time  `json:"time"`
	Message   string     `json:"message"`
	Reason    string     `json:"reason"`
	Bids      [][]string `json:"bids"`
	Asks      [][]string `json:"asks"`
	Changes   [][]string `json:"changes"`
	TradeID   int64      `json:"trade_id"`
	Side      string     `json:"side"`
	Price     string     `json:"price"`
	Size      string     `json:"size"`
	LastSize  string     `json:"last_size"`
	Channels  []struct {
		Name       string   `json:"name"`
		ProductIDs []string `json:"product_ids"`
	} `json:"channels"`
}

func decodeError(frame []byte, err error) []models.Event {
	return []models.Event{models.ErrorEvent{Err: models.NewDecodeError(models.Coinbase, frame, err)}}
}

func (a *Adapter) Decode(frame []byte, state models.ConnectionState) []models.Event {
	frame = bytes.TrimSpace(frame)
	var msg message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return decodeError(frame, err)
	}

	switch msg.Type {
	case "subscriptions":
		market := ""
		for _, c := range msg.Channels {
			if len(c.ProductIDs) > 0 {
				market = symbols.Canonical(models.Coinbase, c.ProductIDs[0])
				break
			}
		}
		return []models.Event{models.SubscribedEvent{Market: market}}
	case "error":
		reason := msg.Message
		if msg.Reason != "" {
			reason += ": " + msg.Reason
		}
		return []models.Event{models.ErrorEvent{Err: &models.SubscriptionRejectedError{
			Channel: models.Channel{Exchange: models.Coinbase, Market: symbols.Canonical(models.Coinbase, msg.ProductID)},
			Reason:  reason,
		}}}
	case "heartbeat":
		return []models.Event{models.HeartbeatEvent{Time: msg.Time}}
	case "snapshot":
		return decodeSnapshot(frame, msg)
	case "l2update":
		return decodeUpdate(frame, msg)
	case "match", "last_match":
		return decodeTrade(frame, msg, true)
	case "ticker":
		return decodeTrade(frame, msg, false)
	case "":
		return decodeError(frame, errors.New("missing type"))
	default:
		return nil
	}
}

func decodeSnapshot(frame []byte, msg message) []models.Event {
	bids, err := models.ParseLevels(msg.Bids)
	if err != nil {
		return decodeError(frame, err)
	}
	asks, err := models.ParseLevels(msg.Asks)
	if err != nil {
		return decodeError(frame, err)
	}
	return []models.Event{models.BookSnapshotEvent{Snapshot: models.OrderBookSnapshot{
		Bids:      bids,
		Asks:      asks,
		UpdatedAt: msg.Time,
	}}}
}

func decodeUpdate(frame []byte, msg message) []models.Event {
	diff := models.BookDiff{Time: msg.Time}
	for _, change := range msg.Changes {
		if len(change) < 3 {
			return decodeError(frame, fmt.Errorf("change of %d fields", len(change)))
		}
		lvl, err := models.ParseLevel(change[1:])
		if err != nil {
			return decodeError(frame, err)
		}
		switch change[0] {
		case "buy":
			diff.Bids = append(diff.Bids, lvl)
		case "sell":
			diff.Asks = append(diff.Asks, lvl)
		default:
			return decodeError(frame, fmt.Errorf("unknown side %q", change[0]))
		}
	}
	return []models.Event{models.BookDiffEvent{Diff: diff}}
}

// decodeTrade converts match and ticker messages. Matches carry the maker
// side, tickers the taker side.
func decodeTrade(frame []byte, msg message, makerSide bool) []models.Event {
	size := msg.Size
	if size == "" {
		size = msg.LastSize
	}
	price, err := decimal.NewFromString(msg.Price)
	if err != nil {
		return decodeError(frame, fmt.Errorf("price: %w", err))
	}
	qty, err := decimal.NewFromString(size)
	if err != nil {
		return decodeError(frame, fmt.Errorf("size: %w", err))
	}
	side := models.SideUnknown
	switch msg.Side {
	case "buy":
		side = models.SideBuy
	case "sell":
		side = models.SideSell
	}
	if makerSide {
		switch side {
		case models.SideBuy:
			side = models.SideSell
		case models.SideSell:
			side = models.SideBuy
		}
	}
	tr := models.Trade{
		Timestamp: msg.Time,
		Price:     price,
		Size:      qty,
		Side:      side,
	}
	if msg.TradeID > 0 {
		tr.Sequence = uint64(msg.TradeID)
		tr.ID = strconv.FormatInt(msg.TradeID, 10)
	}
	return []models.Event{models.TradeEvent{Trade: tr}}
}
