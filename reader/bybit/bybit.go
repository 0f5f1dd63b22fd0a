// Package bybit implements the Bybit v5 public websocket for spot markets.
package bybit

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"cryptoagg/internal/symbols"
	"cryptoagg/models"

	"github.com/shopspring/decimal"
)

const (
	DefaultURL          = "wss://stream.bybit.com/v5/public/spot"
	DefaultPingInterval = 20 * time.Second
	bookDepth           = 50
)

type Adapter struct {
	url          string
	pingInterval time.Duration
}

func New(url string, pingInterval time.Duration) *Adapter {
	if url == "" {
		url = DefaultURL
	}
	if pingInterval <= 0 {
		pingInterval = DefaultPingInterval
	}
	return &Adapter{url: url, pingInterval: pingInterval}
}

func (a *Adapter) Exchange() models.Exchange { return models.Bybit }

func (a *Adapter) Endpoint() string { return a.url }

func (a *Adapter) Ping() []byte { return []byte(`{"op":"ping"}`) }

func (a *Adapter) PingInterval() time.Duration { return a.pingInterval }

func topic(ch models.Channel) (string, error) {
	sym := strings.ToUpper(symbols.ToVenue(models.Bybit, ch.Market))
	switch ch.Kind {
	case models.Book:
		return fmt.Sprintf("orderbook.%d.%s", bookDepth, sym), nil
	case models.Tape:
		return "publicTrade." + sym, nil
	default:
		return "", fmt.Errorf("bybit: unsupported channel kind %s", ch.Kind)
	}
}

type request struct {
	Op   string   `json:"op"`
	Args []string `json:"args"`
}

func (a *Adapter) request(op string, ch models.Channel) ([][]byte, error) {
	t, err := topic(ch)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(request{Op: op, Args: []string{t}})
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

type message struct {
	Op      string          `json:"op"`
	Success *bool           `json:"success"`
	RetMsg  string          `json:"ret_msg"`
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Ts      int64           `json:"ts"`
	Data    json.RawMessage `json:"data"`
}

type bookData struct {
	Symbol   string     `json:"s"`
	Bids     [][]string `json:"b"`
	Asks     [][]string `json:"a"`
	UpdateID int64      `json:"u"`
	Seq      int64      `json:"seq"`
}

type tradeData struct {
	Time   int64  `json:"T"`
	Symbol string `json:"s"`
	Side   string `json:"S"`
	Volume string `json:"v"`
	Price  string `json:"p"`
	ID     string `json:"i"`
}

func decodeError(frame []byte, err error) []models.Event {
	return []models.Event{models.ErrorEvent{Err: models.NewDecodeError(models.Bybit, frame, err)}}
}

func (a *Adapter) Decode(frame []byte, state models.ConnectionState) []models.Event {
	frame = bytes.TrimSpace(frame)
	var msg message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return decodeError(frame, err)
	}

	if msg.Success != nil {
		switch {
		case msg.Op == "ping" || msg.Op == "pong" || msg.RetMsg == "pong":
			return []models.Event{models.HeartbeatEvent{Time: time.Now()}}
		case msg.Op == "unsubscribe":
			return nil
		case *msg.Success:
			return []models.Event{models.SubscribedEvent{}}
		default:
			return []models.Event{models.ErrorEvent{Err: &models.SubscriptionRejectedError{
				Channel: models.Channel{Exchange: models.Bybit},
				Reason:  msg.RetMsg,
			}}}
		}
	}
	if msg.Op == "pong" {
		return []models.Event{models.HeartbeatEvent{Time: time.Now()}}
	}

	switch {
	case strings.HasPrefix(msg.Topic, "orderbook."):
		return decodeBook(frame, msg)
	case strings.HasPrefix(msg.Topic, "publicTrade."):
		return decodeTrades(frame, msg)
	case msg.Topic == "":
		return decodeError(frame, errors.New("missing topic"))
	default:
		return nil
	}
}

func decodeBook(frame []byte, msg message) []models.Event {
	var data bookData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		return decodeError(frame, err)
	}
	bids, err := models.ParseLevels(data.Bids)
	if err != nil {
		return decodeError(frame, err)
	}
	asks, err := models.ParseLevels(data.Asks)
	if err != nil {
		return decodeError(frame, err)
	}
	ts := time.UnixMilli(msg.Ts).UTC()

	switch msg.Type {
	case "snapshot":
		return []models.Event{models.BookSnapshotEvent{Snapshot: models.OrderBookSnapshot{
			Bids:      bids,
			Asks:      asks,
			Sequence:  data.UpdateID,
			UpdatedAt: ts,
		}}}
	case "delta":
		return []models.Event{models.BookDiffEvent{Diff: models.BookDiff{
			FirstSeq: data.UpdateID,
			LastSeq:  data.UpdateID,
			Bids:     bids,
			Asks:     asks,
			Time:     ts,
		}}}
	default:
		return decodeError(frame, fmt.Errorf("unknown book message type %q", msg.Type))
	}
}

func decodeTrades(frame []byte, msg message) []models.Event {
	var data []tradeData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		return decodeError(frame, err)
	}
	events := make([]models.Event, 0, len(data))
	for _, d := range data {
		price, err := decimal.NewFromString(d.Price)
		if err != nil {
			return decodeError(frame, fmt.Errorf("price: %w", err))
		}
		size, err := decimal.NewFromString(d.Volume)
		if err != nil {
			return decodeError(frame, fmt.Errorf("volume: %w", err))
		}
		side := models.SideUnknown
		switch d.Side {
		case "Buy":
			side = models.SideBuy
		case "Sell":
			side = models.SideSell
		}
		tr := models.Trade{
			Timestamp: time.UnixMilli(d.Time).UTC(),
			Price:     price,
			Size:      size,
			Side:      side,
			ID:        d.ID,
		}
		// Spot trade ids are numeric; other categories use UUIDs.
		if seq, err := strconv.ParseUint(d.ID, 10, 64); err == nil {
			tr.Sequence = seq
		}
		events = append(events, models.TradeEvent{Trade: tr})
	}
	return events
}
