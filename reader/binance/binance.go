// Package binance implements the Binance spot websocket stream. The diff
// depth stream carries no initial book; FetchSnapshot supplies one over REST
// and the book bridges the buffered diffs onto it.
package binance

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"cryptoagg/internal/symbols"
	"cryptoagg/models"

	gobinance "github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
)

const (
	DefaultURL           = "wss://stream.binance.com:9443/ws"
	DefaultRestURL       = "https://api.binance.com"
	DefaultSnapshotLimit = 1000
)

type Options struct {
	URL           string
	RestURL       string
	SnapshotLimit int
	HTTPClient    *http.Client
}

type Adapter struct {
	url    string
	limit  int
	client *gobinance.Client
	nextID int64
}

func New(opts Options) *Adapter {
	if opts.URL == "" {
		opts.URL = DefaultURL
	}
	if opts.RestURL == "" {
		opts.RestURL = DefaultRestURL
	}
	if opts.SnapshotLimit <= 0 {
		opts.SnapshotLimit = DefaultSnapshotLimit
	}
	client := gobinance.NewClient("", "")
	client.BaseURL = strings.TrimRight(opts.RestURL, "/")
	if opts.HTTPClient != nil {
		client.HTTPClient = opts.HTTPClient
	}
	return &Adapter{url: opts.URL, limit: opts.SnapshotLimit, client: client}
}

func (a *Adapter) Exchange() models.Exchange { return models.Binance }

func (a *Adapter) Endpoint() string { return a.url }

func streamName(ch models.Channel) (string, error) {
	sym := strings.ToLower(symbols.ToVenue(models.Binance, ch.Market))
	switch ch.Kind {
	case models.Book:
		return sym + "@depth@100ms", nil
	case models.Tape:
		return sym + "@trade", nil
	default:
		return "", fmt.Errorf("binance: unsupported channel kind %s", ch.Kind)
	}
}

type request struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

func (a *Adapter) request(method string, ch models.Channel) ([][]byte, error) {
	stream, err := streamName(ch)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(request{Method: method, Params: []string{stream}, ID: atomic.AddInt64(&a.nextID, 1)})
	if err != nil {
		return nil, err
	}
	return [][]byte{b}, nil
}

func (a *Adapter) BuildSubscribe(ch models.Channel) ([][]byte, error) {
	return a.request("SUBSCRIBE", ch)
}

func (a *Adapter) BuildUnsubscribe(ch models.Channel) ([][]byte, error) {
	return a.request("UNSUBSCRIBE", ch)
}

// envelope needs both "e" and "E": encoding/json falls back to a case
// insensitive match, so a missing "E" field would claim the event time.
type envelope struct {
	Event     string          `json:"e"`
	EventTime int64           `json:"E"`
	ID        *int64          `json:"id"`
	Result    json.RawMessage `json:"result"`
	Error     *struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	} `json:"error"`
}

type depthUpdate struct {
	Event         string     `json:"e"`
	Time          int64      `json:"E"`
	Symbol        string     `json:"s"`
	FirstUpdateID int64      `json:"U"`
	LastUpdateID  int64      `json:"u"`
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
}

func decodeError(frame []byte, err error) []models.Event {
	return []models.Event{models.ErrorEvent{Err: models.NewDecodeError(models.Binance, frame, err)}}
}

func (a *Adapter) Decode(frame []byte, state models.ConnectionState) []models.Event {
	events := a.decode(bytes.TrimSpace(frame))
	// A stream frame proves the subscription even when its result frame was
	// missed.
	if state == models.StateConnecting && len(events) > 0 {
		switch events[0].(type) {
		case models.TradeEvent, models.BookDiffEvent:
			events = append([]models.Event{models.SubscribedEvent{}}, events...)
		}
	}
	return events
}

func (a *Adapter) decode(frame []byte) []models.Event {
	var p envelope
	if err := json.Unmarshal(frame, &p); err != nil {
		return decodeError(frame, err)
	}

	switch {
	case p.Error != nil:
		return []models.Event{models.ErrorEvent{Err: &models.SubscriptionRejectedError{
			Channel: models.Channel{Exchange: models.Binance},
			Reason:  fmt.Sprintf("%d %s", p.Error.Code, p.Error.Msg),
		}}}
	case p.ID != nil && p.Event == "":
		return []models.Event{models.SubscribedEvent{}}
	}

	switch p.Event {
	case "depthUpdate":
		var upd depthUpdate
		if err := json.Unmarshal(frame, &upd); err != nil {
			return decodeError(frame, err)
		}
		bids, err := models.ParseLevels(upd.Bids)
		if err != nil {
			return decodeError(frame, err)
		}
		asks, err := models.ParseLevels(upd.Asks)
		if err != nil {
			return decodeError(frame, err)
		}
		return []models.Event{models.BookDiffEvent{Diff: models.BookDiff{
			FirstSeq: upd.FirstUpdateID,
			LastSeq:  upd.LastUpdateID,
			Bids:     bids,
			Asks:     asks,
			Time:     time.UnixMilli(upd.Time).UTC(),
		}}}
	case "trade":
		var ev gobinance.WsTradeEvent
		if err := json.Unmarshal(frame, &ev); err != nil {
			return decodeError(frame, err)
		}
		price, err := decimal.NewFromString(ev.Price)
		if err != nil {
			return decodeError(frame, fmt.Errorf("price: %w", err))
		}
		size, err := decimal.NewFromString(ev.Quantity)
		if err != nil {
			return decodeError(frame, fmt.Errorf("quantity: %w", err))
		}
		side := models.SideBuy
		if ev.IsBuyerMaker {
			side = models.SideSell
		}
		return []models.Event{models.TradeEvent{Trade: models.Trade{
			Timestamp: time.UnixMilli(ev.TradeTime).UTC(),
			Price:     price,
			Size:      size,
			Side:      side,
			Sequence:  uint64(ev.TradeID),
			ID:        strconv.FormatInt(ev.TradeID, 10),
		}}}
	case "":
		return decodeError(frame, errors.New("missing event type"))
	default:
		return nil
	}
}
