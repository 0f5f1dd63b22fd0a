// Package hyperliquid implements the Hyperliquid websocket API. Books are
// pushed as full snapshots, so there is no diff or sequence handling.
package hyperliquid

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"cryptoagg/internal/symbols"
	"cryptoagg/models"

	"github.com/shopspring/decimal"
)

const (
	DefaultURL          = "wss://api.hyperliquid.xyz/ws"
	DefaultPingInterval = 50 * time.Second

	greeting = "Websocket connection established."
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

func (a *Adapter) Exchange() models.Exchange { return models.Hyperliquid }

func (a *Adapter) Endpoint() string { return a.url }

func (a *Adapter) Ping() []byte { return []byte(`{"method":"ping"}`) }

func (a *Adapter) PingInterval() time.Duration { return a.pingInterval }

type subscription struct {
	Type string `json:"type"`
	Coin string `json:"coin"`
}

type request struct {
	Method       string       `json:"method"`
	Subscription subscription `json:"subscription"`
}

func (a *Adapter) request(method string, ch models.Channel) ([][]byte, error) {
	sub := subscription{Coin: symbols.ToVenue(models.Hyperliquid, ch.Market)}
	switch ch.Kind {
	case models.Book:
		sub.Type = "l2Book"
	case models.Tape:
		sub.Type = "trades"
	default:
		return nil, fmt.Errorf("hyperliquid: unsupported channel kind %s", ch.Kind)
	}
	b, err := json.Marshal(request{Method: method, Subscription: sub})
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

// BuildResync returns nothing: the next pushed book replaces the state.
func (a *Adapter) BuildResync(ch models.Channel) ([][]byte, error) {
	return nil, nil
}

type envelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type level struct {
	Px string `json:"px"`
	Sz string `json:"sz"`
	N  int    `json:"n"`
}

type l2Book struct {
	Coin   string          `json:"coin"`
	Time   int64           `json:"time"`
	Levels json.RawMessage `json:"levels"`
}

type trade struct {
	Coin string `json:"coin"`
	Side string `json:"side"`
	Px   string `json:"px"`
	Sz   string `json:"sz"`
	Time int64  `json:"time"`
	Hash string `json:"hash"`
	Tid  uint64 `json:"tid"`
}

func decodeError(frame []byte, err error) []models.Event {
	return []models.Event{models.ErrorEvent{Err: models.NewDecodeError(models.Hyperliquid, frame, err)}}
}

func (a *Adapter) Decode(frame []byte, state models.ConnectionState) []models.Event {
	frame = bytes.TrimSpace(frame)
	if string(frame) == greeting {
		return []models.Event{models.HeartbeatEvent{Time: time.Now()}}
	}
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return decodeError(frame, err)
	}

	var events []models.Event
	switch env.Channel {
	case "subscriptionResponse":
		var resp struct {
			Subscription subscription `json:"subscription"`
		}
		if err := json.Unmarshal(env.Data, &resp); err != nil {
			return decodeError(frame, fmt.Errorf("subscription response: %w", err))
		}
		return []models.Event{models.SubscribedEvent{Market: symbols.Canonical(models.Hyperliquid, resp.Subscription.Coin)}}
	case "pong":
		return []models.Event{models.HeartbeatEvent{Time: time.Now()}}
	case "error":
		return decodeVenueError(frame, env.Data)
	case "l2Book":
		events = decodeBook(frame, env.Data)
	case "trades":
		events = decodeTrades(frame, env.Data)
	case "":
		return decodeError(frame, errors.New("missing channel"))
	default:
		return nil
	}

	// The venue does not always acknowledge before streaming; the first
	// data frame counts as the acknowledgement.
	if state == models.StateConnecting && len(events) > 0 {
		if _, failed := events[0].(models.ErrorEvent); !failed {
			events = append([]models.Event{models.SubscribedEvent{}}, events...)
		}
	}
	return events
}

// decodeVenueError turns an error push into a rejection of the
// subscription it names. Errors that name no subscription, or one that is
// not a subscribe request, are only diagnostics.
func decodeVenueError(frame []byte, raw json.RawMessage) []models.Event {
	var reason string
	if err := json.Unmarshal(raw, &reason); err != nil {
		reason = string(raw)
	}
	i := strings.IndexByte(reason, '{')
	if i < 0 || strings.Contains(strings.ToLower(reason[:i]), "unsubscribe") {
		return decodeError(frame, fmt.Errorf("venue error: %s", reason))
	}
	var sub subscription
	if err := json.Unmarshal([]byte(reason[i:]), &sub); err != nil || sub.Coin == "" {
		return decodeError(frame, fmt.Errorf("venue error: %s", reason))
	}
	var kind models.ChannelKind
	switch sub.Type {
	case "l2Book":
		kind = models.Book
	case "trades":
		kind = models.Tape
	default:
		return decodeError(frame, fmt.Errorf("venue error: %s", reason))
	}
	return []models.Event{models.ErrorEvent{Err: &models.SubscriptionRejectedError{
		Channel: models.Channel{
			Exchange: models.Hyperliquid,
			Kind:     kind,
			Market:   symbols.Canonical(models.Hyperliquid, sub.Coin),
		},
		Reason: reason,
	}}}
}

func decodeBook(frame []byte, raw json.RawMessage) []models.Event {
	var book l2Book
	if err := json.Unmarshal(raw, &book); err != nil {
		return decodeError(frame, err)
	}

	var bidsRaw, asksRaw []level
	var sides [][]level
	if err := json.Unmarshal(book.Levels, &sides); err == nil {
		if len(sides) != 2 {
			return decodeError(frame, fmt.Errorf("levels has %d sides", len(sides)))
		}
		bidsRaw, asksRaw = sides[0], sides[1]
	} else {
		var named struct {
			Bids []level `json:"bids"`
			Asks []level `json:"asks"`
		}
		if err := json.Unmarshal(book.Levels, &named); err != nil {
			return decodeError(frame, err)
		}
		bidsRaw, asksRaw = named.Bids, named.Asks
	}

	bids, err := convertLevels(bidsRaw)
	if err != nil {
		return decodeError(frame, err)
	}
	asks, err := convertLevels(asksRaw)
	if err != nil {
		return decodeError(frame, err)
	}
	return []models.Event{models.BookSnapshotEvent{Snapshot: models.OrderBookSnapshot{
		Bids:      bids,
		Asks:      asks,
		UpdatedAt: time.UnixMilli(book.Time).UTC(),
	}}}
}

func convertLevels(raw []level) ([]models.BookLevel, error) {
	out := make([]models.BookLevel, 0, len(raw))
	for _, l := range raw {
		lvl, err := models.ParseLevel([]string{l.Px, l.Sz})
		if err != nil {
			return nil, err
		}
		out = append(out, lvl)
	}
	return out, nil
}

// decodeTrades sequences trades by tid, which grows across batches but is
// not ordered within one. Replays after a reconnect are then dropped by the
// tape as duplicates.
func decodeTrades(frame []byte, raw json.RawMessage) []models.Event {
	var trades []trade
	if err := json.Unmarshal(raw, &trades); err != nil {
		return decodeError(frame, err)
	}
	sort.SliceStable(trades, func(i, j int) bool { return trades[i].Tid < trades[j].Tid })
	events := make([]models.Event, 0, len(trades))
	for _, t := range trades {
		price, err := decimal.NewFromString(t.Px)
		if err != nil {
			return decodeError(frame, fmt.Errorf("px: %w", err))
		}
		size, err := decimal.NewFromString(t.Sz)
		if err != nil {
			return decodeError(frame, fmt.Errorf("sz: %w", err))
		}
		side := models.SideUnknown
		switch t.Side {
		case "B":
			side = models.SideBuy
		case "A":
			side = models.SideSell
		}
		tr := models.Trade{
			Timestamp: time.UnixMilli(t.Time).UTC(),
			Price:     price,
			Size:      size,
			Side:      side,
			Sequence:  t.Tid,
			ID:        t.Hash,
		}
		if t.Tid > 0 {
			tr.ID = strconv.FormatUint(t.Tid, 10)
		}
		events = append(events, models.TradeEvent{Trade: tr})
	}
	return events
}
