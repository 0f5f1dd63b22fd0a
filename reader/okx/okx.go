// Package okx implements the OKX v5 public websocket.
package okx

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

const (
	DefaultURL          = "wss://ws.okx.com:8443/ws/v5/public"
	DefaultPingInterval = 25 * time.Second
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

func (a *Adapter) Exchange() models.Exchange { return models.OKX }

func (a *Adapter) Endpoint() string { return a.url }

// Ping is the literal text frame the venue expects; it answers "pong".
func (a *Adapter) Ping() []byte { return []byte("ping") }

func (a *Adapter) PingInterval() time.Duration { return a.pingInterval }

type arg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

type request struct {
	Op   string `json:"op"`
	Args []arg  `json:"args"`
}

func (a *Adapter) request(op string, ch models.Channel) ([][]byte, error) {
	sub := arg{InstID: symbols.ToVenue(models.OKX, ch.Market)}
	switch ch.Kind {
	case models.Book:
		sub.Channel = "books"
	case models.Tape:
		sub.Channel = "trades"
	default:
		return nil, fmt.Errorf("okx: unsupported channel kind %s", ch.Kind)
	}
	b, err := json.Marshal(request{Op: op, Args: []arg{sub}})
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
	Event  string          `json:"event"`
	Code   string          `json:"code"`
	Msg    string          `json:"msg"`
	Arg    arg             `json:"arg"`
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

type bookData struct {
	Asks      [][]string `json:"asks"`
	Bids      [][]string `json:"bids"`
	Ts        string     `json:"ts"`
	Checksum  int64      `json:"checksum"`
	PrevSeqID int64      `json:"prevSeqId"`
	SeqID     int64      `json:"seqId"`
}

type tradeData struct {
	InstID  string `json:"instId"`
	TradeID string `json:"tradeId"`
	Px      string `json:"px"`
	Sz      string `json:"sz"`
	Side    string `json:"side"`
	Ts      string `json:"ts"`
}

func decodeError(frame []byte, err error) []models.Event {
	return []models.Event{models.ErrorEvent{Err: models.NewDecodeError(models.OKX, frame, err)}}
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func (a *Adapter) Decode(frame []byte, state models.ConnectionState) []models.Event {
	frame = bytes.TrimSpace(frame)
	if string(frame) == "pong" {
		return []models.Event{models.HeartbeatEvent{Time: time.Now()}}
	}
	var msg message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return decodeError(frame, err)
	}

	switch msg.Event {
	case "subscribe":
		return []models.Event{models.SubscribedEvent{Market: symbols.Canonical(models.OKX, msg.Arg.InstID)}}
	case "unsubscribe", "notice":
		return nil
	case "error":
		return []models.Event{models.ErrorEvent{Err: &models.SubscriptionRejectedError{
			Channel: models.Channel{Exchange: models.OKX, Market: symbols.Canonical(models.OKX, msg.Arg.InstID)},
			Reason:  fmt.Sprintf("%s %s", msg.Code, msg.Msg),
		}}}
	}

	switch msg.Arg.Channel {
	case "books", "books5", "books-l2-tbt", "books50-l2-tbt":
		return decodeBook(frame, msg)
	case "trades":
		return decodeTrades(frame, msg)
	case "":
		return decodeError(frame, errors.New("missing channel"))
	default:
		return nil
	}
}

func decodeBook(frame []byte, msg message) []models.Event {
	var data []bookData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		return decodeError(frame, err)
	}
	events := make([]models.Event, 0, len(data))
	for _, d := range data {
		bids, err := models.ParseLevels(d.Bids)
		if err != nil {
			return decodeError(frame, err)
		}
		asks, err := models.ParseLevels(d.Asks)
		if err != nil {
			return decodeError(frame, err)
		}
		ts := parseMillis(d.Ts)

		switch msg.Action {
		case "snapshot", "":
			events = append(events, models.BookSnapshotEvent{Snapshot: models.OrderBookSnapshot{
				Bids:      bids,
				Asks:      asks,
				Sequence:  d.SeqID,
				UpdatedAt: ts,
			}})
		case "update":
			events = append(events, models.BookDiffEvent{Diff: models.BookDiff{
				PrevSeq:     d.PrevSeqID,
				LastSeq:     d.SeqID,
				Bids:        bids,
				Asks:        asks,
				Checksum:    uint32(int32(d.Checksum)),
				HasChecksum: true,
				Time:        ts,
			}})
		default:
			return decodeError(frame, fmt.Errorf("unknown book action %q", msg.Action))
		}
	}
	return events
}

func decodeTrades(frame []byte, msg message) []models.Event {
	var data []tradeData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		return decodeError(frame, err)
	}
	events := make([]models.Event, 0, len(data))
	for _, d := range data {
		price, err := decimal.NewFromString(d.Px)
		if err != nil {
			return decodeError(frame, fmt.Errorf("px: %w", err))
		}
		size, err := decimal.NewFromString(d.Sz)
		if err != nil {
			return decodeError(frame, fmt.Errorf("sz: %w", err))
		}
		side := models.SideUnknown
		switch d.Side {
		case "buy":
			side = models.SideBuy
		case "sell":
			side = models.SideSell
		}
		tr := models.Trade{
			Timestamp: parseMillis(d.Ts),
			Price:     price,
			Size:      size,
			Side:      side,
			ID:        d.TradeID,
		}
		if seq, err := strconv.ParseUint(d.TradeID, 10, 64); err == nil {
			tr.Sequence = seq
		}
		events = append(events, models.TradeEvent{Trade: tr})
	}
	return events
}
