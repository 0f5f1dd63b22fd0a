package kraken

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"cryptoagg/internal/symbols"
	"cryptoagg/models"
)

type eventMessage struct {
	Event        string `json:"event"`
	Status       string `json:"status"`
	Pair         string `json:"pair"`
	ErrorMessage string `json:"errorMessage"`
	Subscription struct {
		Name string `json:"name"`
	} `json:"subscription"`
}

type bookSnapshot struct {
	Asks [][]string `json:"as"`
	Bids [][]string `json:"bs"`
}

type bookUpdate struct {
	Asks     [][]string `json:"a"`
	Bids     [][]string `json:"b"`
	Checksum string     `json:"c"`
}

func (a *Adapter) Decode(frame []byte, state models.ConnectionState) []models.Event {
	frame = bytes.TrimSpace(frame)
	if len(frame) == 0 {
		return nil
	}
	switch frame[0] {
	case '{':
		return a.decodeEvent(frame)
	case '[':
		return a.decodeData(frame)
	default:
		return decodeError(frame, errors.New("unexpected frame"))
	}
}

func decodeError(frame []byte, err error) []models.Event {
	return []models.Event{models.ErrorEvent{Err: models.NewDecodeError(models.Kraken, frame, err)}}
}

func (a *Adapter) decodeEvent(frame []byte) []models.Event {
	var msg eventMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		return decodeError(frame, err)
	}
	switch msg.Event {
	case "heartbeat", "systemStatus", "pong":
		return []models.Event{models.HeartbeatEvent{Time: time.Now()}}
	case "subscriptionStatus":
		switch msg.Status {
		case "subscribed":
			return []models.Event{models.SubscribedEvent{Market: symbols.Canonical(models.Kraken, msg.Pair)}}
		case "error":
			return []models.Event{models.ErrorEvent{Err: &models.SubscriptionRejectedError{
				Channel: models.Channel{Exchange: models.Kraken, Kind: kindOf(msg.Subscription.Name), Market: symbols.Canonical(models.Kraken, msg.Pair)},
				Reason:  msg.ErrorMessage,
			}}}
		default:
			// unsubscribed
			return nil
		}
	case "error":
		return decodeError(frame, errors.New(msg.ErrorMessage))
	default:
		return nil
	}
}

func kindOf(name string) models.ChannelKind {
	switch name {
	case "book":
		return models.Book
	case "trade":
		return models.Tape
	default:
		return models.KindUnknown
	}
}

// decodeData handles [channelID, payload..., channelName, pair] arrays.
func (a *Adapter) decodeData(frame []byte) []models.Event {
	var parts []json.RawMessage
	if err := json.Unmarshal(frame, &parts); err != nil {
		return decodeError(frame, err)
	}
	if len(parts) < 4 {
		return decodeError(frame, fmt.Errorf("array of %d elements", len(parts)))
	}
	var name string
	if err := json.Unmarshal(parts[len(parts)-2], &name); err != nil {
		return decodeError(frame, fmt.Errorf("channel name: %w", err))
	}
	payload := parts[1 : len(parts)-2]

	switch {
	case name == "trade":
		return decodeTrades(frame, payload[0])
	case len(name) > 5 && name[:5] == "book-":
		return decodeBook(frame, payload)
	default:
		return nil
	}
}

func decodeTrades(frame []byte, raw json.RawMessage) []models.Event {
	var rows [][]string
	if err := json.Unmarshal(raw, &rows); err != nil {
		return decodeError(frame, err)
	}
	events := make([]models.Event, 0, len(rows))
	for _, row := range rows {
		if len(row) < 4 {
			return decodeError(frame, fmt.Errorf("trade row of %d fields", len(row)))
		}
		lvl, err := models.ParseLevel(row)
		if err != nil {
			return decodeError(frame, err)
		}
		side := models.SideBuy
		if row[3] == "s" {
			side = models.SideSell
		}
		events = append(events, models.TradeEvent{Trade: models.Trade{
			Timestamp: parseTimestamp(row[2]),
			Price:     lvl.Price,
			Size:      lvl.Size,
			Side:      side,
		}})
	}
	return events
}

func decodeBook(frame []byte, payload []json.RawMessage) []models.Event {
	var snap bookSnapshot
	if err := json.Unmarshal(payload[0], &snap); err != nil {
		return decodeError(frame, err)
	}
	if snap.Asks != nil || snap.Bids != nil {
		bids, err := models.ParseLevels(snap.Bids)
		if err != nil {
			return decodeError(frame, err)
		}
		asks, err := models.ParseLevels(snap.Asks)
		if err != nil {
			return decodeError(frame, err)
		}
		return []models.Event{models.BookSnapshotEvent{Snapshot: models.OrderBookSnapshot{
			Bids:      bids,
			Asks:      asks,
			UpdatedAt: latest(snap.Bids, snap.Asks),
		}}}
	}

	diff := models.BookDiff{}
	var rawBids, rawAsks [][]string
	for _, p := range payload {
		var upd bookUpdate
		if err := json.Unmarshal(p, &upd); err != nil {
			return decodeError(frame, err)
		}
		rawBids = append(rawBids, upd.Bids...)
		rawAsks = append(rawAsks, upd.Asks...)
		if upd.Checksum != "" {
			c, err := strconv.ParseUint(upd.Checksum, 10, 32)
			if err != nil {
				return decodeError(frame, fmt.Errorf("checksum: %w", err))
			}
			diff.Checksum = uint32(c)
			diff.HasChecksum = true
		}
	}
	var err error
	if diff.Bids, err = models.ParseLevels(rawBids); err != nil {
		return decodeError(frame, err)
	}
	if diff.Asks, err = models.ParseLevels(rawAsks); err != nil {
		return decodeError(frame, err)
	}
	diff.Time = latest(rawBids, rawAsks)
	return []models.Event{models.BookDiffEvent{Diff: diff}}
}

// latest returns the newest level timestamp, found in the third field.
func latest(sides ...[][]string) time.Time {
	var t time.Time
	for _, side := range sides {
		for _, row := range side {
			if len(row) < 3 {
				continue
			}
			if ts := parseTimestamp(row[2]); ts.After(t) {
				t = ts
			}
		}
	}
	return t
}
