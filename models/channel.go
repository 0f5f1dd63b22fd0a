package models

import (
	"fmt"
	"strings"
)

// Exchange identifies a supported venue and therefore its wire protocol.
type Exchange uint8

const (
	ExchangeUnknown Exchange = iota
	Kraken
	Coinbase
	Hyperliquid
	Binance
	Bybit
	OKX
)

var exchangeNames = map[Exchange]string{
	Kraken:      "kraken",
	Coinbase:    "coinbase",
	Hyperliquid: "hyperliquid",
	Binance:     "binance",
	Bybit:       "bybit",
	OKX:         "okx",
}

var exchangeAliases = map[string]Exchange{
	"gdax":         Coinbase,
	"coinbasepro":  Coinbase,
	"coinbase-pro": Coinbase,
	"hl":           Hyperliquid,
}

// Exchanges lists every supported venue in declaration order.
func Exchanges() []Exchange {
	return []Exchange{Kraken, Coinbase, Hyperliquid, Binance, Bybit, OKX}
}

func (e Exchange) String() string {
	if name, ok := exchangeNames[e]; ok {
		return name
	}
	return "unknown"
}

// Valid reports whether e is one of the supported venues.
func (e Exchange) Valid() bool {
	_, ok := exchangeNames[e]
	return ok
}

// ParseExchange resolves a case-insensitive venue name.
func ParseExchange(name string) (Exchange, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	for ex, n := range exchangeNames {
		if n == key {
			return ex, nil
		}
	}
	if ex, ok := exchangeAliases[key]; ok {
		return ex, nil
	}
	return ExchangeUnknown, fmt.Errorf("%w: %q", ErrUnsupportedExchange, name)
}

// ChannelKind selects which stream and state structure a Channel uses.
type ChannelKind uint8

const (
	KindUnknown ChannelKind = iota
	Tape
	Book
)

func (k ChannelKind) String() string {
	switch k {
	case Tape:
		return "tape"
	case Book:
		return "book"
	default:
		return "unknown"
	}
}

// ParseChannelKind accepts "tape"/"trades" and "book"/"orderbook".
func ParseChannelKind(name string) (ChannelKind, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "tape", "trade", "trades":
		return Tape, nil
	case "book", "orderbook", "l2":
		return Book, nil
	default:
		return KindUnknown, fmt.Errorf("unknown channel kind %q", name)
	}
}

// Channel is the identity of one subscription. It is comparable and used
// directly as a map key, so equal values always share one connection.
type Channel struct {
	Exchange Exchange
	Kind     ChannelKind
	Market   string
}

// NewChannel builds a Channel from its textual parts.
func NewChannel(exchange, kind, market string) (Channel, error) {
	ex, err := ParseExchange(exchange)
	if err != nil {
		return Channel{}, err
	}
	k, err := ParseChannelKind(kind)
	if err != nil {
		return Channel{}, err
	}
	ch := Channel{Exchange: ex, Kind: k, Market: strings.TrimSpace(market)}
	return ch, ch.Validate()
}

// Validate rejects channels that can never be subscribed.
func (c Channel) Validate() error {
	if !c.Exchange.Valid() {
		return fmt.Errorf("%w: %d", ErrUnsupportedExchange, c.Exchange)
	}
	if c.Kind != Tape && c.Kind != Book {
		return fmt.Errorf("invalid channel kind %d", c.Kind)
	}
	if c.Market == "" {
		return fmt.Errorf("market must not be empty")
	}
	return nil
}

func (c Channel) String() string {
	return c.Exchange.String() + ":" + c.Kind.String() + ":" + c.Market
}
