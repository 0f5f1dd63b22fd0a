package symbols

import (
	"strings"

	"cryptoagg/models"
)

// knownQuotes lists quote assets recognised when splitting concatenated
// symbols such as BTCUSDT. Longer suffixes come first.
var knownQuotes = []string{"FDUSD", "USDT", "USDC", "BUSD", "TUSD", "USD", "EUR", "GBP", "BTC", "ETH"}

var krakenAssets = map[string]string{
	"BTC":  "XBT",
	"DOGE": "XDG",
}

// ToVenue converts a canonical BASE/QUOTE market into the venue's symbol.
// Anything without a slash is assumed to be venue native already and is
// returned unchanged.
func ToVenue(exchange models.Exchange, market string) string {
	base, quote, ok := split(market)
	if !ok {
		return market
	}

	switch exchange {
	case models.Kraken:
		if alias, ok := krakenAssets[base]; ok {
			base = alias
		}
		return base + "/" + quote
	case models.Coinbase, models.OKX:
		return base + "-" + quote
	case models.Binance, models.Bybit:
		return base + quote
	case models.Hyperliquid:
		return base
	default:
		return market
	}
}

// Canonical converts a venue symbol back to BASE/QUOTE where it can.
// Hyperliquid perpetuals are quoted in USD.
func Canonical(exchange models.Exchange, sym string) string {
	sym = strings.ToUpper(strings.TrimSpace(sym))

	switch exchange {
	case models.Kraken:
		base, quote, ok := split(sym)
		if !ok {
			return sym
		}
		for canonical, alias := range krakenAssets {
			if base == alias {
				base = canonical
			}
		}
		return base + "/" + quote
	case models.Coinbase, models.OKX:
		sym = strings.TrimSuffix(sym, "-SWAP")
		return strings.Replace(sym, "-", "/", 1)
	case models.Binance, models.Bybit:
		for _, q := range knownQuotes {
			if strings.HasSuffix(sym, q) && len(sym) > len(q) {
				return strings.TrimSuffix(sym, q) + "/" + q
			}
		}
		return sym
	case models.Hyperliquid:
		if strings.Contains(sym, "/") {
			return sym
		}
		return sym + "/USD"
	default:
		return sym
	}
}

func split(market string) (string, string, bool) {
	base, quote, ok := strings.Cut(strings.ToUpper(strings.TrimSpace(market)), "/")
	if !ok || base == "" || quote == "" {
		return "", "", false
	}
	return base, quote, true
}
