package symbols

import (
	"testing"

	"cryptoagg/models"
)

func TestToVenue(t *testing.T) {
	tests := []struct {
		exchange models.Exchange
		in       string
		want     string
	}{
		{models.Kraken, "BTC/USD", "XBT/USD"},
		{models.Kraken, "SOL/USD", "SOL/USD"},
		{models.Kraken, "XBT/USD", "XBT/USD"},
		{models.Coinbase, "btc/usd", "BTC-USD"},
		{models.Coinbase, "ETH-USD", "ETH-USD"},
		{models.Binance, "SOL/USDT", "SOLUSDT"},
		{models.Bybit, "BTC/USDT", "BTCUSDT"},
		{models.OKX, "BTC/USDT", "BTC-USDT"},
		{models.Hyperliquid, "SOL/USD", "SOL"},
		{models.Hyperliquid, "SOL", "SOL"},
	}
	for _, tt := range tests {
		if got := ToVenue(tt.exchange, tt.in); got != tt.want {
			t.Errorf("ToVenue(%s,%s)=%s want %s", tt.exchange, tt.in, got, tt.want)
		}
	}
}

func TestCanonical(t *testing.T) {
	tests := []struct {
		exchange models.Exchange
		in       string
		want     string
	}{
		{models.Kraken, "XBT/USD", "BTC/USD"},
		{models.Kraken, "XDG/USD", "DOGE/USD"},
		{models.Coinbase, "BTC-USD", "BTC/USD"},
		{models.OKX, "BTC-USDT-SWAP", "BTC/USDT"},
		{models.Binance, "solusdt", "SOL/USDT"},
		{models.Binance, "ETHBTC", "ETH/BTC"},
		{models.Bybit, "BTCUSDC", "BTC/USDC"},
		{models.Hyperliquid, "SOL", "SOL/USD"},
	}
	for _, tt := range tests {
		if got := Canonical(tt.exchange, tt.in); got != tt.want {
			t.Errorf("Canonical(%s,%s)=%s want %s", tt.exchange, tt.in, got, tt.want)
		}
	}
}
