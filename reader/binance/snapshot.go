package binance

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cryptoagg/internal/symbols"
	"cryptoagg/logger"
	"cryptoagg/models"
)

// FetchSnapshot pulls the REST depth snapshot for ch. The snapshot Sequence
// is lastUpdateId, which the buffered diffs are bridged onto.
func (a *Adapter) FetchSnapshot(ctx context.Context, ch models.Channel) (models.OrderBookSnapshot, error) {
	sym := strings.ToUpper(symbols.ToVenue(models.Binance, ch.Market))
	log := logger.GetLogger().WithComponent("binance_snapshot").WithFields(logger.Fields{
		"symbol":    sym,
		"operation": "fetch_snapshot",
	})

	start := time.Now()
	resp, err := a.client.NewDepthService().Symbol(sym).Limit(a.limit).Do(ctx)
	if err != nil {
		return models.OrderBookSnapshot{}, &models.TransportError{Op: "snapshot", URL: a.client.BaseURL, Err: err}
	}
	logger.LogPerformanceEntry(log, "binance_snapshot", "api_request", time.Since(start), logger.Fields{
		"symbol": sym,
		"levels": len(resp.Bids) + len(resp.Asks),
	})

	snap := models.OrderBookSnapshot{
		Sequence:  resp.LastUpdateID,
		UpdatedAt: time.Now().UTC(),
		Bids:      make([]models.BookLevel, 0, len(resp.Bids)),
		Asks:      make([]models.BookLevel, 0, len(resp.Asks)),
	}
	for _, b := range resp.Bids {
		lvl, err := models.ParseLevel([]string{b.Price, b.Quantity})
		if err != nil {
			return models.OrderBookSnapshot{}, fmt.Errorf("binance snapshot bid: %w", err)
		}
		snap.Bids = append(snap.Bids, lvl)
	}
	for _, ask := range resp.Asks {
		lvl, err := models.ParseLevel([]string{ask.Price, ask.Quantity})
		if err != nil {
			return models.OrderBookSnapshot{}, fmt.Errorf("binance snapshot ask: %w", err)
		}
		snap.Asks = append(snap.Asks, lvl)
	}
	return snap, nil
}
