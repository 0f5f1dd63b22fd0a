package channel

import (
	"sync"
	"time"

	"cryptoagg/internal/metrics"
	"cryptoagg/models"
)

// Stats counts what one connection has seen since it was created.
type Stats struct {
	Frames        uint64
	Bytes         uint64
	Events        uint64
	TradesDropped uint64
	DiffsDropped  uint64
	Desyncs       uint64
	DecodeErrors  uint64
	Reconnects    uint64
	Resyncs       uint64
	State         models.ConnectionState
	LastFrame     time.Time
}

type statsHolder struct {
	stats      Stats
	statsMutex sync.RWMutex
}

func (h *statsHolder) update(fn func(*Stats)) {
	h.statsMutex.Lock()
	fn(&h.stats)
	h.statsMutex.Unlock()
}

func (h *statsHolder) snapshot() Stats {
	h.statsMutex.RLock()
	defer h.statsMutex.RUnlock()
	return h.stats
}

// Stats returns a copy of the connection counters. It is safe to call from
// any goroutine.
func (c *Connection) Stats() Stats {
	return c.stats.snapshot()
}

// MetricStats adapts Stats for the periodic connection metrics.
func (c *Connection) MetricStats() metrics.ConnectionStats {
	st := c.stats.snapshot()
	return metrics.ConnectionStats{
		Channel:      c.ch.String(),
		Exchange:     c.ch.Exchange.String(),
		ConnectionID: c.id,
		State:        st.State.String(),
		Frames:       st.Frames,
		Reconnects:   st.Reconnects,
		Resyncs:      st.Resyncs,
		Queued:       len(c.queries),
		QueueCap:     cap(c.queries),
	}
}
