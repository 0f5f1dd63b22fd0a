package metrics

import (
	"context"
	"time"

	"cryptoagg/logger"
)

// ConnectionStats is a point-in-time view of one channel connection.
type ConnectionStats struct {
	Channel      string
	Exchange     string
	ConnectionID string
	State        string
	Frames       uint64
	Reconnects   uint64
	Resyncs      uint64
	Queued       int
	QueueCap     int
}

// StartConnectionMetrics emits per-connection gauges every interval until ctx
// is cancelled. source is called on the metrics goroutine and must be safe for
// concurrent use. When interval <= 0 a ten second cadence is used.
func StartConnectionMetrics(ctx context.Context, source func() []ConnectionStats, interval time.Duration) {
	if !IsFeatureEnabled(FeatureConnectionStats) {
		return
	}
	if source == nil {
		return
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}

	log := logger.GetLogger()
	ticker := time.NewTicker(interval)
	component := "connections"

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				emitConnectionStats(log, component, source())
			}
		}
	}()
}

func emitConnectionStats(log *logger.Log, component string, stats []ConnectionStats) {
	active := 0
	for _, st := range stats {
		if st.State == "subscribed" {
			active++
		}
		fields := logger.Fields{
			"channel":       st.Channel,
			"exchange":      st.Exchange,
			"connection_id": st.ConnectionID,
			"state":         st.State,
		}
		EmitMetric(log, component, "connection_frames", st.Frames, "gauge", fields)
		EmitMetric(log, component, "connection_reconnects", st.Reconnects, "gauge", fields)
		EmitMetric(log, component, "connection_resyncs", st.Resyncs, "gauge", fields)
		EmitMetric(log, component, "connection_frame_buffer_length", st.Queued, "gauge", logger.Fields{
			"channel":  st.Channel,
			"capacity": st.QueueCap,
		})
	}
	EmitMetric(log, component, "ActiveConnections", active, "gauge", nil)
}
