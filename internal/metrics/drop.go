package metrics

import "cryptoagg/logger"

// DropMetric identifies the metric name emitted when data is discarded on purpose.
type DropMetric string

const (
	// DropMetricDuplicateTrade records trades at or below the tape's last sequence.
	DropMetricDuplicateTrade DropMetric = "duplicate_trades_dropped"
	// DropMetricUnsyncedDiff records book diffs discarded while no snapshot is applied.
	DropMetricUnsyncedDiff DropMetric = "unsynced_diffs_dropped"
	// DropMetricPendingOverflow records diffs discarded because the pre-snapshot buffer was full.
	DropMetricPendingOverflow DropMetric = "pending_diffs_dropped"
	// DropMetricResponse records async responses that could not be delivered after shutdown.
	DropMetricResponse DropMetric = "responses_dropped"
	// DropMetricRequest records async requests refused because the request queue was full.
	DropMetricRequest DropMetric = "requests_dropped"
	// DropMetricUndecodable records tape frames the adapter could not parse.
	DropMetricUndecodable DropMetric = "undecodable_frames_dropped"
)

// EmitDropMetric logs and emits a metric representing one discarded item.
// Optional metadata (exchange, kind, market, stage) is attached when provided
// so drops can be aggregated per channel.
func EmitDropMetric(log *logger.Log, metric DropMetric, exchange, kind, market, stage string) {
	fields := logger.Fields{}
	if exchange != "" {
		fields["exchange"] = exchange
	}
	if kind != "" {
		fields["kind"] = kind
	}
	if market != "" {
		fields["market"] = market
	}
	if stage != "" {
		fields["stage"] = stage
	}

	EmitMetric(log, "drops", string(metric), 1, "counter", fields)
}
