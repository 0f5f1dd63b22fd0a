package metrics

import (
	"strings"
	"sync"

	"cryptoagg/config"
)

// Feature groups metrics that can be switched off together.
type Feature string

const (
	// FeatureConnectionStats covers the periodic per-connection gauges.
	FeatureConnectionStats Feature = "connection_stats"
	// FeatureCore covers lifecycle counters, which are always on.
	FeatureCore Feature = "core"
)

var (
	featuresMu sync.RWMutex
	features   = map[Feature]bool{
		FeatureConnectionStats: true,
		FeatureCore:            true,
	}
)

// Configure applies the metrics section of the configuration.
func Configure(cfg config.MetricsConfig) {
	featuresMu.Lock()
	features[FeatureConnectionStats] = cfg.ConnectionStats
	featuresMu.Unlock()
}

// IsFeatureEnabled reports whether metrics of feature f are emitted.
func IsFeatureEnabled(f Feature) bool {
	featuresMu.RLock()
	defer featuresMu.RUnlock()
	enabled, ok := features[f]
	return !ok || enabled
}

func featureFor(name string) Feature {
	if strings.HasPrefix(name, "connection_") {
		return FeatureConnectionStats
	}
	return FeatureCore
}
