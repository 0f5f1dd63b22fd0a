package config

import (
	"fmt"
	"net"
	"strings"

	"cryptoagg/models"
)

// IPShard binds the connections of the listed exchanges to a source IP so
// per-IP venue limits can be spread over several addresses.
type IPShard struct {
	IP        string   `yaml:"ip"`
	Exchanges []string `yaml:"exchanges"`
}

// LocalIP returns the source IP configured for ex, or "" for the default
// route.
func (c *Config) LocalIP(ex models.Exchange) string {
	for _, shard := range c.Shards {
		for _, name := range shard.Exchanges {
			if parsed, err := models.ParseExchange(name); err == nil && parsed == ex {
				return strings.TrimSpace(shard.IP)
			}
		}
	}
	return ""
}

func validateShards(shards []IPShard) error {
	seen := make(map[models.Exchange]string)
	for i, shard := range shards {
		if net.ParseIP(strings.TrimSpace(shard.IP)) == nil {
			return fmt.Errorf("shards[%d].ip '%s' is invalid", i, shard.IP)
		}
		for _, name := range shard.Exchanges {
			ex, err := models.ParseExchange(name)
			if err != nil {
				return fmt.Errorf("shards[%d]: %w", i, err)
			}
			if prev, ok := seen[ex]; ok {
				return fmt.Errorf("shards[%d]: exchange %s already bound to %s", i, ex, prev)
			}
			seen[ex] = shard.IP
		}
	}
	return nil
}
