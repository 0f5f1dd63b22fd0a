package rate

import (
	"fmt"
	"strings"

	"cryptoagg/logger"
	"cryptoagg/models"
)

// ReportRateLimitExceeded increments the rate limit exceeded counter for the given
// exchange and channel kind. Additional fields such as exchange, market, ip and
// kind are attached to the log entry.
func ReportRateLimitExceeded(log *logger.Log, exchange models.Exchange, market, ip, kind string) {
	component := fmt.Sprintf("%s_%s", exchange, strings.ToLower(kind))
	l := log.WithComponent(component)
	fields := logger.Fields{
		"exchange": exchange.String(),
		"market":   market,
		"ip":       ip,
		"kind":     strings.ToLower(kind),
	}
	l.LogMetric(component, "rate_limit_exceeded", int64(1), "counter", fields)
	l.WithFields(fields).Warn("rate limit exceeded")
}

// ReportIPBan increments the IP ban counter for the given exchange and channel kind.
func ReportIPBan(log *logger.Log, exchange models.Exchange, market, ip, kind string) {
	component := fmt.Sprintf("%s_%s", exchange, strings.ToLower(kind))
	l := log.WithComponent(component)
	fields := logger.Fields{
		"exchange": exchange.String(),
		"market":   market,
		"ip":       ip,
		"kind":     strings.ToLower(kind),
	}
	l.LogMetric(component, "ip_ban", int64(1), "counter", fields)
	l.WithFields(fields).Error("ip banned")
}

// detectLimit inspects a message returned from an exchange and determines whether
// it signals a rate limit exceed or an IP ban. Each venue uses different wording.
func detectLimit(exchange models.Exchange, msg string) (rateLimit bool, ipBan bool) {
	lowerMsg := strings.ToLower(msg)
	switch exchange {
	case models.Binance:
		rateLimit = strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "rate limit")
		ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban")
	case models.OKX:
		rateLimit = strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "frequency limit")
		ipBan = strings.Contains(lowerMsg, "ip") && (strings.Contains(lowerMsg, "blocked") || strings.Contains(lowerMsg, "ban"))
	case models.Bybit:
		ipBan = strings.Contains(lowerMsg, "ip rate limit") || (strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban"))
		rateLimit = !ipBan && (strings.Contains(lowerMsg, "rate limit") || strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "too many visits"))
	case models.Kraken:
		rateLimit = strings.Contains(lowerMsg, "rate limit") || strings.Contains(lowerMsg, "too many requests")
		ipBan = strings.Contains(lowerMsg, "temporary lockout")
	case models.Coinbase:
		rateLimit = strings.Contains(lowerMsg, "rate limit") || strings.Contains(lowerMsg, "too many")
		ipBan = strings.Contains(lowerMsg, "ip") && (strings.Contains(lowerMsg, "blocked") || strings.Contains(lowerMsg, "ban"))
	default:
		rateLimit = strings.Contains(lowerMsg, "rate limit") || strings.Contains(lowerMsg, "too many requests")
		ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban")
	}
	return
}

// ReportLimitFromMessage checks the provided message for rate limit or IP ban
// events and records the matching metrics. It reports whether anything matched.
func ReportLimitFromMessage(log *logger.Log, exchange models.Exchange, market, ip, kind, msg string) bool {
	if msg == "" {
		return false
	}
	rateLimit, ipBan := detectLimit(exchange, msg)
	if rateLimit {
		ReportRateLimitExceeded(log, exchange, market, ip, kind)
	}
	if ipBan {
		ReportIPBan(log, exchange, market, ip, kind)
	}
	return rateLimit || ipBan
}
