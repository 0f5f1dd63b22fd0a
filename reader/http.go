package reader

import (
	"net/http"

	"cryptoagg/config"
	"cryptoagg/models"
	"cryptoagg/transport"
)

func newHTTPClient(ex models.Exchange, cfg *config.Config) *http.Client {
	return transport.NewHTTPClient(transport.WebsocketOptions{
		HandshakeTimeout: cfg.Connection.HandshakeTimeout,
		LocalIP:          cfg.LocalIP(ex),
		UserAgent:        cfg.Connection.UserAgent,
	}, cfg.Connection.SnapshotTimeout)
}
