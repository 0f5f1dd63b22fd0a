package transport

import (
	"net"
	"net/http"
	"time"
)

type userAgentTransport struct {
	agent string
	base  http.RoundTripper
}

func (t userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.agent)
	return t.base.RoundTrip(req)
}

// NewHTTPClient returns a REST client sharing the websocket source IP and
// user agent settings, used for venue snapshot endpoints.
func NewHTTPClient(opts WebsocketOptions, timeout time.Duration) *http.Client {
	base := http.DefaultTransport.(*http.Transport).Clone()
	if opts.LocalIP != "" {
		if ip := net.ParseIP(opts.LocalIP); ip != nil {
			base.DialContext = (&net.Dialer{LocalAddr: &net.TCPAddr{IP: ip}}).DialContext
		}
	}

	var rt http.RoundTripper = base
	if opts.UserAgent != "" {
		rt = userAgentTransport{agent: opts.UserAgent, base: base}
	}
	return &http.Client{Transport: rt, Timeout: timeout}
}
