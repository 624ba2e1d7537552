package upstream

import (
	"net"
	"net/http"
	"time"
)

// NewHTTPTransport returns a pooled transport for a single upstream host.
// maxConns caps the connections to that host; zero means 64.
//
// There is no response header timeout: completions can take tens of seconds
// before the first byte, and the per-call timeout bounds the whole exchange.
func NewHTTPTransport(maxConns int) *http.Transport {
	if maxConns <= 0 {
		maxConns = 64
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          maxConns,
		MaxIdleConnsPerHost:   maxConns,
		MaxConnsPerHost:       maxConns,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
