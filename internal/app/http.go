package app

import (
	"net"
	"net/http"
	"time"
)

// newHTTPClient returns the client shared by every provider. Per-call
// deadlines come from the request context; the client timeout only guards
// against hangs that outlive the longest provider ceiling.
func newHTTPClient(userAgent string) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   32, // a handful of provider hosts, many concurrent queries
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Transport: &userAgentTransport{base: transport, userAgent: userAgent},
		Timeout:   90 * time.Second,
	}
}

// userAgentTransport sets a default User-Agent on requests that carry none.
type userAgentTransport struct {
	base      http.RoundTripper
	userAgent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.userAgent)
	}
	return t.base.RoundTrip(req)
}
