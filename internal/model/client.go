package model

import (
	"net"
	"net/http"
	"time"
)

// UserAgentClient stamps every request with a fixed User-Agent.
type UserAgentClient struct {
	client    *http.Client
	userAgent string
}

// Do sends req with the configured User-Agent.
func (c *UserAgentClient) Do(req *http.Request) (*http.Response, error) {
	if c.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	return c.client.Do(req)
}

// NewHTTPClient returns the download client. Only connection setup is
// bounded by dialTimeout; the transfer itself is cancelled through the
// operation's context.
func NewHTTPClient(userAgent string, dialTimeout time.Duration) *UserAgentClient {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if dialTimeout > 0 {
		transport.DialContext = (&net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}).DialContext
		transport.TLSHandshakeTimeout = dialTimeout
		transport.ResponseHeaderTimeout = dialTimeout
	}
	return &UserAgentClient{
		client:    &http.Client{Transport: transport},
		userAgent: userAgent,
	}
}
