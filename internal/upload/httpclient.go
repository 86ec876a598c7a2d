package upload

import (
	"net"
	"net/http"
	"time"
)

// NewPooledHTTPClient creates the client used for service calls. timeout bounds
// the wait for response headers once the request body has been sent; the whole
// exchange is bounded only by the request context.
func NewPooledHTTPClient(poolSize int, timeout time.Duration) *http.Client {
	if poolSize <= 0 {
		poolSize = 1
	}
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			MaxIdleConnsPerHost:   poolSize,
			MaxConnsPerHost:       poolSize,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: timeout,
			ExpectContinueTimeout: time.Second,
			ForceAttemptHTTP2:     true,
		},
	}
}
