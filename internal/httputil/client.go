package httputil

import (
	"net/http"
	"time"
)

// NewClient builds an HTTP client with shared transport settings so that
// webhook delivery and provider API calls reuse connections.
func NewClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}
