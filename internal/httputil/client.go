// Package httputil builds tuned HTTP clients for provider adapters.
package httputil

import (
	"net"
	"net/http"
	"time"
)

// Default per-call timeouts by kind of backend.
const (
	CloudTimeout  = 120 * time.Second
	LocalTimeout  = 60 * time.Second
	RouterTimeout = 30 * time.Second
)

type ClientConfig struct {
	Timeout               time.Duration
	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	IdleConnTimeout       time.Duration
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
}

func DefaultConfig() ClientConfig {
	return ClientConfig{
		Timeout:               CloudTimeout,
		DialTimeout:           10 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: CloudTimeout,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
	}
}

// ConfigWithTimeout returns the defaults with an overall timeout. Non
// streaming completions only send headers once generation is done, so the
// header timeout follows the overall one.
func ConfigWithTimeout(timeout time.Duration) ClientConfig {
	cfg := DefaultConfig()
	cfg.Timeout = timeout
	cfg.ResponseHeaderTimeout = timeout
	return cfg
}

func NewClient(cfg ClientConfig) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		ForceAttemptHTTP2:     true,
	}

	return &http.Client{
		Timeout:   cfg.Timeout,
		Transport: transport,
	}
}

func DefaultClient() *http.Client {
	return NewClient(DefaultConfig())
}
