package llm

import (
	"net"
	"net/http"
	"time"

	"floorbot/internal/infra/config"
)

// Client defaults for model APIs: a handful of hosts, slow responses.
const (
	defaultConnTimeout     = 30 * time.Second
	defaultRespTimeout     = 120 * time.Second
	defaultIdleConns       = 20
	defaultIdleConnsPerHst = 10
	defaultConnsPerHost    = 20
	defaultIdleConnTimeout = 2 * time.Minute
)

// NewHTTPClient returns a client with a pooled transport. The overall
// request timeout is the connect plus response timeout.
func NewHTTPClient(cfg config.ProviderConfig) *http.Client {
	connTimeout := orDefault(cfg.ConnTimeout, defaultConnTimeout)
	respTimeout := orDefault(cfg.RespTimeout, defaultRespTimeout)
	return &http.Client{
		Transport: newTransport(connTimeout, respTimeout, cfg.Pool),
		Timeout:   connTimeout + respTimeout,
	}
}

func newTransport(connTimeout, respTimeout time.Duration, pool config.PoolConfig) *http.Transport {
	dialer := &net.Dialer{Timeout: connTimeout, KeepAlive: 30 * time.Second}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: respTimeout,
		MaxIdleConns:          orDefault(pool.MaxIdleConns, defaultIdleConns),
		MaxIdleConnsPerHost:   orDefault(pool.MaxIdleConnsPerHost, defaultIdleConnsPerHst),
		MaxConnsPerHost:       orDefault(pool.MaxConnsPerHost, defaultConnsPerHost),
		IdleConnTimeout:       orDefault(pool.IdleConnTimeout, defaultIdleConnTimeout),
		ForceAttemptHTTP2:     true,
	}
}

func orDefault[T int | time.Duration](v, def T) T {
	if v > 0 {
		return v
	}
	return def
}
