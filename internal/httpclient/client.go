// Package httpclient builds the pooled transport used to reach the backend.
package httpclient

import (
	"net"
	"net/http"
	"time"
)

// Config tunes the backend transport. Zero fields take the Defaults values.
type Config struct {
	// MaxIdleConns is also the per-host limit: there is one backend host.
	MaxIdleConns    int
	IdleConnTimeout time.Duration
	DialTimeout     time.Duration
	KeepAlive       time.Duration
	// HeaderTimeout bounds the wait for the status line. A local backend
	// loads the model before it answers.
	HeaderTimeout time.Duration
}

// Defaults returns the transport settings for a backend on the same host.
func Defaults() Config {
	return Config{
		MaxIdleConns:    100,
		IdleConnTimeout: 90 * time.Second,
		DialTimeout:     5 * time.Second,
		KeepAlive:       30 * time.Second,
		HeaderTimeout:   300 * time.Second,
	}
}

// New returns a client without an overall timeout. Streams can run for
// minutes, so every call is bounded by its context instead.
func New(cfg Config) *http.Client {
	def := Defaults()
	cfg.MaxIdleConns = or(cfg.MaxIdleConns, def.MaxIdleConns)
	cfg.IdleConnTimeout = or(cfg.IdleConnTimeout, def.IdleConnTimeout)
	cfg.DialTimeout = or(cfg.DialTimeout, def.DialTimeout)
	cfg.KeepAlive = or(cfg.KeepAlive, def.KeepAlive)
	cfg.HeaderTimeout = or(cfg.HeaderTimeout, def.HeaderTimeout)

	dialer := &net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: cfg.KeepAlive}
	return &http.Client{Transport: &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConns,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		ResponseHeaderTimeout: cfg.HeaderTimeout,
		ExpectContinueTimeout: time.Second,
	}}
}

func or[T comparable](v, fallback T) T {
	var zero T
	if v == zero {
		return fallback
	}
	return v
}
