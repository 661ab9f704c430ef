package rpbridge

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/raphi011/rpbridge/internal/coordinator"
	"github.com/raphi011/rpbridge/internal/service"
)

type Option func(b *Bridge)

func WithLogger(log *slog.Logger) Option {
	return func(b *Bridge) {
		b.log = log
	}
}

// WithHTTPClient sets the http client of the default reporting client.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Bridge) {
		b.httpClient = c
	}
}

// WithClock replaces the clock used while waiting for the launch.
func WithClock(c coordinator.Clock) Option {
	return func(b *Bridge) {
		b.clock = c
	}
}

func WithHook(h Hook) Option {
	return func(b *Bridge) {
		b.hooks.all = append(b.hooks.all, h)
	}
}

// WithClientFactory replaces the reporting client. If the client has a
// Probe(ctx) error method it is used as the connectivity check.
func WithClientFactory(f service.ClientFactory) Option {
	return func(b *Bridge) {
		b.clientFactory = f
	}
}

// WithLaunchHandle replaces the handle configured by rp_launch_sync.
func WithLaunchHandle(h coordinator.Handle) Option {
	return func(b *Bridge) {
		b.handle = h
	}
}

// WithRetryDelay sets the initial delay between retries of failed calls.
func WithRetryDelay(d time.Duration) Option {
	return func(b *Bridge) {
		b.retryDelay = d
	}
}
