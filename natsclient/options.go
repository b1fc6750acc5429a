package natsclient

import (
	"log/slog"
	"time"

	"github.com/c360/capturekit/metric"
)

// Option is a functional option for configuring the Client
type Option func(*Client) error

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) error {
		if logger != nil {
			c.logger = logger.With("component", "natsclient")
		}
		return nil
	}
}

// WithMetrics wires the client into a shared metrics bundle.
func WithMetrics(m *metric.Metrics) Option {
	return func(c *Client) error {
		if m != nil {
			c.metrics = m
		}
		return nil
	}
}

// WithMaxReconnects sets the maximum reconnection attempts (-1 for infinite).
func WithMaxReconnects(n int) Option {
	return func(c *Client) error {
		c.maxReconnects = n
		return nil
	}
}

// WithReconnectWait sets the wait between reconnection attempts.
func WithReconnectWait(d time.Duration) Option {
	return func(c *Client) error {
		c.reconnectWait = d
		return nil
	}
}

// WithPingInterval sets the ping interval for connection health checks.
func WithPingInterval(d time.Duration) Option {
	return func(c *Client) error {
		c.pingInterval = d
		return nil
	}
}

// WithHealthInterval sets the RTT polling interval. Zero disables polling.
func WithHealthInterval(d time.Duration) Option {
	return func(c *Client) error {
		c.healthInterval = d
		return nil
	}
}

// WithTimeout sets the connection establishment timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		c.timeout = d
		return nil
	}
}

// WithDrainTimeout bounds how long Close waits for in-flight messages.
func WithDrainTimeout(d time.Duration) Option {
	return func(c *Client) error {
		c.drainTimeout = d
		return nil
	}
}

// WithClientName sets the connection name visible to the server.
func WithClientName(name string) Option {
	return func(c *Client) error {
		c.clientName = name
		return nil
	}
}

// WithCircuitBreakerThreshold sets the number of failures before opening circuit
func WithCircuitBreakerThreshold(threshold int32) Option {
	return func(c *Client) error {
		if threshold < 1 {
			threshold = 5
		}
		c.circuitThreshold = threshold
		return nil
	}
}

// WithMaxBackoff sets the maximum backoff duration for circuit breaker
func WithMaxBackoff(d time.Duration) Option {
	return func(c *Client) error {
		if d < time.Second {
			d = time.Minute
		}
		c.maxBackoff = d
		return nil
	}
}

// WithDisconnectCallback registers a disconnect hook.
func WithDisconnectCallback(fn func(error)) Option {
	return func(c *Client) error {
		c.onDisconnect = fn
		return nil
	}
}

// WithReconnectCallback registers a reconnect hook.
func WithReconnectCallback(fn func()) Option {
	return func(c *Client) error {
		c.onReconnect = fn
		return nil
	}
}

// WithHealthChangeCallback registers a hook for health transitions.
func WithHealthChangeCallback(fn func(healthy bool)) Option {
	return func(c *Client) error {
		c.onHealthChange = fn
		return nil
	}
}
