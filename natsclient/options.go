package natsclient

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/idompolo/call-agent-sub001/metric"
	"github.com/idompolo/call-agent-sub001/pkg/retry"
)

// ClientOption configures a Client in NewClient. An option error aborts
// construction.
type ClientOption func(*Client) error

// durationOption builds an option for a duration field that must be
// positive, or non-negative when zero has a meaning of its own.
func durationOption(name string, d time.Duration, allowZero bool, set func(*Client)) ClientOption {
	return func(c *Client) error {
		if d < 0 || (d == 0 && !allowZero) {
			return fmt.Errorf("%s must be positive, got %v", name, d)
		}
		set(c)
		return nil
	}
}

// WithReconnectWait is the pause between the library's own reconnect
// attempts on an established connection.
func WithReconnectWait(d time.Duration) ClientOption {
	return durationOption("reconnect wait", d, false, func(c *Client) { c.reconnectWait = d })
}

func WithPingInterval(d time.Duration) ClientOption {
	return durationOption("ping interval", d, false, func(c *Client) { c.pingInterval = d })
}

// WithHealthInterval sets how often RTT is sampled; zero disables sampling.
func WithHealthInterval(d time.Duration) ClientOption {
	return durationOption("health interval", d, true, func(c *Client) { c.healthInterval = d })
}

// WithTimeout bounds each dial.
func WithTimeout(d time.Duration) ClientOption {
	return durationOption("timeout", d, false, func(c *Client) { c.timeout = d })
}

func WithDrainTimeout(d time.Duration) ClientOption {
	return durationOption("drain timeout", d, false, func(c *Client) { c.drainTimeout = d })
}

// WithDeliveryTimeout bounds the context handed to each subscription handler.
func WithDeliveryTimeout(d time.Duration) ClientOption {
	return durationOption("delivery timeout", d, false, func(c *Client) { c.deliveryTimeout = d })
}

// WithLogger sets the structured logger. nil keeps slog.Default.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) error {
		if logger != nil {
			c.logger = logger
		}
		return nil
	}
}

// WithCircuitBreakerThreshold opens the breaker after threshold consecutive
// dial failures. Values below one select 5.
func WithCircuitBreakerThreshold(threshold int32) ClientOption {
	return func(c *Client) error {
		c.circuitThreshold = max(threshold, 0)
		if c.circuitThreshold == 0 {
			c.circuitThreshold = 5
		}
		return nil
	}
}

// WithMaxBackoff caps the breaker backoff. Values under a second select one
// minute.
func WithMaxBackoff(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d < time.Second {
			d = time.Minute
		}
		c.maxBackoff = d
		return nil
	}
}

// WithRetryPolicy replaces the background redial policy. MaxAttempts is
// forced to unbounded so the client never stops trying on its own.
func WithRetryPolicy(cfg retry.Config) ClientOption {
	return func(c *Client) error {
		if cfg.InitialDelay < 0 || cfg.MaxDelay < 0 {
			return fmt.Errorf("retry delays must not be negative")
		}
		cfg.MaxAttempts = retry.Unbounded
		c.retryPolicy = cfg
		return nil
	}
}

// WithCredentials authenticates with user and password. Both must be set
// for them to be sent.
func WithCredentials(username, password string) ClientOption {
	return func(c *Client) error {
		c.username, c.password = username, password
		return nil
	}
}

func WithToken(token string) ClientOption {
	return func(c *Client) error {
		c.token = token
		return nil
	}
}

// WithTLSConfig secures the connection with a prepared config, typically
// from tlsutil.Client.
func WithTLSConfig(tc *tls.Config) ClientOption {
	return func(c *Client) error {
		if tc == nil {
			return fmt.Errorf("tls config is nil")
		}
		c.tlsConfig = tc
		return nil
	}
}

func WithCompression(enabled bool) ClientOption {
	return func(c *Client) error {
		c.compression = enabled
		return nil
	}
}

// WithMetrics reports transport state, reconnects, RTT, circuit breaker
// and message counts. nil disables reporting.
func WithMetrics(metrics *metric.Metrics) ClientOption {
	return func(c *Client) error {
		c.metrics = metrics
		return nil
	}
}
