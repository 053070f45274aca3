package relay

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/idompolo/call-agent-sub001/metric"
	"github.com/idompolo/call-agent-sub001/pkg/retry"
	"github.com/idompolo/call-agent-sub001/pkg/security"
	"github.com/idompolo/call-agent-sub001/pkg/tlsutil"
)

// Option configures a Client.
type Option func(*Client) error

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) error {
		if logger != nil {
			c.logger = logger
		}
		return nil
	}
}

// WithMetrics records transport metrics under the "relay" label.
func WithMetrics(m *metric.Metrics) Option {
	return func(c *Client) error {
		c.metrics = m
		return nil
	}
}

// WithRequestTimeout bounds the wait for an ack or nack.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("request timeout must be positive, got %v", d)
		}
		c.requestTimeout = d
		return nil
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("write timeout must be positive, got %v", d)
		}
		c.writeTimeout = d
		return nil
	}
}

func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("handshake timeout must be positive, got %v", d)
		}
		c.dialer.HandshakeTimeout = d
		return nil
	}
}

// WithTLS sets the TLS config used when dialing a wss:// bridge.
func WithTLS(cfg security.ClientTLSConfig) Option {
	return func(c *Client) error {
		tc, err := tlsutil.Client(cfg)
		if err != nil {
			return err
		}
		c.dialer.TLSClientConfig = tc
		return nil
	}
}

// WithHeader adds headers to the websocket handshake, for example an
// authorization token expected by the bridge.
func WithHeader(h http.Header) Option {
	return func(c *Client) error {
		c.header = h.Clone()
		return nil
	}
}

// WithRedialPolicy sets the link redial backoff. The link always redials
// until Disconnect, so MaxAttempts is forced to retry.Unbounded.
func WithRedialPolicy(cfg retry.Config) Option {
	return func(c *Client) error {
		if cfg.InitialDelay < 0 || cfg.MaxDelay < 0 {
			return fmt.Errorf("redial delays must not be negative")
		}
		cfg.MaxAttempts = retry.Unbounded
		c.retryPolicy = cfg
		return nil
	}
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge) error

func WithBridgeLogger(logger *slog.Logger) BridgeOption {
	return func(b *Bridge) error {
		if logger != nil {
			b.logger = logger
		}
		return nil
	}
}

func WithBridgeMetrics(m *metric.Metrics) BridgeOption {
	return func(b *Bridge) error {
		b.metrics = m
		return nil
	}
}

// WithBridgeRequestTimeout bounds each upstream call made for a request.
func WithBridgeRequestTimeout(d time.Duration) BridgeOption {
	return func(b *Bridge) error {
		if d <= 0 {
			return fmt.Errorf("request timeout must be positive, got %v", d)
		}
		b.requestTimeout = d
		return nil
	}
}

func WithBridgeWriteTimeout(d time.Duration) BridgeOption {
	return func(b *Bridge) error {
		if d <= 0 {
			return fmt.Errorf("write timeout must be positive, got %v", d)
		}
		b.writeTimeout = d
		return nil
	}
}

// WithBridgeRateLimit caps each session at perSecond requests with bursts
// of up to burst. A zero rate removes the limit.
func WithBridgeRateLimit(perSecond float64, burst int) BridgeOption {
	return func(b *Bridge) error {
		if perSecond < 0 {
			return fmt.Errorf("request rate must not be negative, got %v", perSecond)
		}
		if perSecond > 0 && burst < 1 {
			return fmt.Errorf("request burst must be at least 1, got %d", burst)
		}
		b.requestRate = rate.Limit(perSecond)
		b.requestBurst = burst
		return nil
	}
}

// WithCheckOrigin replaces the same-origin check on the upgrade.
func WithCheckOrigin(fn func(r *http.Request) bool) BridgeOption {
	return func(b *Bridge) error {
		b.upgrader.CheckOrigin = fn
		return nil
	}
}
