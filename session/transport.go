package session

import (
	"net/url"
	"strings"

	"github.com/idompolo/call-agent-sub001/config"
	"github.com/idompolo/call-agent-sub001/errors"
	"github.com/idompolo/call-agent-sub001/metric"
	"github.com/idompolo/call-agent-sub001/natsclient"
	"github.com/idompolo/call-agent-sub001/pkg/tlsutil"
	"github.com/idompolo/call-agent-sub001/relay"
	"github.com/idompolo/call-agent-sub001/transport"
)

// NewTransport builds the transport selected by cfg.Transport.Mode. Client
// TLS settings apply to NATS when nats.tls is set and to the relay when its
// URL is wss:// or client TLS is configured.
func NewTransport(cfg *config.Config, deps Deps) (transport.Transport, error) {
	if cfg == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "session", "NewTransport", "config is required")
	}
	var metrics *metric.Metrics
	if deps.Registry != nil {
		metrics = deps.Registry.CoreMetrics()
	}

	switch cfg.Transport.Mode {
	case config.TransportNATS:
		return newNATSTransport(cfg, deps, metrics)
	case config.TransportRelay:
		return newRelayTransport(cfg, deps, metrics)
	default:
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "session", "NewTransport",
			"unknown transport mode "+cfg.Transport.Mode)
	}
}

func newNATSTransport(cfg *config.Config, deps Deps, metrics *metric.Metrics) (transport.Transport, error) {
	nc := cfg.NATS
	opts := []natsclient.ClientOption{
		natsclient.WithMetrics(metrics),
		natsclient.WithReconnectWait(nc.ReconnectWait.Std()),
		natsclient.WithTimeout(nc.Timeout.Std()),
	}
	if deps.Logger != nil {
		opts = append(opts, natsclient.WithLogger(deps.Logger))
	}
	if nc.Username != "" {
		opts = append(opts, natsclient.WithCredentials(nc.Username, nc.Password))
	}
	if nc.Token != "" {
		opts = append(opts, natsclient.WithToken(nc.Token))
	}
	if nc.TLS {
		tc, err := tlsutil.Client(cfg.Security.TLS.Client)
		if err != nil {
			return nil, errors.Wrap(err, "session", "NewTransport", "nats tls")
		}
		opts = append(opts, natsclient.WithTLSConfig(tc))
	}

	client, err := natsclient.NewClient(strings.Join(nc.URLs, ","), opts...)
	if err != nil {
		return nil, errors.Wrap(err, "session", "NewTransport", "create nats client")
	}
	return client, nil
}

func newRelayTransport(cfg *config.Config, deps Deps, metrics *metric.Metrics) (transport.Transport, error) {
	opts := []relay.Option{
		relay.WithMetrics(metrics),
		relay.WithRequestTimeout(cfg.Relay.RequestTimeout.Std()),
	}
	if deps.Logger != nil {
		opts = append(opts, relay.WithLogger(deps.Logger))
	}
	u, err := url.Parse(cfg.Relay.URL)
	if err != nil {
		return nil, errors.WrapInvalid(err, "session", "NewTransport", "parse relay url")
	}
	if u.Scheme == "wss" || cfg.Security.TLS.Client.Enabled() {
		opts = append(opts, relay.WithTLS(cfg.Security.TLS.Client))
	}

	client, err := relay.NewClient(cfg.Relay.URL, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "session", "NewTransport", "create relay client")
	}
	return client, nil
}
