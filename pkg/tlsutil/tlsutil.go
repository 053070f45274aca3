// Package tlsutil turns security.Config sections into *tls.Config values for
// the relay bridge listener and the relay and NATS clients.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"slices"

	"github.com/idompolo/call-agent-sub001/errors"
	"github.com/idompolo/call-agent-sub001/pkg/security"
)

// Server builds the listener config. It returns nil, nil when TLS is off.
// Client certificates are verified when cfg.MTLS is enabled.
func Server(cfg security.ServerTLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, errors.WrapFatal(err, "tlsutil", "Server", "load certificate")
	}
	tc := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   minVersion(cfg.MinVersion),
	}
	if !cfg.MTLS.Enabled {
		return tc, nil
	}

	pool, err := loadPool(x509.NewCertPool(), cfg.MTLS.ClientCAFiles)
	if err != nil {
		return nil, errors.WrapFatal(err, "tlsutil", "Server", "load client CAs")
	}
	tc.ClientCAs = pool
	tc.ClientAuth = tls.VerifyClientCertIfGiven
	if cfg.MTLS.RequireClientCert {
		tc.ClientAuth = tls.RequireAndVerifyClientCert
	}
	if allowed := cfg.MTLS.AllowedClientCNs; len(allowed) > 0 {
		tc.VerifyPeerCertificate = func(_ [][]byte, chains [][]*x509.Certificate) error {
			return checkClientCN(chains, allowed)
		}
	}
	return tc, nil
}

// Client builds the config for outbound connections. The system roots are
// always trusted and cfg.CAFiles are added to them.
func Client(cfg security.ClientTLSConfig) (*tls.Config, error) {
	roots, err := x509.SystemCertPool()
	if err != nil {
		roots = x509.NewCertPool()
	}
	if roots, err = loadPool(roots, cfg.CAFiles); err != nil {
		return nil, errors.WrapFatal(err, "tlsutil", "Client", "load CAs")
	}

	tc := &tls.Config{
		RootCAs:            roots,
		MinVersion:         minVersion(cfg.MinVersion),
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // operator opt-in
	}
	if cfg.MTLS.Enabled {
		cert, err := tls.LoadX509KeyPair(cfg.MTLS.CertFile, cfg.MTLS.KeyFile)
		if err != nil {
			return nil, errors.WrapFatal(err, "tlsutil", "Client", "load client certificate")
		}
		tc.Certificates = []tls.Certificate{cert}
	}
	return tc, nil
}

func loadPool(pool *x509.CertPool, files []string) (*x509.CertPool, error) {
	for _, f := range files {
		pemData, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f, err)
		}
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("no certificates in %s", f)
		}
	}
	return pool, nil
}

func checkClientCN(chains [][]*x509.Certificate, allowed []string) error {
	if len(chains) == 0 || len(chains[0]) == 0 {
		return fmt.Errorf("no verified certificate chains")
	}
	cn := chains[0][0].Subject.CommonName
	if !slices.Contains(allowed, cn) {
		return fmt.Errorf("client certificate CN %q not allowed", cn)
	}
	return nil
}

// minVersion maps "1.3" to TLS 1.3; anything else is TLS 1.2.
func minVersion(v string) uint16 {
	if v == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}
