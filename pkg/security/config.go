// Package security holds the TLS settings shared by the relay bridge and
// the relay and NATS clients.
package security

// Config is the security section of the process configuration.
type Config struct {
	TLS TLSConfig `json:"tls,omitempty" yaml:"tls,omitempty"`
}

// TLSConfig splits server settings (the bridge's websocket listener) from
// client settings (connections to the bridge or to NATS).
type TLSConfig struct {
	Server ServerTLSConfig `json:"server,omitempty" yaml:"server,omitempty"`
	Client ClientTLSConfig `json:"client,omitempty" yaml:"client,omitempty"`
}

// ServerTLSConfig enables wss:// on the bridge.
type ServerTLSConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	CertFile   string `json:"cert_file,omitempty" yaml:"cert_file,omitempty"`
	KeyFile    string `json:"key_file,omitempty" yaml:"key_file,omitempty"`
	MinVersion string `json:"min_version,omitempty" yaml:"min_version,omitempty"` // "1.2" or "1.3"

	MTLS ServerMTLSConfig `json:"mtls,omitempty" yaml:"mtls,omitempty"`
}

// ServerMTLSConfig makes the bridge verify client certificates.
type ServerMTLSConfig struct {
	Enabled           bool     `json:"enabled" yaml:"enabled"`
	ClientCAFiles     []string `json:"client_ca_files,omitempty" yaml:"client_ca_files,omitempty"`
	RequireClientCert bool     `json:"require_client_cert,omitempty" yaml:"require_client_cert,omitempty"`
	AllowedClientCNs  []string `json:"allowed_client_cns,omitempty" yaml:"allowed_client_cns,omitempty"`
}

// ClientTLSConfig applies to outbound connections. The system CA bundle is
// always trusted; CAFiles are added to it.
type ClientTLSConfig struct {
	CAFiles            []string `json:"ca_files,omitempty" yaml:"ca_files,omitempty"`
	InsecureSkipVerify bool     `json:"insecure_skip_verify,omitempty" yaml:"insecure_skip_verify,omitempty"` // development only
	MinVersion         string   `json:"min_version,omitempty" yaml:"min_version,omitempty"`

	MTLS ClientMTLSConfig `json:"mtls,omitempty" yaml:"mtls,omitempty"`
}

// ClientMTLSConfig supplies the client certificate presented to servers.
type ClientMTLSConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	CertFile string `json:"cert_file,omitempty" yaml:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty" yaml:"key_file,omitempty"`
}

// Enabled reports whether the client side has anything beyond defaults.
func (c ClientTLSConfig) Enabled() bool {
	return len(c.CAFiles) > 0 || c.InsecureSkipVerify || c.MinVersion != "" || c.MTLS.Enabled
}
