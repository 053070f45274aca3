package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/idompolo/call-agent-sub001/pkg/security"
)

// Transport modes.
const (
	TransportNATS  = "nats"  // direct connection to the broker
	TransportRelay = "relay" // through a host bridge over a websocket
)

// EnvPrefix prefixes every environment override, e.g. CALLAGENT_AGENT_ID.
const EnvPrefix = "CALLAGENT"

// Config is the complete process configuration.
type Config struct {
	Version    string           `json:"version,omitempty" yaml:"version,omitempty"` // semver of the config file
	Agent      AgentConfig      `json:"agent" yaml:"agent"`
	Transport  TransportConfig  `json:"transport" yaml:"transport"`
	NATS       NATSConfig       `json:"nats" yaml:"nats"`
	Relay      RelayConfig      `json:"relay" yaml:"relay"`
	Security   security.Config  `json:"security,omitempty" yaml:"security,omitempty"`
	Topics     TopicsConfig     `json:"topics" yaml:"topics"`
	Reconciler ReconcilerConfig `json:"reconciler" yaml:"reconciler"`
	Actions    ActionsConfig    `json:"actions" yaml:"actions"`
	Metrics    MetricsConfig    `json:"metrics" yaml:"metrics"`
	Log        LogConfig        `json:"log" yaml:"log"`
}

// AgentConfig identifies the logged-in call agent. ID may be left empty in
// files and supplied at start-up by flag or environment.
type AgentConfig struct {
	ID   string `json:"id,omitempty" yaml:"id,omitempty"`
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}

type TransportConfig struct {
	Mode string `json:"mode" yaml:"mode"` // "nats" or "relay"
}

// NATSConfig configures the direct transport.
type NATSConfig struct {
	URLs          []string `json:"urls" yaml:"urls"`
	Username      string   `json:"username,omitempty" yaml:"username,omitempty"`
	Password      string   `json:"password,omitempty" yaml:"password,omitempty"`
	Token         string   `json:"token,omitempty" yaml:"token,omitempty"`
	TLS           bool     `json:"tls,omitempty" yaml:"tls,omitempty"` // use security.tls.client
	ReconnectWait Duration `json:"reconnect_wait" yaml:"reconnect_wait"`
	Timeout       Duration `json:"timeout" yaml:"timeout"`
}

// RelayConfig configures both ends of the relay: URL is dialed by the
// agent process, Listen and Path are served by the bridge.
type RelayConfig struct {
	URL            string   `json:"url,omitempty" yaml:"url,omitempty"`
	Listen         string   `json:"listen,omitempty" yaml:"listen,omitempty"`
	Path           string   `json:"path,omitempty" yaml:"path,omitempty"`
	RequestTimeout Duration `json:"request_timeout" yaml:"request_timeout"`
	// RequestRate caps requests per second on each bridge session, with
	// bursts up to RequestBurst. Zero disables the limit.
	RequestRate  float64 `json:"request_rate" yaml:"request_rate"`
	RequestBurst int     `json:"request_burst" yaml:"request_burst"`
}

// TopicsConfig adjusts the inbound topic table. Overrides maps a topic to
// an event kind name such as "order-added"; an empty kind removes the
// topic from the table.
type TopicsConfig struct {
	LocationTopic string            `json:"location_topic,omitempty" yaml:"location_topic,omitempty"`
	Overrides     map[string]string `json:"overrides,omitempty" yaml:"overrides,omitempty"`
}

type ReconcilerConfig struct {
	ParkTTL   Duration `json:"park_ttl" yaml:"park_ttl"`
	DedupSize int      `json:"dedup_size" yaml:"dedup_size"`
}

type ActionsConfig struct {
	Workers        int      `json:"workers" yaml:"workers"`
	QueueSize      int      `json:"queue_size" yaml:"queue_size"`
	PublishTimeout Duration `json:"publish_timeout" yaml:"publish_timeout"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Port    int    `json:"port" yaml:"port"`
	Path    string `json:"path" yaml:"path"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// Defaults returns the configuration used before any layer is applied.
func Defaults() *Config {
	return &Config{
		Transport: TransportConfig{Mode: TransportNATS},
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			ReconnectWait: Duration(2 * time.Second),
			Timeout:       Duration(5 * time.Second),
		},
		Relay: RelayConfig{
			Listen:         ":8765",
			Path:           "/relay",
			RequestTimeout: Duration(10 * time.Second),
			RequestRate:    50,
			RequestBurst:   20,
		},
		Reconciler: ReconcilerConfig{
			ParkTTL:   Duration(30 * time.Second),
			DedupSize: 4096,
		},
		Actions: ActionsConfig{
			Workers:        2,
			QueueSize:      64,
			PublishTimeout: Duration(5 * time.Second),
		},
		Metrics: MetricsConfig{Enabled: true, Port: 9090, Path: "/metrics"},
		Log:     LogConfig{Level: "info", Format: "json"},
	}
}

// SafeConfig provides thread-safe access to configuration
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = Defaults()
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update swaps in cfg after validating it. The previous configuration stays
// in place when validation fails.
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg.Clone()
	return nil
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return Defaults()
	}
	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// Validate checks the configuration for values the process cannot run with.
func (c *Config) Validate() error {
	if c.Version != "" {
		if _, _, _, err := parseSemVer(c.Version); err != nil {
			return fmt.Errorf("version: %w", err)
		}
	}

	switch c.Transport.Mode {
	case TransportNATS:
		if len(c.NATS.URLs) == 0 {
			return errors.New("nats.urls is required for the nats transport")
		}
		for i, u := range c.NATS.URLs {
			if strings.TrimSpace(u) == "" {
				return fmt.Errorf("nats.urls[%d] is empty", i)
			}
		}
		if c.NATS.ReconnectWait <= 0 || c.NATS.Timeout <= 0 {
			return errors.New("nats.reconnect_wait and nats.timeout must be positive")
		}
	case TransportRelay:
		if c.Relay.URL == "" {
			return errors.New("relay.url is required for the relay transport")
		}
		u, err := url.Parse(c.Relay.URL)
		if err != nil {
			return fmt.Errorf("relay.url: %w", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("relay.url must use ws or wss, got %q", u.Scheme)
		}
	default:
		return fmt.Errorf("transport.mode must be %q or %q, got %q", TransportNATS, TransportRelay, c.Transport.Mode)
	}

	if c.Relay.Path != "" && !strings.HasPrefix(c.Relay.Path, "/") {
		return fmt.Errorf("relay.path must start with /, got %q", c.Relay.Path)
	}
	if c.Relay.RequestTimeout <= 0 {
		return errors.New("relay.request_timeout must be positive")
	}
	if c.Relay.RequestRate < 0 {
		return errors.New("relay.request_rate must not be negative")
	}
	if c.Relay.RequestRate > 0 && c.Relay.RequestBurst < 1 {
		return errors.New("relay.request_burst must be at least 1 when relay.request_rate is set")
	}

	for topic := range c.Topics.Overrides {
		if strings.TrimSpace(topic) == "" {
			return errors.New("topics.overrides has an empty topic")
		}
	}

	if c.Reconciler.ParkTTL <= 0 {
		return errors.New("reconciler.park_ttl must be positive")
	}
	if c.Reconciler.DedupSize <= 0 {
		return errors.New("reconciler.dedup_size must be positive")
	}
	if c.Actions.Workers <= 0 || c.Actions.QueueSize <= 0 {
		return errors.New("actions.workers and actions.queue_size must be positive")
	}
	if c.Actions.PublishTimeout <= 0 {
		return errors.New("actions.publish_timeout must be positive")
	}

	if c.Metrics.Enabled {
		if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
			return fmt.Errorf("metrics.port out of range: %d", c.Metrics.Port)
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return fmt.Errorf("metrics.path must start with /, got %q", c.Metrics.Path)
		}
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be json or text, got %q", c.Log.Format)
	}

	if err := c.validateSecurity(); err != nil {
		return fmt.Errorf("security configuration: %w", err)
	}
	return nil
}

func (c *Config) validateSecurity() error {
	server := c.Security.TLS.Server
	if server.Enabled {
		if server.CertFile == "" || server.KeyFile == "" {
			return errors.New("tls.server.cert_file and tls.server.key_file are required when TLS is enabled")
		}
		for _, f := range []string{server.CertFile, server.KeyFile} {
			if _, err := os.Stat(f); err != nil {
				return fmt.Errorf("tls.server: %w", err)
			}
		}
		if err := validateTLSVersion(server.MinVersion); err != nil {
			return fmt.Errorf("tls.server.min_version: %w", err)
		}
		if server.MTLS.Enabled && len(server.MTLS.ClientCAFiles) == 0 {
			return errors.New("tls.server.mtls.client_ca_files is required when mTLS is enabled")
		}
	}

	client := c.Security.TLS.Client
	for i, caFile := range client.CAFiles {
		if _, err := os.Stat(caFile); err != nil {
			return fmt.Errorf("tls.client.ca_files[%d]: %w", i, err)
		}
	}
	if client.MTLS.Enabled && (client.MTLS.CertFile == "" || client.MTLS.KeyFile == "") {
		return errors.New("tls.client.mtls.cert_file and key_file are required when mTLS is enabled")
	}
	if err := validateTLSVersion(client.MinVersion); err != nil {
		return fmt.Errorf("tls.client.min_version: %w", err)
	}
	return nil
}

func validateTLSVersion(version string) error {
	switch version {
	case "", "1.2", "1.3":
		return nil
	default:
		return fmt.Errorf("invalid TLS version %q (must be \"1.2\" or \"1.3\")", version)
	}
}

// Loader merges configuration layers over Defaults and applies
// environment overrides.
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	getenv     func(string) string
}

func NewLoader() *Loader {
	return &Loader{envPrefix: EnvPrefix, getenv: os.Getenv}
}

// AddLayer adds a .json, .yaml or .yml file. Later layers win.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation makes Load return Validate's error.
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// Load merges all layers. Objects merge key by key; arrays and scalars in a
// later layer replace earlier ones.
func (l *Loader) Load() (*Config, error) {
	merged, err := toMap(Defaults())
	if err != nil {
		return nil, err
	}

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		merged = deepMergeMaps(merged, raw)
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode merged config: %w", err)
	}

	if err := l.applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := readConfigFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
		// Round-trip through JSON so nested values have JSON types.
		if raw, err = normalizeYAML(raw); err != nil {
			return nil, err
		}
	default:
		if err := checkJSONDepth(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	}
	return raw, nil
}

func normalizeYAML(raw map[string]any) (map[string]any, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("yaml values must be JSON compatible: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func toMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence.
// nil values in override are ignored.
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		result[k] = v
	}
	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// applyEnvOverrides applies CALLAGENT_* variables on top of the file layers.
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	lookup := func(name string) (string, error) {
		key := l.envPrefix + "_" + name
		val := l.getenv(key)
		if err := checkEnvValue(key, val); err != nil {
			return "", err
		}
		return val, nil
	}

	strs := []struct {
		name string
		dst  *string
	}{
		{"AGENT_ID", &cfg.Agent.ID},
		{"AGENT_NAME", &cfg.Agent.Name},
		{"TRANSPORT", &cfg.Transport.Mode},
		{"NATS_USERNAME", &cfg.NATS.Username},
		{"NATS_PASSWORD", &cfg.NATS.Password},
		{"NATS_TOKEN", &cfg.NATS.Token},
		{"RELAY_URL", &cfg.Relay.URL},
		{"RELAY_LISTEN", &cfg.Relay.Listen},
		{"LOCATION_TOPIC", &cfg.Topics.LocationTopic},
		{"LOG_LEVEL", &cfg.Log.Level},
		{"LOG_FORMAT", &cfg.Log.Format},
	}
	for _, s := range strs {
		val, err := lookup(s.name)
		if err != nil {
			return err
		}
		if val != "" {
			*s.dst = val
		}
	}

	val, err := lookup("NATS_URLS")
	if err != nil {
		return err
	}
	if val != "" {
		cfg.NATS.URLs = splitList(val)
	}

	if val, err = lookup("METRICS_PORT"); err != nil {
		return err
	}
	if val != "" {
		port, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("%s_METRICS_PORT: %w", l.envPrefix, err)
		}
		cfg.Metrics.Port = port
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// SaveToFile writes the configuration as JSON or YAML depending on the
// extension.
func (c *Config) SaveToFile(path string) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return err
	}
	return writeConfigFile(path, data)
}

// String returns the configuration as JSON with secrets masked.
func (c *Config) String() string {
	masked := c.Clone()
	for _, s := range []*string{&masked.NATS.Password, &masked.NATS.Token} {
		if *s != "" {
			*s = "****"
		}
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// CompareVersions compares two semver version strings
// Returns:
//
//	-1 if v1 < v2
//	 0 if v1 == v2
//	 1 if v1 > v2
//	error if either version is invalid
func CompareVersions(v1, v2 string) (int, error) {
	a1, b1, c1, err := parseSemVer(v1)
	if err != nil {
		return 0, fmt.Errorf("invalid version '%s': %w", v1, err)
	}
	a2, b2, c2, err := parseSemVer(v2)
	if err != nil {
		return 0, fmt.Errorf("invalid version '%s': %w", v2, err)
	}
	for _, pair := range [][2]int{{a1, a2}, {b1, b2}, {c1, c2}} {
		switch {
		case pair[0] > pair[1]:
			return 1, nil
		case pair[0] < pair[1]:
			return -1, nil
		}
	}
	return 0, nil
}

// parseSemVer parses "major.minor.patch" with an optional v prefix.
func parseSemVer(version string) (int, int, int, error) {
	if version == "" {
		return 0, 0, 0, errors.New("version cannot be empty")
	}
	parts := strings.Split(strings.TrimPrefix(version, "v"), ".")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("version must be in format 'major.minor.patch', got '%s'", version)
	}
	var nums [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0, 0, 0, fmt.Errorf("invalid version part '%s'", p)
		}
		nums[i] = n
	}
	return nums[0], nums[1], nums[2], nil
}
