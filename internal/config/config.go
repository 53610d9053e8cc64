// Package config loads and validates the gateway's YAML configuration,
// layering an optional override file on top of a base file the same way
// the teacher's config package does.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration unmarshals from either a YAML integer (seconds) or a Go duration
// string ("10s", "2m").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil || value.Kind == 0 {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar")
	}
	if value.Value == "" {
		return nil
	}
	if value.Tag == "!!int" {
		seconds, err := strconv.Atoi(value.Value)
		if err != nil {
			return fmt.Errorf("invalid duration integer %q: %w", value.Value, err)
		}
		d.Duration = time.Duration(seconds) * time.Second
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	d.Duration = parsed
	return nil
}

// Config is the gateway's top-level configuration, covering both pipelines:
// the DoH server (Component D, classic DNS upstream) and the DoH stub
// (Component E, DoH upstream).
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Stub     StubConfig     `yaml:"stub"`
	TLS      TLSConfig      `yaml:"tls"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig configures the DoH server pipeline (§4.D): it terminates
// HTTP/2 DoH and resolves against a classic DNS upstream (§4.C).
type ServerConfig struct {
	Listen         string   `yaml:"listen"`          // "host:port" for the HTTPS listener
	Endpoint       string   `yaml:"endpoint"`        // URI path DoH requests must target, default /dns-query
	Upstream       string   `yaml:"upstream"`        // "host:port" of the classic DNS resolver queried per-request
	Timeout        Duration `yaml:"timeout"`         // upstream lookup deadline, default 10s
	TrustedProxies []string `yaml:"trusted_proxies"` // peers allowed to set X-Forwarded-For, default ["::1","127.0.0.1"]
	Debug          *bool    `yaml:"debug"`           // when true, 400 bodies carry the codec's error message (§4.D step 5)
	RateLimitRPS   float64  `yaml:"rate_limit_rps"`   // sustained requests/sec allowed per peer; non-positive (default) disables limiting
	RateLimitBurst int      `yaml:"rate_limit_burst"` // burst above RateLimitRPS; defaults to 1 when RateLimitRPS is set
}

// StubConfig configures the DoH client pipeline (§4.E): it listens for
// classic DNS and forwards every query to a configured DoH upstream.
type StubConfig struct {
	Listen         string   `yaml:"listen"`          // "host:port" for the UDP/TCP DNS listener
	UpstreamURL    string   `yaml:"upstream_url"`    // full DoH endpoint, e.g. https://dns.example.com/dns-query
	UsePOST        *bool    `yaml:"use_post"`        // POST instead of GET composition (§4.E step 2), default false
	DialTimeout    Duration `yaml:"dial_timeout"`    // bounds opening the upstream TLS connection, default 10s
	RequestTimeout Duration `yaml:"request_timeout"` // bounds one DoH round trip, default 10s
}

// TLSConfig configures the certificate and cipher policy shared by both
// pipelines' TLS contexts (§4.F).
type TLSConfig struct {
	CertFile string `yaml:"cert_file"` // server: required when Server.Listen is set
	KeyFile  string `yaml:"key_file"`  // server: required when Server.Listen is set
	Ciphers  string `yaml:"ciphers"`   // server: substring filter over crypto/tls's suite list, default "ECDHE+AESGCM"
	Insecure *bool  `yaml:"insecure"`  // stub: skip upstream certificate verification
	CAFile   string `yaml:"ca_file"`   // stub: additional CA to trust, on top of the system pool
}

// LoggingConfig selects the structured logger's verbosity and format.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error; default info
	Format string `yaml:"format"` // "text" or "json"; default text
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"` // default true
	Listen  string `yaml:"listen"`  // "host:port" for GET /metrics, default 127.0.0.1:9153
}

func (c ServerConfig) debug() bool  { return c.Debug != nil && *c.Debug }
func (c StubConfig) usePOST() bool  { return c.UsePOST != nil && *c.UsePOST }
func (c TLSConfig) insecure() bool  { return c.Insecure != nil && *c.Insecure }
func (c MetricsConfig) enabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Debug reports whether the DoH server should echo codec error text in 400
// response bodies.
func (c Config) Debug() bool { return c.Server.debug() }

// UsePOST reports whether the stub composes DoH requests as POST.
func (c Config) UsePOST() bool { return c.Stub.usePOST() }

// Insecure reports whether the stub skips upstream certificate verification.
func (c Config) Insecure() bool { return c.TLS.insecure() }

// MetricsEnabled reports whether the Prometheus endpoint should be served.
func (c Config) MetricsEnabled() bool { return c.Metrics.enabled() }

// Load reads the gateway config from DEFAULT_CONFIG_PATH (or
// config/default.yaml), layering overridePath on top if it exists.
func Load(overridePath string) (Config, error) {
	defaultPath := os.Getenv("DEFAULT_CONFIG_PATH")
	if strings.TrimSpace(defaultPath) == "" {
		defaultPath = "config/default.yaml"
	}
	return LoadWithFiles(defaultPath, overridePath)
}

// LoadWithFiles merges defaultPath and overridePath (override wins on
// conflicting keys, missing override file is not an error), then applies
// defaults, normalizes, and validates the result.
func LoadWithFiles(defaultPath, overridePath string) (Config, error) {
	baseData, err := os.ReadFile(defaultPath)
	if err != nil {
		return Config{}, err
	}
	base, err := parseYAMLMap(baseData)
	if err != nil {
		return Config{}, fmt.Errorf("parse default config: %w", err)
	}

	overridePath = strings.TrimSpace(overridePath)
	if overridePath != "" {
		overrideData, err := os.ReadFile(overridePath)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, err
			}
		} else {
			override, err := parseYAMLMap(overrideData)
			if err != nil {
				return Config{}, fmt.Errorf("parse override config: %w", err)
			}
			base = mergeMaps(base, override)
		}
	}

	merged, err := yaml.Marshal(base)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(merged, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse merged config: %w", err)
	}
	applyDefaults(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Endpoint == "" {
		cfg.Server.Endpoint = "/dns-query"
	}
	if cfg.Server.Timeout.Duration <= 0 {
		cfg.Server.Timeout = Duration{10 * time.Second}
	}
	if len(cfg.Server.TrustedProxies) == 0 {
		cfg.Server.TrustedProxies = []string{"::1", "127.0.0.1"}
	}
	if cfg.Stub.DialTimeout.Duration <= 0 {
		cfg.Stub.DialTimeout = Duration{10 * time.Second}
	}
	if cfg.Stub.RequestTimeout.Duration <= 0 {
		cfg.Stub.RequestTimeout = Duration{10 * time.Second}
	}
	if cfg.TLS.Ciphers == "" {
		cfg.TLS.Ciphers = "ECDHE+AESGCM"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = "127.0.0.1:9153"
	}
}

func normalize(cfg *Config) {
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	cfg.Logging.Format = strings.ToLower(strings.TrimSpace(cfg.Logging.Format))
	for i, peer := range cfg.Server.TrustedProxies {
		cfg.Server.TrustedProxies[i] = strings.TrimSpace(peer)
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Listen == "" && cfg.Stub.Listen == "" {
		return fmt.Errorf("at least one of server.listen or stub.listen must be configured")
	}

	if cfg.Server.Listen != "" {
		if _, _, err := net.SplitHostPort(cfg.Server.Listen); err != nil {
			return fmt.Errorf("invalid server.listen %q: %w", cfg.Server.Listen, err)
		}
		if cfg.Server.Upstream == "" {
			return fmt.Errorf("server.upstream is required when server.listen is set")
		}
		if _, _, err := net.SplitHostPort(cfg.Server.Upstream); err != nil {
			return fmt.Errorf("invalid server.upstream %q: %w", cfg.Server.Upstream, err)
		}
		if cfg.TLS.CertFile == "" || cfg.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when server.listen is set")
		}
		if cfg.Server.RateLimitRPS < 0 {
			return fmt.Errorf("server.rate_limit_rps must not be negative")
		}
		if cfg.Server.RateLimitBurst < 0 {
			return fmt.Errorf("server.rate_limit_burst must not be negative")
		}
	}

	if cfg.Stub.Listen != "" {
		if _, _, err := net.SplitHostPort(cfg.Stub.Listen); err != nil {
			return fmt.Errorf("invalid stub.listen %q: %w", cfg.Stub.Listen, err)
		}
		if cfg.Stub.UpstreamURL == "" {
			return fmt.Errorf("stub.upstream_url is required when stub.listen is set")
		}
		if u, err := url.Parse(cfg.Stub.UpstreamURL); err != nil || u.Scheme != "https" {
			return fmt.Errorf("stub.upstream_url must be a valid https URL, got %q", cfg.Stub.UpstreamURL)
		}
	}

	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error (got %q)", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json (got %q)", cfg.Logging.Format)
	}
	if cfg.Metrics.enabled() {
		if _, _, err := net.SplitHostPort(cfg.Metrics.Listen); err != nil {
			return fmt.Errorf("invalid metrics.listen %q: %w", cfg.Metrics.Listen, err)
		}
	}
	return nil
}

func parseYAMLMap(data []byte) (map[string]interface{}, error) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	normalized, ok := normalizeMap(raw).(map[string]interface{})
	if !ok {
		return map[string]interface{}{}, nil
	}
	return normalized, nil
}

func normalizeMap(value interface{}) interface{} {
	switch typed := value.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(typed))
		for key, val := range typed {
			out[key] = normalizeMap(val)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(typed))
		for key, val := range typed {
			keyStr, ok := key.(string)
			if !ok {
				continue
			}
			out[keyStr] = normalizeMap(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, 0, len(typed))
		for _, val := range typed {
			out = append(out, normalizeMap(val))
		}
		return out
	default:
		return typed
	}
}

func mergeMaps(base, override map[string]interface{}) map[string]interface{} {
	if base == nil {
		base = map[string]interface{}{}
	}
	for key, overrideVal := range override {
		if baseVal, ok := base[key]; ok {
			baseMap, baseOK := baseVal.(map[string]interface{})
			overrideMap, overrideOK := overrideVal.(map[string]interface{})
			if baseOK && overrideOK {
				base[key] = mergeMaps(baseMap, overrideMap)
				continue
			}
		}
		base[key] = overrideVal
	}
	return base
}
