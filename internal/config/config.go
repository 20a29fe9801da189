// Package config provides environment-variable-first configuration loading
// with an optional YAML or TOML file as the base layer.
package config

import (
	"encoding/base64"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/BurntSushi/toml"
	"golang.org/x/net/publicsuffix"
	"gopkg.in/yaml.v3"

	"github.com/shineum/acs-smtp-relay/internal/errs"
)

// Provider names accepted in Config.Provider.
const (
	ProviderACS    = "acs"
	ProviderSES    = "ses"
	ProviderStdout = "stdout"
)

const (
	defaultListen            = "0.0.0.0:1025"
	defaultMaxMessageSize    = 25 * 1024 * 1024
	defaultConnectionTimeout = 5 * time.Minute
	defaultMaxConnections    = 1000
	defaultShutdownTimeout   = 30 * time.Second
	defaultHTTPTimeout       = 30 * time.Second
	defaultMetricsInterval   = 5 * time.Minute
)

// Config holds the complete application configuration.
type Config struct {
	Provider string        `yaml:"provider" toml:"provider"`
	SMTP     SMTPConfig    `yaml:"smtp" toml:"smtp"`
	ACS      ACSConfig     `yaml:"acs" toml:"acs"`
	Sender   SenderConfig  `yaml:"sender" toml:"sender"`
	SES      SESConfig     `yaml:"ses" toml:"ses"`
	Metrics  MetricsConfig `yaml:"metrics" toml:"metrics"`
	Logging  LoggingConfig `yaml:"logging" toml:"logging"`
}

// SMTPConfig holds SMTP listener configuration.
type SMTPConfig struct {
	Listen            string        `yaml:"listen" toml:"listen"`
	Hostname          string        `yaml:"hostname" toml:"hostname"`
	MaxMessageSize    int           `yaml:"max_message_size" toml:"max_message_size"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout" toml:"connection_timeout"`
	MaxConnections    int           `yaml:"max_connections" toml:"max_connections"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// ACSConfig holds Azure Communication Services credentials. A connection
// string, when set, fills Endpoint and AccessKey.
type ACSConfig struct {
	ConnectionString string        `yaml:"connection_string" toml:"connection_string"`
	Endpoint         string        `yaml:"endpoint" toml:"endpoint"`
	AccessKey        string        `yaml:"access_key" toml:"access_key"`
	HTTPTimeout      time.Duration `yaml:"http_timeout" toml:"http_timeout"`
}

// SenderConfig holds the default sender and the optional domain allow-list.
type SenderConfig struct {
	Address        string   `yaml:"address" toml:"address"`
	AllowedDomains []string `yaml:"allowed_domains" toml:"allowed_domains"`
}

// SESConfig holds AWS SES configuration.
type SESConfig struct {
	Region          string `yaml:"region" toml:"region"`
	AccessKeyID     string `yaml:"access_key_id" toml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key" toml:"secret_access_key"`
}

// MetricsConfig holds the health/metrics listener and log interval. An
// empty Listen disables the HTTP listener.
type MetricsConfig struct {
	Listen      string        `yaml:"listen" toml:"listen"`
	LogInterval time.Duration `yaml:"log_interval" toml:"log_interval"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level" toml:"level"`
}

// Load loads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}
	cfg.finalize()
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML (.yaml, .yml) or TOML
// (.toml) file as the base layer, then overrides with environment
// variables.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	default:
		return nil, fmt.Errorf("unsupported config file extension %q", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.ACS.ConnectionString != "" {
		endpoint, key, err := ParseConnectionString(cfg.ACS.ConnectionString)
		if err != nil {
			return nil, err
		}
		cfg.ACS.Endpoint, cfg.ACS.AccessKey = endpoint, key
	}

	// Environment variables always override file values
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}
	cfg.finalize()
	return cfg, nil
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.Provider = ProviderACS
	c.SMTP.Listen = defaultListen
	c.SMTP.MaxMessageSize = defaultMaxMessageSize
	c.SMTP.ConnectionTimeout = defaultConnectionTimeout
	c.SMTP.MaxConnections = defaultMaxConnections
	c.SMTP.ShutdownTimeout = defaultShutdownTimeout
	c.ACS.HTTPTimeout = defaultHTTPTimeout
	c.Metrics.LogInterval = defaultMetricsInterval
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() error {
	if v := os.Getenv("PROVIDER"); v != "" {
		c.Provider = strings.ToLower(v)
	}

	if v := firstEnv("LISTEN_ADDR", "SMTP_LISTEN"); v != "" {
		c.SMTP.Listen = v
	}
	if v := os.Getenv("SMTP_HOSTNAME"); v != "" {
		c.SMTP.Hostname = v
	}
	if v := firstEnv("MAX_EMAIL_SIZE", "SMTP_MAX_MESSAGE_SIZE"); v != "" {
		size, err := strconv.Atoi(v)
		if err != nil {
			return errs.Newf(errs.InvalidLimit, "invalid message size %q", v)
		}
		c.SMTP.MaxMessageSize = size
	}
	if err := envDuration("SMTP_CONNECTION_TIMEOUT", &c.SMTP.ConnectionTimeout); err != nil {
		return err
	}
	if v := os.Getenv("SMTP_MAX_CONNECTIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errs.Newf(errs.InvalidLimit, "invalid max connections %q", v)
		}
		c.SMTP.MaxConnections = n
	}
	if err := envDuration("SMTP_SHUTDOWN_TIMEOUT", &c.SMTP.ShutdownTimeout); err != nil {
		return err
	}

	if v := os.Getenv("ACS_CONNECTION_STRING"); v != "" {
		endpoint, key, err := ParseConnectionString(v)
		if err != nil {
			return err
		}
		c.ACS.ConnectionString = v
		c.ACS.Endpoint, c.ACS.AccessKey = endpoint, key
	}
	if v := os.Getenv("ACS_ENDPOINT"); v != "" {
		c.ACS.Endpoint = strings.TrimSuffix(v, "/")
	}
	if v := os.Getenv("ACS_ACCESS_KEY"); v != "" {
		c.ACS.AccessKey = v
	}
	if err := envDuration("ACS_HTTP_TIMEOUT", &c.ACS.HTTPTimeout); err != nil {
		return err
	}

	if v := os.Getenv("ACS_SENDER_ADDRESS"); v != "" {
		c.Sender.Address = v
	}
	if v := os.Getenv("ACS_ALLOWED_SENDER_DOMAINS"); v != "" {
		c.Sender.AllowedDomains = splitList(v)
	}

	if v := os.Getenv("SES_REGION"); v != "" {
		c.SES.Region = v
	}
	if v := os.Getenv("SES_ACCESS_KEY_ID"); v != "" {
		c.SES.AccessKeyID = v
	}
	if v := os.Getenv("SES_SECRET_ACCESS_KEY"); v != "" {
		c.SES.SecretAccessKey = v
	}

	if v := os.Getenv("METRICS_LISTEN"); v != "" {
		c.Metrics.Listen = v
	}
	if err := envDuration("METRICS_LOG_INTERVAL", &c.Metrics.LogInterval); err != nil {
		return err
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	return nil
}

// finalize fills values derived from other fields.
func (c *Config) finalize() {
	c.Provider = strings.ToLower(c.Provider)
	c.ACS.Endpoint = strings.TrimSuffix(c.ACS.Endpoint, "/")

	if c.SMTP.Hostname == "" {
		c.SMTP.Hostname = "localhost"
		if host, _, err := net.SplitHostPort(c.SMTP.Listen); err == nil && host != "" {
			if ip := net.ParseIP(host); ip == nil || !ip.IsUnspecified() {
				c.SMTP.Hostname = host
			}
		}
	}
}

// ParseConnectionString splits an ACS connection string of the form
// "endpoint=https://...;accesskey=..." into its endpoint (without a
// trailing slash) and access key. Keys are matched case-insensitively.
func ParseConnectionString(s string) (endpoint, accessKey string, err error) {
	fields := make(map[string]string)
	for _, part := range strings.Split(s, ";") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		fields[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}

	endpoint, ok := fields["endpoint"]
	if !ok || endpoint == "" {
		return "", "", errs.New(errs.MissingEndpoint, "connection string has no endpoint")
	}
	accessKey, ok = fields["accesskey"]
	if !ok || accessKey == "" {
		return "", "", errs.New(errs.MissingAccessKey, "connection string has no accesskey")
	}

	return strings.TrimRight(endpoint, "/"), accessKey, nil
}

// isPrivileged reports whether the process may bind ports below 1024.
var isPrivileged = func() bool {
	uid := os.Geteuid()
	return uid == 0 || uid == -1
}

// Validate checks the configuration once at startup. Every failure is a
// config-category *errs.Error.
func (c *Config) Validate() error {
	if err := validateListen(c.SMTP.Listen); err != nil {
		return err
	}
	if err := c.validateLimits(); err != nil {
		return err
	}

	switch c.Provider {
	case ProviderACS:
		if err := c.validateACS(); err != nil {
			return err
		}
		if err := validateSender(c.Sender.Address); err != nil {
			return err
		}
	case ProviderSES:
		if c.SES.Region == "" {
			return errs.New(errs.InvalidConnectionString, "SES region is required")
		}
		if err := validateSender(c.Sender.Address); err != nil {
			return err
		}
	case ProviderStdout:
		if c.Sender.Address != "" {
			if err := validateSender(c.Sender.Address); err != nil {
				return err
			}
		}
	default:
		return errs.Newf(errs.InvalidConnectionString, "unknown provider %q", c.Provider)
	}

	for _, d := range c.Sender.AllowedDomains {
		if err := validateDomain(d); err != nil {
			return err
		}
	}

	if c.Metrics.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
			return &errs.Error{Kind: errs.InvalidPort, Detail: "invalid metrics listen address", Err: err}
		}
	}
	return nil
}

func validateListen(addr string) error {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return &errs.Error{Kind: errs.InvalidPort, Detail: fmt.Sprintf("invalid listen address %q", addr), Err: err}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return errs.Newf(errs.InvalidPort, "invalid port %q", portStr)
	}
	if port == 0 {
		return errs.New(errs.InvalidPort, "port 0 is not allowed")
	}
	if port < 1024 && !isPrivileged() {
		return errs.Newf(errs.InvalidPort, "port %d requires elevated privileges", port)
	}
	return nil
}

func (c *Config) validateLimits() error {
	if c.SMTP.MaxMessageSize <= 0 {
		return errs.New(errs.InvalidLimit, "message size limit must be greater than 0")
	}
	if c.SMTP.ConnectionTimeout <= 0 {
		return errs.New(errs.InvalidLimit, "connection timeout must be greater than 0")
	}
	if c.SMTP.MaxConnections < 0 {
		return errs.New(errs.InvalidLimit, "max connections must not be negative")
	}
	if c.SMTP.ShutdownTimeout < 0 {
		return errs.New(errs.InvalidLimit, "shutdown timeout must not be negative")
	}
	return nil
}

func (c *Config) validateACS() error {
	if c.ACS.Endpoint == "" {
		return errs.New(errs.MissingEndpoint, "ACS endpoint is required")
	}
	u, err := url.Parse(c.ACS.Endpoint)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return errs.Newf(errs.InvalidConnectionString, "invalid endpoint URL %q", c.ACS.Endpoint)
	}
	if c.ACS.AccessKey == "" {
		return errs.New(errs.MissingAccessKey, "ACS access key is required")
	}
	if _, err := base64.StdEncoding.DecodeString(c.ACS.AccessKey); err != nil {
		return &errs.Error{Kind: errs.InvalidConnectionString, Detail: "invalid access key format", Err: err}
	}
	if c.ACS.HTTPTimeout <= 0 {
		return errs.New(errs.InvalidLimit, "ACS HTTP timeout must be greater than 0")
	}
	return nil
}

func validateSender(addr string) error {
	if len(addr) <= 3 || !strings.Contains(addr, "@") || strings.HasPrefix(addr, "@") || strings.HasSuffix(addr, "@") {
		return errs.Newf(errs.InvalidSenderAddress, "invalid sender address %q", addr)
	}
	return nil
}

func validateDomain(domain string) error {
	if domain == "" ||
		strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") ||
		strings.HasPrefix(domain, "-") || strings.HasSuffix(domain, "-") {
		return errs.Newf(errs.InvalidDomain, "bad domain %q", domain)
	}
	for _, r := range domain {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '.' && r != '-' {
			return errs.Newf(errs.InvalidDomain, "bad domain %q", domain)
		}
	}
	lower := strings.ToLower(domain)
	if suffix, icann := publicsuffix.PublicSuffix(lower); icann && suffix == lower {
		return errs.Newf(errs.InvalidDomain, "domain %q is a public suffix", domain)
	}
	return nil
}

// firstEnv returns the first non-empty value among the named variables.
func firstEnv(names ...string) string {
	for _, n := range names {
		if v := os.Getenv(n); v != "" {
			return v
		}
	}
	return ""
}

// envDuration parses a Go duration ("90s", "5m") or a bare number of
// seconds into dst.
func envDuration(name string, dst *time.Duration) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(secs) * time.Second
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return errs.Newf(errs.InvalidLimit, "invalid duration %s=%q", name, v)
	}
	*dst = d
	return nil
}

// splitList splits a comma-separated list, dropping empty entries.
func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
