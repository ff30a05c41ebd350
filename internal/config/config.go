// Package config loads the courier YAML configuration.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nuetzliches/courier/internal/httpheader"
	"github.com/nuetzliches/courier/internal/secrets"
)

const (
	EnvAPIKey  = "COURIER_API_KEY"
	EnvBaseURL = "COURIER_BASE_URL"
)

const (
	TransportHTTP  = "http"
	TransportKafka = "kafka"
)

// Duration is a time.Duration written as a Go duration string ("10s").
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a string", node.Line)
	}
	v, err := time.ParseDuration(strings.TrimSpace(node.Value))
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", node.Line, node.Value)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

type Config struct {
	// AccountKey is the public key of the account requests are sent for.
	AccountKey    string              `yaml:"account_key"`
	API           APIConfig           `yaml:"api"`
	Transport     string              `yaml:"transport"`
	Kafka         KafkaConfig         `yaml:"kafka"`
	Storage       StorageConfig       `yaml:"storage"`
	Queue         QueueConfig         `yaml:"queue"`
	Retry         RetryConfig         `yaml:"retry"`
	Processor     ProcessorConfig     `yaml:"processor"`
	Control       ControlConfig       `yaml:"control"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type APIConfig struct {
	BaseURL   string   `yaml:"base_url"`
	Revision  string   `yaml:"revision"`
	UserAgent string   `yaml:"user_agent"`
	Timeout   Duration `yaml:"timeout"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type StorageConfig struct {
	Backend string `yaml:"backend"`
	Dir     string `yaml:"dir"`
	Path    string `yaml:"path"`
	DSN     string `yaml:"dsn"`
}

type QueueConfig struct {
	MaxSize  int      `yaml:"max_size"`
	Debounce Duration `yaml:"debounce"`
}

type RetryConfig struct {
	MaxRetries int      `yaml:"max_retries"`
	Base       Duration `yaml:"base"`
	Cap        Duration `yaml:"cap"`
	MaxJitter  Duration `yaml:"max_jitter"`
}

type ProcessorConfig struct {
	Network          string   `yaml:"network"`
	WifiInterval     Duration `yaml:"wifi_interval"`
	CellularInterval Duration `yaml:"cellular_interval"`
}

type ControlConfig struct {
	// Listen is the control API address. Empty disables the control API.
	Listen string `yaml:"listen"`
	// Token, when set, is required as a bearer token on every call.
	Token string `yaml:"token"`
	// Tokens lists rotating bearer tokens with optional validity windows.
	Tokens []ControlTokenConfig `yaml:"tokens"`
}

type ControlTokenConfig struct {
	ID         string    `yaml:"id"`
	Value      string    `yaml:"value"`
	ValidFrom  time.Time `yaml:"valid_from"`
	ValidUntil time.Time `yaml:"valid_until"`
}

// TokenSet returns the accepted control tokens. The static token is valid
// from the epoch on.
func (c ControlConfig) TokenSet() secrets.Set {
	var set secrets.Set
	if c.Token != "" {
		set.Versions = append(set.Versions, secrets.Static("default", []byte(c.Token)))
	}
	for _, t := range c.Tokens {
		set.Versions = append(set.Versions, secrets.Version{
			ID:         t.ID,
			Value:      []byte(t.Value),
			ValidFrom:  t.ValidFrom,
			ValidUntil: t.ValidUntil,
		})
	}
	return set
}

type ObservabilityConfig struct {
	LogLevel      string        `yaml:"log_level"`
	LogOutput     string        `yaml:"log_output"`
	LogPath       string        `yaml:"log_path"`
	// MetricsListen serves Prometheus text metrics. Empty disables it.
	MetricsListen string        `yaml:"metrics_listen"`
	Tracing       TracingConfig `yaml:"tracing"`
}

type TracingConfig struct {
	Enabled   bool              `yaml:"enabled"`
	Collector string            `yaml:"collector"`
	URLPath   string            `yaml:"url_path"`
	Insecure  bool              `yaml:"insecure"`
	Timeout   Duration          `yaml:"timeout"`
	Headers   map[string]string `yaml:"headers"`
}

// Default returns the configuration used for keys the file leaves out.
func Default() Config {
	return Config{
		API: APIConfig{
			Revision: "2024-10-15",
			Timeout:  Duration(10 * time.Second),
		},
		Transport: TransportHTTP,
		Kafka: KafkaConfig{
			Topic: "courier.requests",
		},
		Storage: StorageConfig{
			Backend: "file",
			Dir:     "./.data",
			Path:    "./.data/courier.db",
		},
		Queue: QueueConfig{
			MaxSize:  200,
			Debounce: Duration(500 * time.Millisecond),
		},
		Retry: RetryConfig{
			MaxRetries: 50,
			Base:       Duration(time.Second),
			Cap:        Duration(3 * time.Minute),
			MaxJitter:  Duration(10 * time.Second),
		},
		Processor: ProcessorConfig{
			Network:          "wifi",
			WifiInterval:     Duration(10 * time.Second),
			CellularInterval: Duration(30 * time.Second),
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogOutput: "stderr",
		},
	}
}

// Parse decodes input over Default. Unknown keys are rejected. An empty
// document yields the defaults.
func Parse(input []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(input))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// Load reads and parses the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Resolve expands placeholders and applies environment overrides. Problems
// are reported in res.
func (c *Config) Resolve(res *ValidationResult) {
	c.AccountKey = resolveValue(c.AccountKey, "account_key", res)
	c.API.BaseURL = resolveValue(c.API.BaseURL, "api.base_url", res)
	c.Storage.DSN = resolveValue(c.Storage.DSN, "storage.dsn", res)
	c.Control.Token = resolveValue(c.Control.Token, "control.token", res)
	for i := range c.Control.Tokens {
		c.Control.Tokens[i].Value = resolveValue(c.Control.Tokens[i].Value, fmt.Sprintf("control.tokens[%d].value", i), res)
	}
	for k, v := range c.Observability.Tracing.Headers {
		c.Observability.Tracing.Headers[k] = resolveValue(v, "observability.tracing.headers."+k, res)
	}

	if v, ok := os.LookupEnv(EnvAPIKey); ok && strings.TrimSpace(v) != "" {
		c.AccountKey = strings.TrimSpace(v)
	}
	if v, ok := os.LookupEnv(EnvBaseURL); ok && strings.TrimSpace(v) != "" {
		c.API.BaseURL = strings.TrimSpace(v)
	}
}

type ValidationResult struct {
	OK       bool     `json:"ok"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func (r *ValidationResult) errorf(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *ValidationResult) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Validate resolves cfg in place and checks it.
func Validate(cfg *Config) ValidationResult {
	res := ValidationResult{}
	if cfg == nil {
		res.errorf("config is nil")
		return res
	}
	cfg.Resolve(&res)

	if strings.TrimSpace(cfg.AccountKey) == "" {
		res.warnf("account_key is empty; requests are queued until an account is set")
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Transport)) {
	case TransportHTTP, "":
		validateAPI(cfg.API, &res)
	case TransportKafka:
		if len(cfg.Kafka.Brokers) == 0 {
			res.errorf("kafka.brokers must not be empty when transport is kafka")
		}
		if strings.TrimSpace(cfg.Kafka.Topic) == "" {
			res.errorf("kafka.topic must not be empty")
		}
	default:
		res.errorf("transport %q is not one of http|kafka", cfg.Transport)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Backend)) {
	case "file", "":
		if strings.TrimSpace(cfg.Storage.Dir) == "" {
			res.errorf("storage.dir must not be empty for the file backend")
		}
	case "sqlite":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			res.errorf("storage.path must not be empty for the sqlite backend")
		}
	case "postgres":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			res.errorf("storage.dsn must not be empty for the postgres backend")
		}
	case "memory":
		res.warnf("storage.backend memory does not survive restarts")
	default:
		res.errorf("storage.backend %q is not one of file|sqlite|postgres|memory", cfg.Storage.Backend)
	}

	if cfg.Queue.MaxSize < 0 {
		res.errorf("queue.max_size must be >= 0")
	}
	if cfg.Queue.Debounce < 0 {
		res.errorf("queue.debounce must be >= 0")
	}

	if cfg.Retry.MaxRetries < 1 {
		res.errorf("retry.max_retries must be >= 1")
	}
	if cfg.Retry.Base <= 0 {
		res.errorf("retry.base must be > 0")
	}
	if cfg.Retry.Cap < cfg.Retry.Base {
		res.errorf("retry.cap must be >= retry.base")
	}
	if cfg.Retry.MaxJitter < 0 {
		res.errorf("retry.max_jitter must be >= 0")
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Processor.Network)) {
	case "wifi", "cellular", "offline", "":
	default:
		res.errorf("processor.network %q is not one of wifi|cellular|offline", cfg.Processor.Network)
	}
	if cfg.Processor.WifiInterval <= 0 {
		res.errorf("processor.wifi_interval must be > 0")
	}
	if cfg.Processor.CellularInterval <= 0 {
		res.errorf("processor.cellular_interval must be > 0")
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Observability.LogLevel)) {
	case "debug", "info", "warn", "warning", "error", "":
	default:
		res.errorf("observability.log_level %q is not one of debug|info|warn|error", cfg.Observability.LogLevel)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Observability.LogOutput)) {
	case "stderr", "stdout", "":
	case "file":
		if strings.TrimSpace(cfg.Observability.LogPath) == "" {
			res.errorf("observability.log_path is required when log_output is file")
		}
	default:
		res.errorf("observability.log_output %q is not one of stdout|stderr|file", cfg.Observability.LogOutput)
	}
	if set := cfg.Control.TokenSet(); len(set.Versions) > 0 {
		if strings.TrimSpace(cfg.Control.Listen) == "" {
			res.warnf("control tokens are set but control.listen is empty")
		}
		if err := set.Validate(); err != nil {
			res.errorf("control.tokens: %v", err)
		}
	}
	if t := cfg.Observability.Tracing; t.Enabled && t.Collector != "" {
		if _, err := url.Parse(t.Collector); err != nil {
			res.errorf("observability.tracing.collector: %v", err)
		}
	}
	if err := httpheader.ValidateMap(cfg.Observability.Tracing.Headers); err != nil {
		res.errorf("observability.tracing.headers: %v", err)
	}

	res.OK = len(res.Errors) == 0
	return res
}

func validateAPI(api APIConfig, res *ValidationResult) {
	raw := strings.TrimSpace(api.BaseURL)
	if raw == "" {
		res.errorf("api.base_url must not be empty (or set %s)", EnvBaseURL)
		return
	}
	u, err := url.Parse(raw)
	if err != nil {
		res.errorf("api.base_url: %v", err)
		return
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		res.errorf("api.base_url must use http or https")
	} else if u.Scheme == "http" {
		res.warnf("api.base_url uses plain http")
	}
	if u.Host == "" {
		res.errorf("api.base_url must include a host")
	}
	if api.Timeout <= 0 {
		res.errorf("api.timeout must be > 0")
	}
	if err := httpheader.ValidateValue("revision", api.Revision); err != nil {
		res.errorf("api.revision: %v", err)
	}
	if err := httpheader.ValidateValue("User-Agent", api.UserAgent); err != nil {
		res.errorf("api.user_agent: %v", err)
	}
}

func FormatValidationJSON(res ValidationResult) (string, error) {
	b, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func FormatValidationText(res ValidationResult) string {
	var b strings.Builder
	if res.OK {
		b.WriteString("config ok")
	} else {
		b.WriteString("config invalid")
	}
	for _, e := range res.Errors {
		b.WriteString("\nerror: ")
		b.WriteString(e)
	}
	for _, w := range res.Warnings {
		b.WriteString("\nwarning: ")
		b.WriteString(w)
	}
	return b.String()
}
