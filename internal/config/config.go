package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Secret is a credential read from the config file. It never prints its value.
type Secret string

const redacted = "[redacted]"

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return redacted
}

func (s Secret) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Value returns the raw secret. Only hand it to the client that needs it.
func (s Secret) Value() string { return string(s) }

type Server struct {
	Addr           string `yaml:"addr"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
	IdleTimeoutMS  int    `yaml:"idle_timeout_ms"`
	MaxBodyBytes   int64  `yaml:"max_body_bytes"`
}

type Observability struct {
	LogLevel       string `yaml:"log_level"`       // "debug","info","warn","error"
	PrometheusPath string `yaml:"prometheus_path"` // e.g. "/metrics"
}

type APIKey struct {
	ID     string `yaml:"id"`
	Secret Secret `yaml:"secret"`
}

type JWT struct {
	Secret Secret `yaml:"secret"`
	Issuer string `yaml:"issuer"`
}

type Auth struct {
	Mode   string   `yaml:"mode"` // "static" or "jwt"
	Header string   `yaml:"header"`
	Keys   []APIKey `yaml:"keys"`
	JWT    JWT      `yaml:"jwt"`
}

// Limits holds the monthly quota per tier and the per-user request rate guard.
type Limits struct {
	Free              int `yaml:"free"`
	Pro               int `yaml:"pro"`
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

type Tiers struct {
	ProUsers []string `yaml:"pro_users"`
	// UseStore also consults the tier flag kept by the usage store.
	UseStore *bool `yaml:"use_store"`
}

type Store struct {
	Driver      string `yaml:"driver"` // memory, sqlite, postgres, redis
	Path        string `yaml:"path"`   // sqlite
	DSN         Secret `yaml:"dsn"`    // postgres
	Addr        string `yaml:"addr"`   // redis
	Password    Secret `yaml:"password"`
	DB          int    `yaml:"db"`
	KeyPrefix   string `yaml:"key_prefix"`
	TablePrefix string `yaml:"table_prefix"`
	TimeoutMS   int    `yaml:"timeout_ms"`
}

type Upstream struct {
	BaseURL      string   `yaml:"base_url"`
	APIKey       Secret   `yaml:"api_key"`
	Model        string   `yaml:"model"`
	Temperature  *float64 `yaml:"temperature"`
	JSONResponse *bool    `yaml:"json_response"`
	TimeoutMS    int      `yaml:"timeout_ms"`
}

type Root struct {
	Server        Server        `yaml:"server"`
	Observability Observability `yaml:"observability"`
	Auth          Auth          `yaml:"auth"`
	Limits        Limits        `yaml:"limits"`
	Tiers         Tiers         `yaml:"tiers"`
	Store         Store         `yaml:"store"`
	Upstream      Upstream      `yaml:"upstream"`
}

func (s Server) ReadTimeout() time.Duration {
	if s.ReadTimeoutMS == 0 {
		return 5 * time.Second
	}
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

// WriteTimeout covers the upstream call, so the default is well above it.
func (s Server) WriteTimeout() time.Duration {
	if s.WriteTimeoutMS == 0 {
		return 90 * time.Second
	}
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

func (s Server) IdleTimeout() time.Duration {
	if s.IdleTimeoutMS == 0 {
		return 60 * time.Second
	}
	return time.Duration(s.IdleTimeoutMS) * time.Millisecond
}

func (s Server) MaxBody() int64 {
	if s.MaxBodyBytes == 0 {
		return 1 << 20
	}
	return s.MaxBodyBytes
} // default 1MB

func (s Store) Timeout() time.Duration {
	return time.Duration(s.TimeoutMS) * time.Millisecond
}

func (u Upstream) Timeout() time.Duration {
	return time.Duration(u.TimeoutMS) * time.Millisecond
}

// UseStoreTiers reports whether the store's tier flag is consulted.
func (t Tiers) UseStoreTiers() bool {
	return t.UseStore == nil || *t.UseStore
}

// Load reads the YAML file at path, expanding ${VAR} references from the
// environment, and applies defaults.
func Load(path string) (*Root, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Parse is Load without the file read.
func Parse(b []byte) (*Root, error) {
	var cfg Root
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(b))), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Root) applyDefaults() {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Observability.PrometheusPath == "" {
		cfg.Observability.PrometheusPath = "/metrics"
	}
	if cfg.Auth.Mode == "" {
		cfg.Auth.Mode = "static"
	}
	if cfg.Auth.Header == "" {
		cfg.Auth.Header = "X-API-Key"
	}
	if cfg.Limits.Free <= 0 {
		cfg.Limits.Free = 3
	}
	if cfg.Limits.Pro <= 0 {
		cfg.Limits.Pro = 1000
	}
	if cfg.Limits.RequestsPerMinute <= 0 {
		cfg.Limits.RequestsPerMinute = 60
	}
	if cfg.Limits.Burst <= 0 {
		cfg.Limits.Burst = 30
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "memory"
	}
	if cfg.Store.TimeoutMS <= 0 {
		cfg.Store.TimeoutMS = 5000
	}
	if cfg.Upstream.BaseURL == "" {
		cfg.Upstream.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Upstream.Model == "" {
		cfg.Upstream.Model = "gpt-4o-mini"
	}
	if cfg.Upstream.Temperature == nil {
		t := 0.2
		cfg.Upstream.Temperature = &t
	}
	if cfg.Upstream.JSONResponse == nil {
		j := true
		cfg.Upstream.JSONResponse = &j
	}
	if cfg.Upstream.TimeoutMS <= 0 {
		cfg.Upstream.TimeoutMS = 60000
	}
}

// Validate reports configuration the server cannot start with.
func (cfg *Root) Validate() error {
	var errs []error

	switch cfg.Auth.Mode {
	case "static":
		for i, k := range cfg.Auth.Keys {
			if k.ID == "" || k.Secret == "" {
				errs = append(errs, fmt.Errorf("auth.keys[%d]: id and secret are required", i))
			}
		}
	case "jwt":
		if cfg.Auth.JWT.Secret == "" {
			errs = append(errs, errors.New("auth.jwt.secret is required in jwt mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("auth.mode %q: want static or jwt", cfg.Auth.Mode))
	}

	switch cfg.Store.Driver {
	case "memory":
	case "sqlite":
		if cfg.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for sqlite"))
		}
	case "postgres":
		if cfg.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for postgres"))
		}
	case "redis":
		if cfg.Store.Addr == "" {
			errs = append(errs, errors.New("store.addr is required for redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q: want memory, sqlite, postgres or redis", cfg.Store.Driver))
	}

	if !strings.HasPrefix(cfg.Observability.PrometheusPath, "/") {
		errs = append(errs, fmt.Errorf("observability.prometheus_path %q must start with /", cfg.Observability.PrometheusPath))
	}
	if cfg.Limits.Pro < cfg.Limits.Free {
		errs = append(errs, fmt.Errorf("limits.pro (%d) is below limits.free (%d)", cfg.Limits.Pro, cfg.Limits.Free))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
