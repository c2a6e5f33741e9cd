package server

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Token and session defaults.
const (
	DefaultAccessTTL      = 15 * time.Minute
	DefaultCodeTTL        = 60 * time.Second
	DefaultAuthRequestTTL = 10 * time.Minute
	DefaultRefreshTTL     = 30 * 24 * time.Hour
	DefaultSessionTTL     = 12 * time.Hour
	DefaultLoginTokenTTL  = 15 * time.Minute
	DefaultSweepInterval  = time.Minute
)

// CORS defaults applied when none are configured.
var (
	DefaultCORSAllowedHeaders = []string{"Authorization", "Content-Type"}
	DefaultCORSAllowedMethods = []string{"GET", "POST", "OPTIONS"}
)

// Duration is a time.Duration that YAML-encodes as a string such as "15m".
type Duration time.Duration

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(v)
	return nil
}

// Config captures the full application configuration loaded from YAML and
// environment variables.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Tokens   TokenConfig    `yaml:"tokens"`
	Sessions SessionConfig  `yaml:"sessions"`
	Storage  StorageConfig  `yaml:"storage"`
	Admin    AdminConfig    `yaml:"admin"`
	Clients  []ClientConfig `yaml:"oauth2_clients"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string     `yaml:"public_url"`
	LoginURL        string     `yaml:"login_url"`
	DevListenAddr   string     `yaml:"dev_listen_addr"`
	HTTPListenAddr  string     `yaml:"http_listen_addr"`
	HTTPSListenAddr string     `yaml:"https_listen_addr"`
	DevMode         bool       `yaml:"dev_mode"`
	SecretsPath     string     `yaml:"secrets_path"`
	TLS             TLSConfig  `yaml:"tls"`
	CORS            CORSConfig `yaml:"cors"`
}

// TLSConfig defines autocert behaviour.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// CORSConfig lists origins allowed to call the token endpoints from browsers.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// TokenConfig tunes issued credential lifetimes.
type TokenConfig struct {
	AccessTTL      Duration `yaml:"access_ttl"`
	RefreshTTL     Duration `yaml:"refresh_ttl"`
	CodeTTL        Duration `yaml:"code_ttl"`
	AuthRequestTTL Duration `yaml:"auth_request_ttl"`
}

// SessionConfig tunes first-party sessions and out-of-band login tokens.
type SessionConfig struct {
	TTL           Duration `yaml:"ttl"`
	LoginTokenTTL Duration `yaml:"login_token_ttl"`
}

// StorageConfig selects the store backing.
type StorageConfig struct {
	Backend string `yaml:"backend"` // "memory" or "sqlite"
	Path    string `yaml:"path"`    // sqlite database file
}

// AdminConfig holds the administrative API credential.
type AdminConfig struct {
	APIToken string `yaml:"api_token"`
}

// ClientConfig describes a statically registered OAuth2 client. Exactly one
// of secret_hash (bcrypt) or secret (hashed at load, dev convenience) may be
// set; neither makes the client public.
type ClientConfig struct {
	ClientID     string   `yaml:"client_id"`
	Secret       string   `yaml:"secret"`
	SecretHash   string   `yaml:"secret_hash"`
	RedirectURIs []string `yaml:"redirect_uris"`
	Scopes       []string `yaml:"scopes"`
	Description  string   `yaml:"description"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			LoginURL:        "http://127.0.0.1:8080/login",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				HSTSMaxAge: 31536000,
			},
		},
		Storage: StorageConfig{Backend: "memory"},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	cfg := defaultConfig()
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Tokens.AccessTTL <= 0 {
		c.Tokens.AccessTTL = Duration(DefaultAccessTTL)
	}
	if c.Tokens.RefreshTTL <= 0 {
		c.Tokens.RefreshTTL = Duration(DefaultRefreshTTL)
	}
	if c.Tokens.CodeTTL <= 0 {
		c.Tokens.CodeTTL = Duration(DefaultCodeTTL)
	}
	if c.Tokens.AuthRequestTTL <= 0 {
		c.Tokens.AuthRequestTTL = Duration(DefaultAuthRequestTTL)
	}
	if c.Sessions.TTL <= 0 {
		c.Sessions.TTL = Duration(DefaultSessionTTL)
	}
	if c.Sessions.LoginTokenTTL <= 0 {
		c.Sessions.LoginTokenTTL = Duration(DefaultLoginTokenTTL)
	}
	if len(c.Server.CORS.AllowedMethods) == 0 {
		c.Server.CORS.AllowedMethods = DefaultCORSAllowedMethods
	}
	if len(c.Server.CORS.AllowedHeaders) == 0 {
		c.Server.CORS.AllowedHeaders = DefaultCORSAllowedHeaders
	}
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"AUTHD_SERVER_PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"AUTHD_SERVER_LOGIN_URL":         func(v string) { cfg.Server.LoginURL = v },
		"AUTHD_SERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"AUTHD_SERVER_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"AUTHD_SERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"AUTHD_SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"AUTHD_SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"AUTHD_SERVER_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"AUTHD_SERVER_SECRETS_PATH":      func(v string) { cfg.Server.SecretsPath = v },
		"AUTHD_TOKENS_ACCESS_TTL":        func(v string) { cfg.Tokens.AccessTTL = parseDuration(v, cfg.Tokens.AccessTTL) },
		"AUTHD_TOKENS_REFRESH_TTL":       func(v string) { cfg.Tokens.RefreshTTL = parseDuration(v, cfg.Tokens.RefreshTTL) },
		"AUTHD_SESSIONS_TTL":             func(v string) { cfg.Sessions.TTL = parseDuration(v, cfg.Sessions.TTL) },
		"AUTHD_SESSIONS_LOGIN_TOKEN_TTL": func(v string) { cfg.Sessions.LoginTokenTTL = parseDuration(v, cfg.Sessions.LoginTokenTTL) },
		"AUTHD_STORAGE_BACKEND":          func(v string) { cfg.Storage.Backend = v },
		"AUTHD_STORAGE_PATH":             func(v string) { cfg.Storage.Path = v },
		"AUTHD_ADMIN_API_TOKEN":          func(v string) { cfg.Admin.APIToken = v },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback Duration) Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return Duration(d)
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate performs minimal sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		return errors.New("server.public_url is required")
	}
	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}
	if c.Server.LoginURL == "" {
		return errors.New("server.login_url is required")
	}
	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		return errors.New("server.tls.domains required outside dev mode")
	}

	switch c.Storage.Backend {
	case "", "memory":
	case "sqlite":
		if c.Storage.Path == "" {
			return errors.New("storage.path required for sqlite backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	seen := make(map[string]bool, len(c.Clients))
	for i, cc := range c.Clients {
		if cc.ClientID == "" {
			return fmt.Errorf("oauth2_clients[%d]: client_id required", i)
		}
		if cc.ClientID == sessionClientID {
			return fmt.Errorf("oauth2_clients[%d]: client_id %q is reserved", i, sessionClientID)
		}
		if seen[cc.ClientID] {
			return fmt.Errorf("oauth2_clients[%d]: duplicate client_id %q", i, cc.ClientID)
		}
		seen[cc.ClientID] = true
		if cc.Secret != "" && cc.SecretHash != "" {
			return fmt.Errorf("oauth2_clients[%d]: secret and secret_hash are mutually exclusive", i)
		}
		if len(cc.RedirectURIs) == 0 {
			return fmt.Errorf("oauth2_clients[%d]: at least one redirect_uri required", i)
		}
	}
	return nil
}

// Issuer returns the issuer identifier used in tokens and in the RFC 9207
// iss authorization response parameter.
func (c Config) Issuer() string {
	return strings.TrimSuffix(c.Server.PublicURL, "/")
}
