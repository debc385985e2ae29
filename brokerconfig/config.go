// Package brokerconfig loads and validates the broker's process-wide
// configuration. Configuration is read once at startup and is immutable for
// the lifetime of the process: there is no hot-reload path here, unlike the
// database-backed atomic.Value config the teacher codebase reloads on
// SIGHUP.
package brokerconfig

import (
	"embed"
	"fmt"
	"net"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultReadTimeout       = 2 * time.Second
	DefaultReadHeaderTimeout = 2 * time.Second
	DefaultWriteTimeout      = 3 * time.Second
	DefaultIdleTimeout       = 1 * time.Minute
	DefaultShutdownTimeout   = 15 * time.Second

	DefaultTokenTTL        = 600 * time.Second
	DefaultSessionTTL      = 900 * time.Second
	DefaultCacheTTL        = 3600 * time.Second
	DefaultNegativeCacheTTL = 30 * time.Second
	DefaultCacheMaxDocSize = 8096
	DefaultFetchTimeout    = 10 * time.Second
)

// RateLimit is a {count, duration} pair: at most count attempts within
// duration for a given key.
type RateLimit struct {
	Count    int
	Duration Duration
}

// Provider describes one upstream OIDC provider the broker can delegate to,
// selected by the email domain it is registered under.
type Provider struct {
	Domain       string `toml:"domain"`
	ClientID     string `toml:"client_id"`
	Secret       string `toml:"secret"`
	DiscoveryURL string `toml:"discovery_url"`
	IssuerDomain string `toml:"issuer_domain"`
}

// Smtp configures the outgoing mail backend used by the email loop.
type Smtp struct {
	Host        string `toml:"host"`
	Port        int    `toml:"port"`
	Username    string `toml:"username"`
	Password    string `toml:"password"`
	LocalName   string `toml:"local_name"`
	AuthMethod  string `toml:"auth_method"` // "plain", "login", "cram-md5", or "none"
	UseTLS      bool   `toml:"use_tls"`
	UseStartTLS bool   `toml:"use_starttls"`
}

// Server holds the listener and HTTP timeout configuration.
type Server struct {
	ListenIP                 string   `toml:"listen_ip"`
	ListenPort               int      `toml:"listen_port"`
	PublicURL                string   `toml:"public_url"`
	ReadTimeout              Duration `toml:"read_timeout"`
	ReadHeaderTimeout        Duration `toml:"read_header_timeout"`
	WriteTimeout             Duration `toml:"write_timeout"`
	IdleTimeout              Duration `toml:"idle_timeout"`
	ShutdownGracefulTimeout  Duration `toml:"shutdown_graceful_timeout"`
	ClientIpProxyHeader      string   `toml:"client_ip_proxy_header"`
}

// Addr is the listener address derived from ListenIP/ListenPort.
func (s Server) Addr() string {
	return net.JoinHostPort(s.ListenIP, fmt.Sprintf("%d", s.ListenPort))
}

// Config is the broker's complete, validated, immutable configuration.
type Config struct {
	Server            Server              `toml:"server"`
	Keyfiles          []string            `toml:"keyfiles"`
	StoreURL          string              `toml:"store_url"`
	TokenTTL          Duration            `toml:"token_ttl"`
	SessionTTL        Duration            `toml:"session_ttl"`
	CacheTTL          Duration            `toml:"cache_ttl"`
	NegativeCacheTTL  Duration            `toml:"negative_cache_ttl"`
	CacheMaxDocSize   int                 `toml:"cache_max_doc_size"`
	FetchTimeout      Duration            `toml:"fetch_timeout"`
	DNSServer         string              `toml:"dns_server"`
	RatelimitPerEmail RateLimit           `toml:"ratelimit_per_email"`
	FromName          string              `toml:"from_name"`
	FromAddress       string              `toml:"from_address"`
	Smtp              Smtp                `toml:"smtp"`
	Providers         map[string]Provider `toml:"providers"`
}

//go:embed default.toml
var embedFS embed.FS

// Load reads path (falling back to the embedded defaults when path is
// empty) and returns a validated Config.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	defaults, err := embedFS.ReadFile("default.toml")
	if err != nil {
		return nil, fmt.Errorf("read embedded defaults: %w", err)
	}
	if _, err := toml.Decode(string(defaults), cfg); err != nil {
		return nil, fmt.Errorf("decode embedded defaults: %w", err)
	}

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("decode config file %q: %w", path, err)
		}
	}

	fillDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func fillDefaults(cfg *Config) {
	if cfg.Server.ListenPort == 0 {
		cfg.Server.ListenPort = 8080
	}
	if cfg.Server.ReadTimeout.Duration == 0 {
		cfg.Server.ReadTimeout = Duration{DefaultReadTimeout}
	}
	if cfg.Server.ReadHeaderTimeout.Duration == 0 {
		cfg.Server.ReadHeaderTimeout = Duration{DefaultReadHeaderTimeout}
	}
	if cfg.Server.WriteTimeout.Duration == 0 {
		cfg.Server.WriteTimeout = Duration{DefaultWriteTimeout}
	}
	if cfg.Server.IdleTimeout.Duration == 0 {
		cfg.Server.IdleTimeout = Duration{DefaultIdleTimeout}
	}
	if cfg.Server.ShutdownGracefulTimeout.Duration == 0 {
		cfg.Server.ShutdownGracefulTimeout = Duration{DefaultShutdownTimeout}
	}
	if cfg.TokenTTL.Duration == 0 {
		cfg.TokenTTL = Duration{DefaultTokenTTL}
	}
	if cfg.SessionTTL.Duration == 0 {
		cfg.SessionTTL = Duration{DefaultSessionTTL}
	}
	if cfg.CacheTTL.Duration == 0 {
		cfg.CacheTTL = Duration{DefaultCacheTTL}
	}
	if cfg.NegativeCacheTTL.Duration == 0 {
		cfg.NegativeCacheTTL = Duration{DefaultNegativeCacheTTL}
	}
	if cfg.CacheMaxDocSize == 0 {
		cfg.CacheMaxDocSize = DefaultCacheMaxDocSize
	}
	if cfg.FetchTimeout.Duration == 0 {
		cfg.FetchTimeout = Duration{DefaultFetchTimeout}
	}
	if cfg.DNSServer == "" {
		cfg.DNSServer = "8.8.8.8:53"
	}
	if cfg.RatelimitPerEmail.Count == 0 {
		cfg.RatelimitPerEmail = RateLimit{Count: 3, Duration: Duration{60 * time.Second}}
	}
	if cfg.Providers == nil {
		cfg.Providers = make(map[string]Provider)
	}
}

func validate(cfg *Config) error {
	if cfg.Server.PublicURL == "" {
		return fmt.Errorf("brokerconfig: public_url is required")
	}
	if len(cfg.Keyfiles) == 0 {
		return fmt.Errorf("brokerconfig: at least one entry in keyfiles is required")
	}
	if cfg.FromAddress == "" {
		return fmt.Errorf("brokerconfig: from_address is required")
	}
	for domain, p := range cfg.Providers {
		if p.ClientID == "" || p.DiscoveryURL == "" {
			return fmt.Errorf("brokerconfig: provider %q missing client_id or discovery_url", domain)
		}
	}
	return nil
}
