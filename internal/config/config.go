// Package config loads addrsync configuration from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v9"

	"github.com/bcnelson/addrsync/internal/address"
	"github.com/bcnelson/addrsync/internal/domain"
	"github.com/bcnelson/addrsync/internal/logging"
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Inventory InventoryConfig
	Firewall  FirewallConfig
	Naming    NamingConfig
	Sync      SyncConfig
	Log       logging.Config
	OIDC      OIDCConfig
}

// OIDCConfig holds OIDC bearer-token authentication configuration.
type OIDCConfig struct {
	Enabled        bool   `env:"OIDC_ENABLED" envDefault:"false"`
	IssuerURL      string `env:"OIDC_ISSUER_URL"`
	ClientID       string `env:"OIDC_CLIENT_ID"`
	AllowedDomains string `env:"OIDC_ALLOWED_DOMAINS"`
}

// GetAllowedDomains returns the allowed email domains as a slice.
func (c *OIDCConfig) GetAllowedDomains() []string {
	if c.AllowedDomains == "" {
		return nil
	}
	domains := strings.Split(c.AllowedDomains, ",")
	for i := range domains {
		domains[i] = strings.TrimSpace(domains[i])
	}
	return domains
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `env:"SERVER_HOST" envDefault:"0.0.0.0"`
	Port            int           `env:"SERVER_PORT" envDefault:"8080"`
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Driver string `env:"DB_DRIVER" envDefault:"sqlite3"`
	DSN    string `env:"DB_DSN" envDefault:"data/addrsync.db"`
}

// InventoryConfig holds credentials shared by every inventory manager.
// OAuth2 client credentials take precedence over basic auth.
type InventoryConfig struct {
	Username     string        `env:"INVENTORY_USERNAME"`
	Password     string        `env:"INVENTORY_PASSWORD"`
	ClientID     string        `env:"INVENTORY_CLIENT_ID"`
	ClientSecret string        `env:"INVENTORY_CLIENT_SECRET"`
	TokenURL     string        `env:"INVENTORY_TOKEN_URL"`
	Timeout      time.Duration `env:"INVENTORY_TIMEOUT" envDefault:"30s"`
	InsecureTLS  bool          `env:"INVENTORY_INSECURE_TLS" envDefault:"false"`
	FileShim     string        `env:"INVENTORY_FILE_SHIM"` // Path to JSON inventory (disables real API)
}

// FirewallConfig holds credentials shared by every firewall target.
type FirewallConfig struct {
	Token       string        `env:"FIREWALL_TOKEN"`
	Timeout     time.Duration `env:"FIREWALL_TIMEOUT" envDefault:"30s"`
	InsecureTLS bool          `env:"FIREWALL_INSECURE_TLS" envDefault:"false"`
	FileShim    string        `env:"FIREWALL_FILE_SHIM"` // Directory of <target>.json firewall states (disables real API)
}

// NamingConfig holds address and group name prefixes.
type NamingConfig struct {
	V4Prefix      string `env:"NAMING_V4_PREFIX" envDefault:"addr4"`
	V6Prefix      string `env:"NAMING_V6_PREFIX" envDefault:"addr6"`
	V4GroupPrefix string `env:"NAMING_V4_GROUP_PREFIX" envDefault:"grp4"`
	V6GroupPrefix string `env:"NAMING_V6_GROUP_PREFIX" envDefault:"grp6"`
	MaxLength     int    `env:"NAMING_MAX_LENGTH" envDefault:"79"`
}

// Namer returns the address namer for this configuration.
func (c NamingConfig) Namer() address.Namer {
	return address.Namer{
		V4Prefix:      c.V4Prefix,
		V6Prefix:      c.V6Prefix,
		V4GroupPrefix: c.V4GroupPrefix,
		V6GroupPrefix: c.V6GroupPrefix,
		MaxLength:     c.MaxLength,
	}
}

// SyncConfig holds sync behavior configuration.
type SyncConfig struct {
	AutoSync        bool          `env:"AUTO_SYNC" envDefault:"true"`
	Debounce        time.Duration `env:"SYNC_DEBOUNCE" envDefault:"5s"`
	Interval        time.Duration `env:"SYNC_INTERVAL" envDefault:"0s"` // 0 disables periodic passes
	BootstrapAPIKey string        `env:"BOOTSTRAP_API_KEY"`
	UnitsFile       string        `env:"UNITS_FILE"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(&cfg.Server); err != nil {
		return nil, fmt.Errorf("parsing server config: %w", err)
	}
	if err := env.Parse(&cfg.Database); err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}
	if err := env.Parse(&cfg.Inventory); err != nil {
		return nil, fmt.Errorf("parsing inventory config: %w", err)
	}
	if err := env.Parse(&cfg.Firewall); err != nil {
		return nil, fmt.Errorf("parsing firewall config: %w", err)
	}
	if err := env.Parse(&cfg.Naming); err != nil {
		return nil, fmt.Errorf("parsing naming config: %w", err)
	}
	if err := env.Parse(&cfg.Sync); err != nil {
		return nil, fmt.Errorf("parsing sync config: %w", err)
	}
	if err := env.Parse(&cfg.Log); err != nil {
		return nil, fmt.Errorf("parsing log config: %w", err)
	}
	if err := env.Parse(&cfg.OIDC); err != nil {
		return nil, fmt.Errorf("parsing oidc config: %w", err)
	}

	return cfg, nil
}

// Addr returns the server address in host:port format.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Inventory.FileShim == "" {
		hasBasic := c.Inventory.Username != "" && c.Inventory.Password != ""
		hasOAuth := c.Inventory.ClientID != ""
		if !hasBasic && !hasOAuth {
			return fmt.Errorf("INVENTORY_USERNAME/INVENTORY_PASSWORD or INVENTORY_CLIENT_ID is required (or set INVENTORY_FILE_SHIM for testing)")
		}
		if hasOAuth && (c.Inventory.ClientSecret == "" || c.Inventory.TokenURL == "") {
			return fmt.Errorf("INVENTORY_CLIENT_SECRET and INVENTORY_TOKEN_URL are required with INVENTORY_CLIENT_ID")
		}
	}
	if c.Firewall.FileShim == "" && c.Firewall.Token == "" {
		return fmt.Errorf("FIREWALL_TOKEN is required (or set FIREWALL_FILE_SHIM for testing)")
	}

	if c.Naming.MaxLength < 24 || c.Naming.MaxLength > domain.MaxNameLength {
		return fmt.Errorf("NAMING_MAX_LENGTH must be between 24 and %d", domain.MaxNameLength)
	}
	for name, prefix := range map[string]string{
		"NAMING_V4_PREFIX":       c.Naming.V4Prefix,
		"NAMING_V6_PREFIX":       c.Naming.V6Prefix,
		"NAMING_V4_GROUP_PREFIX": c.Naming.V4GroupPrefix,
		"NAMING_V6_GROUP_PREFIX": c.Naming.V6GroupPrefix,
	} {
		if prefix == "" || strings.ContainsAny(prefix, " \t") {
			return fmt.Errorf("%s must be non-empty and contain no whitespace", name)
		}
	}
	if c.Naming.V4Prefix == c.Naming.V6Prefix || c.Naming.V4GroupPrefix == c.Naming.V6GroupPrefix {
		return fmt.Errorf("v4 and v6 naming prefixes must differ")
	}

	if c.Sync.Debounce < 0 || c.Sync.Interval < 0 {
		return fmt.Errorf("SYNC_DEBOUNCE and SYNC_INTERVAL must not be negative")
	}

	if c.OIDC.Enabled {
		if c.OIDC.IssuerURL == "" {
			return fmt.Errorf("OIDC_ISSUER_URL is required when OIDC is enabled")
		}
		if c.OIDC.ClientID == "" {
			return fmt.Errorf("OIDC_CLIENT_ID is required when OIDC is enabled")
		}
	}

	return nil
}

// UseInventoryShim returns true if inventory is read from a file.
func (c *Config) UseInventoryShim() bool {
	return c.Inventory.FileShim != ""
}

// UseFirewallShim returns true if the firewall is a local file.
func (c *Config) UseFirewallShim() bool {
	return c.Firewall.FileShim != ""
}
