// Package config provides configuration management with environment variable support
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig
	Provider  ProviderConfig
	Gateway   GatewayConfig
	Catalog   CatalogConfig
	Reconcile ReconcileConfig
	Store     StoreConfig
	Database  DatabaseConfig
	Log       LogConfig
	Sandbox   SandboxConfig
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// ProviderConfig holds the fulfillment provider (SMM panel) connection settings
type ProviderConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// GatewayConfig holds the QRIS payment gateway connection settings
type GatewayConfig struct {
	URL        string
	APIKey     string
	Timeout    time.Duration
	QRImageURL string
	// DefaultTTL is used when the gateway does not report an expiry.
	DefaultTTL time.Duration
}

// CatalogConfig holds service catalog settings
type CatalogConfig struct {
	MarkupPercent   float64
	TTL             time.Duration
	RefreshInterval time.Duration
}

// ReconcileConfig holds reconciliation loop settings
type ReconcileConfig struct {
	PaymentInterval  time.Duration
	ProgressInterval time.Duration
	ExpiryGrace      time.Duration
	MaxInflight      int
	ResumeWorkers    int
}

// StoreConfig selects the order/payment store driver
type StoreConfig struct {
	Driver string
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string
	Format string
}

// SandboxConfig drives the fake provider and gateway started by cmd/sandbox
type SandboxConfig struct {
	ProviderPort string
	GatewayPort  string
	APIKey       string
	// SettleAfter is the number of status queries a payment stays pending for.
	SettleAfter int
	// DeliverPercent of an order's quantity is delivered per status query.
	DeliverPercent int
}

// Store drivers
const (
	StoreDriverMemory   = "memory"
	StoreDriverPostgres = "postgres"
)

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnv("SERVER_PORT", "8080"),
			ReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getDurationEnv("SERVER_IDLE_TIMEOUT", 60*time.Second),
		},
		Provider: ProviderConfig{
			URL:     getEnv("PROVIDER_URL", "https://indosmm.id/api/v2"),
			APIKey:  getEnv("PROVIDER_API_KEY", ""),
			Timeout: getDurationEnv("PROVIDER_TIMEOUT", 10*time.Second),
		},
		Gateway: GatewayConfig{
			URL:        getEnv("GATEWAY_URL", "https://fupei-pedia.web.id/api/v1/deposit"),
			APIKey:     getEnv("GATEWAY_API_KEY", ""),
			Timeout:    getDurationEnv("GATEWAY_TIMEOUT", 10*time.Second),
			QRImageURL: getEnv("QR_IMAGE_URL", "https://api.qrserver.com/v1/create-qr-code/?size=300x300&data="),
			DefaultTTL: getDurationEnv("PAYMENT_DEFAULT_TTL", 30*time.Minute),
		},
		Catalog: CatalogConfig{
			MarkupPercent:   getFloatEnv("CATALOG_MARKUP_PERCENT", 20),
			TTL:             getDurationEnv("CATALOG_TTL", time.Hour),
			RefreshInterval: getDurationEnv("CATALOG_REFRESH_INTERVAL", 5*time.Minute),
		},
		Reconcile: ReconcileConfig{
			PaymentInterval:  getDurationEnv("RECONCILE_PAYMENT_INTERVAL", 10*time.Second),
			ProgressInterval: getDurationEnv("RECONCILE_PROGRESS_INTERVAL", 15*time.Second),
			ExpiryGrace:      getDurationEnv("RECONCILE_EXPIRY_GRACE", time.Minute),
			MaxInflight:      getIntEnv("RECONCILE_MAX_INFLIGHT", 16),
			ResumeWorkers:    getIntEnv("RECONCILE_RESUME_WORKERS", 4),
		},
		Store: StoreConfig{
			Driver: getEnv("STORE_DRIVER", StoreDriverMemory),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "engage"),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
			MaxConns: getIntEnv("DB_MAX_CONNS", 25),
			MaxIdle:  getIntEnv("DB_MAX_IDLE", 5),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Sandbox: SandboxConfig{
			ProviderPort:   getEnv("SANDBOX_PROVIDER_PORT", "9001"),
			GatewayPort:    getEnv("SANDBOX_GATEWAY_PORT", "9002"),
			APIKey:         getEnv("SANDBOX_API_KEY", "sandbox"),
			SettleAfter:    getIntEnv("SANDBOX_SETTLE_AFTER", 3),
			DeliverPercent: getIntEnv("SANDBOX_DELIVER_PERCENT", 25),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects configurations the reconciliation saga cannot run with
func (c *Config) Validate() error {
	if c.Catalog.MarkupPercent < 0 {
		return fmt.Errorf("CATALOG_MARKUP_PERCENT must not be negative, got %v", c.Catalog.MarkupPercent)
	}
	if c.Catalog.TTL <= 0 || c.Catalog.RefreshInterval <= 0 {
		return fmt.Errorf("catalog TTL and refresh interval must be positive")
	}
	if c.Catalog.RefreshInterval > c.Catalog.TTL {
		return fmt.Errorf("CATALOG_REFRESH_INTERVAL (%s) must not exceed CATALOG_TTL (%s)",
			c.Catalog.RefreshInterval, c.Catalog.TTL)
	}
	if c.Reconcile.PaymentInterval <= 0 || c.Reconcile.ProgressInterval <= 0 {
		return fmt.Errorf("reconcile intervals must be positive")
	}
	if c.Reconcile.MaxInflight < 1 {
		return fmt.Errorf("RECONCILE_MAX_INFLIGHT must be at least 1")
	}
	if c.Provider.Timeout <= 0 || c.Gateway.Timeout <= 0 {
		return fmt.Errorf("upstream timeouts must be positive")
	}
	switch c.Store.Driver {
	case StoreDriverMemory, StoreDriverPostgres:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.Store.Driver)
	}
	return nil
}

// ConnectionString returns the PostgreSQL connection string
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getIntEnv gets an integer environment variable or returns a default value
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getFloatEnv gets a float environment variable or returns a default value
func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getDurationEnv gets a duration environment variable or returns a default value
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
