package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
	"github.com/joho/godotenv"
)

// Storage drivers.
const (
	DriverMongo    = "mongo"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

const defaultAddr = "0.0.0.0:8080"

// Config holds the complete application configuration, loadable from
// environment variables (CAKEBOX_ prefix), flags, or YAML config files.
type Config struct {
	Addr     string `default:"0.0.0.0:8080" usage:"API server listen address"`
	Storage  StorageConfig
	Redis    RedisConfig
	Checkout CheckoutConfig
	CORS     CORSConfig
	Graceful GracefulConfig
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Driver   string `default:"mongo" usage:"Storage driver: mongo, postgres or memory"`
	URL      string `usage:"Connection URL (CAKEBOX_STORAGE_URL or DATABASE_URL)" flag:"storage-url"`
	Database string `default:"cakebox" usage:"MongoDB database name (CAKEBOX_STORAGE_DATABASE or DATABASE_NAME)"`
}

// RedisConfig enables the product cache when Addr is set.
type RedisConfig struct {
	Addr     string        `default:"" usage:"Redis address; empty disables the product cache"`
	Password string        `default:"" usage:"Redis password"`
	DB       int           `default:"0" usage:"Redis database number"`
	TTL      time.Duration `default:"5m" usage:"Product cache TTL"`
}

// CheckoutConfig tunes the checkout orchestrator.
type CheckoutConfig struct {
	SerializeBalance    bool          `default:"false" usage:"Serialize balance updates per user within the process" flag:"serialize-balance"`
	SettleTimeout       time.Duration `default:"10s" usage:"Bound for balance and ledger writes after an order is stored"`
	IdempotencyCapacity uint          `default:"100000" usage:"Expected number of idempotency keys tracked in memory"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads .env, then environment variables, flags and YAML config
// files, and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	return loadConfig(false)
}

func loadConfig(skipFlags bool) (*Config, error) {
	// A missing .env is not an error.
	_ = godotenv.Load()

	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "CAKEBOX",
		SkipFlags: skipFlags,
		Files:     []string{"config.yaml", "/etc/cakebox/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyPlatformDefaults maps platform-provided environment variables that use
// standard names like DATABASE_URL and PORT to the CAKEBOX_-prefixed
// configuration.
func (c *Config) applyPlatformDefaults() {
	if c.Storage.URL == "" {
		c.Storage.URL = os.Getenv("DATABASE_URL")
	}
	if v := os.Getenv("DATABASE_NAME"); v != "" && os.Getenv("CAKEBOX_STORAGE_DATABASE") == "" {
		c.Storage.Database = v
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == defaultAddr {
		c.Addr = "0.0.0.0:" + port
	}
}

// Validate reports configuration that cannot start the service.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverMongo:
		if c.Storage.Database == "" {
			return errors.New("storage database is required for the mongo driver")
		}
	case DriverPostgres:
	case DriverMemory:
		return nil
	default:
		return errors.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Storage.URL == "" {
		return errors.Errorf("storage URL is required for the %s driver: set CAKEBOX_STORAGE_URL or DATABASE_URL", c.Storage.Driver)
	}
	return nil
}
