// Package config loads service configuration from the environment, an
// optional .env file and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jsegovia1984/KipuBankV2/internal/app/domain/custody"
	"github.com/jsegovia1984/KipuBankV2/pkg/logger"
)

// FileEnv names the variable holding the optional YAML config path.
const FileEnv = "KIPUBANK_CONFIG"

// Config is the complete service configuration.
type Config struct {
	Server    ServerConfig         `yaml:"server"`
	Logging   logger.LoggingConfig `yaml:"logging"`
	Database  DatabaseConfig       `yaml:"database"`
	Bank      BankConfig           `yaml:"bank"`
	Oracle    OracleConfig         `yaml:"oracle"`
	Auth      AuthConfig           `yaml:"auth"`
	RateLimit RateLimitConfig      `yaml:"rate_limit"`
	Redis     RedisConfig          `yaml:"redis"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"HTTP_ADDR,default=:8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"HTTP_READ_TIMEOUT,default=10s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"HTTP_WRITE_TIMEOUT,default=15s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"HTTP_SHUTDOWN_TIMEOUT,default=15s"`
	// CORSOrigins is semicolon separated in the environment.
	CORSOrigins []string `yaml:"cors_origins" env:"HTTP_CORS_ORIGINS"`
}

// DatabaseConfig selects PostgreSQL when DSN is set; otherwise the ledger
// lives in memory.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn" env:"DATABASE_URL"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS,default=10"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS,default=5"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME,default=30m"`
	AutoMigrate     bool          `yaml:"auto_migrate" env:"DATABASE_AUTO_MIGRATE,default=true"`
}

type BankConfig struct {
	// Deployer receives ADMIN and MANAGER on first start.
	Deployer        string `yaml:"deployer" env:"BANK_DEPLOYER"`
	NativePrecision int    `yaml:"native_precision" env:"BANK_NATIVE_PRECISION,default=18"`
	// InitialCap is in normalized units (6 fractional digits).
	InitialCap string `yaml:"initial_cap" env:"BANK_INITIAL_CAP,default=1000000000000"`
	// LocalVault enables the in-memory asset vault for transfers. It cannot be
	// combined with a persistent ledger.
	LocalVault bool `yaml:"local_vault" env:"BANK_LOCAL_VAULT,default=true"`
}

type OracleConfig struct {
	BaseAsset  string        `yaml:"base_asset" env:"PRICEFEED_BASE,default=NEO"`
	QuoteAsset string        `yaml:"quote_asset" env:"PRICEFEED_QUOTE,default=USD"`
	SourceURL  string        `yaml:"source_url" env:"PRICEFEED_FETCH_URL"`
	Token      string        `yaml:"token" env:"PRICEFEED_FETCH_KEY"`
	PricePath  string        `yaml:"price_path" env:"PRICEFEED_PRICE_PATH,default=price"`
	Schedule   string        `yaml:"schedule" env:"PRICEFEED_SCHEDULE,default=@every 1m"`
	Heartbeat  time.Duration `yaml:"heartbeat" env:"PRICEFEED_HEARTBEAT,default=1h"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" env:"AUTH_JWT_SECRET"`
	Issuer    string `yaml:"issuer" env:"AUTH_JWT_ISSUER"`
	// AllowHeaderPrincipal trusts the X-Principal header. Local use only.
	AllowHeaderPrincipal bool `yaml:"allow_header_principal" env:"AUTH_ALLOW_HEADER_PRINCIPAL,default=false"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" env:"RATE_LIMIT_RPS,default=20"`
	Burst             int     `yaml:"burst" env:"RATE_LIMIT_BURST,default=40"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB,default=0"`
	Channel  string `yaml:"channel" env:"REDIS_CHANNEL,default=kipubank:records"`
}

// Load reads .env (if present), decodes the environment and overlays the
// YAML file named by KIPUBANK_CONFIG. Values in the file win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	if path := strings.TrimSpace(os.Getenv(FileEnv)); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Bank.Deployer) == "" {
		errs = append(errs, errors.New("bank.deployer (BANK_DEPLOYER) is required"))
	}
	if p := c.Bank.NativePrecision; p < 0 || p > custody.MaxPrecision {
		errs = append(errs, fmt.Errorf("bank.native_precision must be within [0, %d], got %d", custody.MaxPrecision, p))
	}
	if _, err := c.Bank.Cap(); err != nil {
		errs = append(errs, err)
	}
	if c.Oracle.Heartbeat <= 0 {
		errs = append(errs, errors.New("oracle.heartbeat must be positive"))
	}
	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("rate_limit values must not be negative"))
	}
	if strings.TrimSpace(c.Database.DSN) != "" && c.Bank.LocalVault {
		errs = append(errs, errors.New("bank.local_vault (BANK_LOCAL_VAULT) must be false when database.dsn (DATABASE_URL) is set"))
	}
	if c.Auth.JWTSecret == "" && !c.Auth.AllowHeaderPrincipal {
		errs = append(errs, errors.New("auth.jwt_secret (AUTH_JWT_SECRET) is required unless header principals are allowed"))
	}
	return errors.Join(errs...)
}

// Cap parses the configured initial cap.
func (b BankConfig) Cap() (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(b.InitialCap), 10)
	if !ok {
		return nil, fmt.Errorf("bank.initial_cap %q is not an integer", b.InitialCap)
	}
	if v.Sign() < 0 || v.Cmp(custody.MaxAmount) > 0 {
		return nil, fmt.Errorf("bank.initial_cap %s is out of range", v)
	}
	return v, nil
}
