// Package config loads service configuration from an optional file and
// LEASEBOND_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config stores the service configuration.
type Config struct {
	// Logging level
	LogLevel string

	// Maximum time the server waits for in-flight requests on shutdown.
	StopTimeout time.Duration

	Server      Server
	Auth        Auth
	Escrow      Escrow
	Storage     Storage
	Idempotency Idempotency
	Ledger      Ledger
	Relay       Relay
}

type Server struct {
	ListenAddress     string
	ReadHeaderTimeout time.Duration
}

type Auth struct {
	// Shared HMAC secret. Required unless Insecure is set.
	HMACSecret string
	MaxSkew    time.Duration

	// Insecure trusts the caller header when no secret is set. Local
	// development only.
	Insecure bool
}

type Escrow struct {
	// 1 locks the penalty branch only, 2 locks penalty and refund.
	Branches      int
	PenaltyExpiry time.Duration
	RefundExpiry  time.Duration
	BaseFee       uint64

	// Decimals of the major unit, used to convert bondAmountMajor.
	Decimals int32

	// Address format, "xrpl" or "evm".
	AddressFormat string
}

type Storage struct {
	// "memory" or "postgres"
	Driver      string
	PostgresDSN string
}

type Idempotency struct {
	// "memory", "postgres" or "redis"
	Driver          string
	Window          time.Duration
	CleanupInterval time.Duration
	Redis           Redis
}

type Redis struct {
	Addr     string
	Username string
	Password string
	DB       int
	Prefix   string
}

type Ledger struct {
	// "none", "fake", "rippled" or "evm"
	Driver  string
	Rippled Rippled
	EVM     EVM
}

type Rippled struct {
	URL               string
	RequestTimeout    time.Duration
	ValidationTimeout time.Duration
	PollInterval      time.Duration
}

type EVM struct {
	RPCURL          string
	ContractAddress string
}

// Relay backoff, 0 is the library default
type Relay struct {
	MaxElapsedTime time.Duration
	MaxInterval    time.Duration
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("LogLevel", "info")
	v.SetDefault("StopTimeout", "15s")

	v.SetDefault("Server.ListenAddress", ":3000")
	v.SetDefault("Server.ReadHeaderTimeout", "15s")

	v.SetDefault("Auth.HMACSecret", "")
	v.SetDefault("Auth.MaxSkew", "60s")
	v.SetDefault("Auth.Insecure", false)

	v.SetDefault("Escrow.Branches", 2)
	v.SetDefault("Escrow.PenaltyExpiry", "2160h")
	v.SetDefault("Escrow.RefundExpiry", "2160h")
	v.SetDefault("Escrow.BaseFee", 10)
	v.SetDefault("Escrow.Decimals", 6)
	v.SetDefault("Escrow.AddressFormat", "xrpl")

	v.SetDefault("Storage.Driver", "memory")
	v.SetDefault("Storage.PostgresDSN", "")

	v.SetDefault("Idempotency.Driver", "memory")
	v.SetDefault("Idempotency.Window", "24h")
	v.SetDefault("Idempotency.CleanupInterval", "10m")
	v.SetDefault("Idempotency.Redis.Addr", "localhost:6379")
	v.SetDefault("Idempotency.Redis.Username", "")
	v.SetDefault("Idempotency.Redis.Password", "")
	v.SetDefault("Idempotency.Redis.DB", 0)
	v.SetDefault("Idempotency.Redis.Prefix", "leasebond:idem:")

	v.SetDefault("Ledger.Driver", "none")
	v.SetDefault("Ledger.Rippled.URL", "https://s.altnet.rippletest.net:51234")
	v.SetDefault("Ledger.Rippled.RequestTimeout", "10s")
	v.SetDefault("Ledger.Rippled.ValidationTimeout", "30s")
	v.SetDefault("Ledger.Rippled.PollInterval", "1s")
	v.SetDefault("Ledger.EVM.RPCURL", "http://localhost:8545")
	v.SetDefault("Ledger.EVM.ContractAddress", "")

	v.SetDefault("Relay.MaxElapsedTime", "30s")
	v.SetDefault("Relay.MaxInterval", "5s")
}

// Default returns the configuration with no file and no environment. It is
// not validated: the auth section has to be filled in before use.
func Default() *Config {
	cfg, _ := read(viper.New(), "")
	return cfg
}

// Load reads filename (yaml or json, optional) and applies LEASEBOND_*
// environment overrides, e.g. LEASEBOND_ESCROW_BRANCHES=1.
func Load(filename string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LEASEBOND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg, err := read(v, filename)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func read(v *viper.Viper, filename string) (*Config, error) {
	setDefaults(v)

	if filename != "" {
		v.SetConfigFile(filename)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Auth.HMACSecret == "" && !c.Auth.Insecure {
		return fmt.Errorf("auth.hmacsecret is required unless auth.insecure is set")
	}
	if c.Escrow.Branches != 1 && c.Escrow.Branches != 2 {
		return fmt.Errorf("escrow.branches must be 1 or 2, got %d", c.Escrow.Branches)
	}
	if c.Escrow.Decimals < 0 || c.Escrow.Decimals > 18 {
		return fmt.Errorf("escrow.decimals out of range: %d", c.Escrow.Decimals)
	}
	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("storage.postgresdsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	switch c.Idempotency.Driver {
	case "memory", "redis":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("storage.postgresdsn is required for postgres idempotency")
		}
	default:
		return fmt.Errorf("unknown idempotency driver %q", c.Idempotency.Driver)
	}
	switch c.Ledger.Driver {
	case "none", "fake":
	case "rippled":
		if c.Ledger.Rippled.URL == "" {
			return fmt.Errorf("ledger.rippled.url is required")
		}
	case "evm":
		if c.Ledger.EVM.ContractAddress == "" {
			return fmt.Errorf("ledger.evm.contractaddress is required")
		}
	default:
		return fmt.Errorf("unknown ledger driver %q", c.Ledger.Driver)
	}
	return nil
}
