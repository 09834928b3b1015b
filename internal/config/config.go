// Package config handles run configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/autonomys/gemini-3h-slash/internal/slashes"
	"github.com/autonomys/gemini-3h-slash/internal/staking"
)

// Config holds everything a remediation run needs.
type Config struct {
	// Chain
	RPCURL       string
	KeystoreSURI string // sudo key secret URI, never logged
	Treasury     string // hex account overriding the runtime constant (optional)

	// Input
	SlashList string // JSON file; the built-in gemini-3h list when empty
	Operators string // comma-separated operator ids to restrict the run to

	// Behaviour
	DryRun           bool
	InclusionTimeout time.Duration

	// Observability
	LogLevel       string
	LogFormat      string // "text" or "json"
	PushgatewayURL string
	OTLPEndpoint   string
}

const (
	DefaultRPCURL           = "wss://rpc-0.gemini-3h.subspace.network/ws"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "text"
	DefaultInclusionTimeout = 2 * time.Minute
)

// Load reads configuration from environment variables, after loading a
// .env file if present. Callers apply command-line overrides and then call
// Validate.
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	timeout, err := getEnvDuration("INCLUSION_TIMEOUT", DefaultInclusionTimeout)
	if err != nil {
		return nil, err
	}
	dryRun, err := getEnvBool("DRY_RUN", false)
	if err != nil {
		return nil, err
	}

	return &Config{
		RPCURL:           getEnv("RPC_URL", DefaultRPCURL),
		KeystoreSURI:     os.Getenv("KEYSTORE_SURI"), // Required, no default
		Treasury:         os.Getenv("TREASURY_ACCOUNT"),
		SlashList:        os.Getenv("SLASH_LIST"),
		Operators:        os.Getenv("OPERATORS"),
		DryRun:           dryRun,
		InclusionTimeout: timeout,
		LogLevel:         getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:        getEnv("LOG_FORMAT", DefaultLogFormat),
		PushgatewayURL:   os.Getenv("PUSHGATEWAY_URL"),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.KeystoreSURI == "" {
		return errors.New("KEYSTORE_SURI is required")
	}
	if c.RPCURL == "" {
		return errors.New("RPC_URL is required")
	}
	u, err := url.Parse(c.RPCURL)
	if err != nil {
		return fmt.Errorf("RPC_URL is invalid: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("RPC_URL must use ws, wss, http or https, got %q", u.Scheme)
	}
	if c.InclusionTimeout <= 0 {
		return errors.New("INCLUSION_TIMEOUT must be positive")
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}
	if c.Treasury != "" {
		if _, err := staking.AccountFromHex(c.Treasury); err != nil {
			return fmt.Errorf("TREASURY_ACCOUNT: %w", err)
		}
	}
	if _, err := slashes.ParseOperatorIDs(c.Operators); err != nil {
		return fmt.Errorf("OPERATORS: %w", err)
	}
	return nil
}

// OperatorIDs returns the operator filter; empty means every operator.
func (c *Config) OperatorIDs() []staking.OperatorID {
	ids, _ := slashes.ParseOperatorIDs(c.Operators)
	return ids
}

// TreasuryAccount returns the treasury override, if one is set.
func (c *Config) TreasuryAccount() (staking.AccountID, bool) {
	if c.Treasury == "" {
		return staking.AccountID{}, false
	}
	acc, err := staking.AccountFromHex(c.Treasury)
	return acc, err == nil
}

// SlashRecords loads the configured slash list, narrowed to the operator
// filter.
func (c *Config) SlashRecords() ([]staking.SlashRecord, error) {
	records := slashes.Default()
	if c.SlashList != "" {
		var err error
		if records, err = slashes.Load(c.SlashList); err != nil {
			return nil, err
		}
	}
	records = slashes.Filter(records, c.OperatorIDs())
	if len(records) == 0 {
		return nil, fmt.Errorf("%w after applying operator filter %q", slashes.ErrEmpty, c.Operators)
	}
	return records, nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}
