// Package config loads payments service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

const sepoliaNetwork = "base-sepolia"

// Config holds all runtime settings for the payments service.
type Config struct {
	Port      int    `env:"PORT,default=8080"`
	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=json"`

	Network string `env:"NETWORK,default=base-sepolia"`
	RPCURL  string `env:"RPC_URL"`

	// SepoliaRPCURL is the older BASE_SEPOLIA_RPC_URL name. It only applies to base-sepolia.
	SepoliaRPCURL string `env:"BASE_SEPOLIA_RPC_URL"`

	X402Address   string `env:"X402_CONTRACT_ADDRESS"`
	EscrowAddress string `env:"ESCROW_CONTRACT_ADDRESS"`
	USDCAddress   string `env:"USDC_ADDRESS"`

	ConfirmationTimeout time.Duration `env:"CONFIRMATION_TIMEOUT,default=2m"`
	ReceiptPollInterval time.Duration `env:"RECEIPT_POLL_INTERVAL,default=2s"`
	ReconcileInterval   time.Duration `env:"ESCROW_RECONCILE_INTERVAL,default=30s"`
	StaleEscrowAfter    time.Duration `env:"ESCROW_STALE_AFTER,default=24h"`

	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`

	NotifyBaseURL string `env:"NOTIFY_BASE_URL"`
	NotifyToken   string `env:"NOTIFY_TOKEN"`

	JWTPublicKeyPEM    string `env:"JWT_PUBLIC_KEY"`
	CORSAllowedOrigins string `env:"CORS_ALLOWED_ORIGINS,default=*"`
	TipsPerHour        int    `env:"TIP_RATE_LIMIT_PER_HOUR,default=10"`

	// ChainID is resolved from the network preset.
	ChainID int64
}

// Load reads an optional .env file, decodes the environment and validates the result.
func Load(envFiles ...string) (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load(envFiles...)

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	networks, err := LoadNetworks()
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyNetwork(networks); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyNetwork resolves the chain id and default RPC URL from the selected preset.
func (c *Config) ApplyNetwork(networks map[string]*Network) error {
	n, ok := networks[c.Network]
	if !ok {
		return fmt.Errorf("unknown network %q (available: %s)", c.Network, strings.Join(NetworkNames(networks), ", "))
	}
	c.ChainID = n.ChainID
	if strings.TrimSpace(c.RPCURL) == "" && c.Network == sepoliaNetwork {
		c.RPCURL = strings.TrimSpace(c.SepoliaRPCURL)
	}
	if strings.TrimSpace(c.RPCURL) == "" {
		c.RPCURL = n.RPCURL
	}
	return nil
}

// Validate fails fast on missing or malformed contract addresses.
func (c *Config) Validate() error {
	var missing []string
	check := func(name, value string) {
		if !common.IsHexAddress(strings.TrimSpace(value)) {
			missing = append(missing, name)
		}
	}
	check("X402_CONTRACT_ADDRESS", c.X402Address)
	check("ESCROW_CONTRACT_ADDRESS", c.EscrowAddress)
	check("USDC_ADDRESS", c.USDCAddress)
	if len(missing) > 0 {
		return fmt.Errorf("missing or invalid contract address: %s", strings.Join(missing, ", "))
	}

	if c.RPCURL == "" {
		return fmt.Errorf("RPC URL is required")
	}
	if c.ConfirmationTimeout <= 0 {
		return fmt.Errorf("CONFIRMATION_TIMEOUT must be positive")
	}
	if c.ReceiptPollInterval <= 0 {
		return fmt.Errorf("RECEIPT_POLL_INTERVAL must be positive")
	}
	if c.TipsPerHour <= 0 {
		return fmt.Errorf("TIP_RATE_LIMIT_PER_HOUR must be positive")
	}
	return nil
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c *Config) AllowedOrigins() []string {
	var out []string
	for _, part := range strings.Split(c.CORSAllowedOrigins, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Contracts returns the validated contract addresses.
func (c *Config) Contracts() (x402, escrow, usdc common.Address) {
	return common.HexToAddress(c.X402Address), common.HexToAddress(c.EscrowAddress), common.HexToAddress(c.USDCAddress)
}
