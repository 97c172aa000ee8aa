package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the paygent sidecar configuration.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Database  DatabaseConfig  `yaml:"database"`
	Chain     ChainConfig     `yaml:"chain"`
	Inference InferenceConfig `yaml:"inference"`
	Session   SessionConfig   `yaml:"session"`
	Auth      AuthConfig      `yaml:"auth"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (default: determined by env)
}

// AuthConfig holds API authentication settings.
type AuthConfig struct {
	APIKeys []string `yaml:"api_keys"`
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Port            int `yaml:"port"`
	ReadTimeoutSec  int `yaml:"read_timeout_sec"`
	WriteTimeoutSec int `yaml:"write_timeout_sec"`
	ShutdownSec     int `yaml:"shutdown_timeout_sec"`
}

// DatabaseConfig holds session-store connection settings.
type DatabaseConfig struct {
	Addrs            []string `yaml:"addrs"`
	Password         string   `yaml:"password"`
	KeyPrefix        string   `yaml:"key_prefix"`
	ReadinessTimeout int      `yaml:"readiness_timeout_sec"`
}

// ChainConfig holds payment-rail settings. PrivateKey empty means the
// sidecar starts disconnected: reads work, spending is refused.
type ChainConfig struct {
	RPCURL                string `yaml:"rpc_url"`
	ChainID               int64  `yaml:"chain_id"`
	TokenAddress          string `yaml:"token_address"`
	SessionManagerAddress string `yaml:"session_manager_address"`
	TreasuryAddress       string `yaml:"treasury_address"`
	PrivateKey            string `yaml:"private_key"`
}

// InferenceConfig holds the inference endpoint and pricing settings.
// Prices are in the payment token's smallest unit.
type InferenceConfig struct {
	BaseURL          string `yaml:"base_url"`
	DefaultModel     string `yaml:"default_model"`
	TimeoutSec       int    `yaml:"timeout_sec"`
	PricePerToken    int64  `yaml:"price_per_token"`
	PriceMultiplier  int64  `yaml:"price_multiplier"`
	MaxTokensPerCall int64  `yaml:"max_tokens_per_call"`
	MaxPaymentMicro  int64  `yaml:"max_payment_micro"`
	FlushIntervalMS  int    `yaml:"flush_interval_ms"`
}

// SessionConfig holds session lifecycle settings.
type SessionConfig struct {
	MaxDurationHours int `yaml:"max_duration_hours"`
}

// Load reads configuration from a YAML file by environment name (local, dev, prod).
func Load(env string) (Config, error) {
	configPath := findConfigPath(env)

	data, err := os.ReadFile(filepath.Clean(configPath))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", configPath, err)
	}

	// Substitute env variables of the form ${VAR}
	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// MustLoad loads configuration or panics.
func MustLoad(env string) Config {
	cfg, err := Load(env)
	if err != nil {
		panic(err)
	}
	return cfg
}

// GetEnv returns the current environment from the ENV variable, defaulting to "local".
func GetEnv() string {
	if env := os.Getenv("ENV"); env != "" {
		return env
	}
	return "local"
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.HTTP.ReadTimeoutSec <= 0 {
		c.HTTP.ReadTimeoutSec = 10
	}
	if c.HTTP.WriteTimeoutSec <= 0 {
		// Streamed chat responses stay open well past a normal request.
		c.HTTP.WriteTimeoutSec = 300
	}
	if c.HTTP.ShutdownSec <= 0 {
		c.HTTP.ShutdownSec = 10
	}
	if c.Database.ReadinessTimeout <= 0 {
		c.Database.ReadinessTimeout = 10
	}
	if c.Database.KeyPrefix == "" {
		c.Database.KeyPrefix = "paygent:"
	}
	if c.Inference.TimeoutSec <= 0 {
		c.Inference.TimeoutSec = 120
	}
	if c.Inference.PricePerToken <= 0 {
		c.Inference.PricePerToken = 150
	}
	if c.Inference.PriceMultiplier <= 0 {
		c.Inference.PriceMultiplier = 2
	}
	if c.Inference.MaxTokensPerCall <= 0 {
		c.Inference.MaxTokensPerCall = 4096
	}
	if c.Inference.MaxPaymentMicro <= 0 {
		c.Inference.MaxPaymentMicro = 1_000_000
	}
	if c.Inference.FlushIntervalMS <= 0 {
		c.Inference.FlushIntervalMS = 50
	}
	if c.Session.MaxDurationHours <= 0 {
		c.Session.MaxDurationHours = 168
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	if len(c.Database.Addrs) == 0 {
		return fmt.Errorf("database.addrs is required")
	}
	if c.Inference.BaseURL == "" {
		return fmt.Errorf("inference.base_url is required")
	}
	if c.Chain.RPCURL != "" {
		if c.Chain.ChainID == 0 {
			return fmt.Errorf("chain.chain_id is required when chain.rpc_url is set")
		}
		for name, adr := range map[string]string{
			"chain.token_address":           c.Chain.TokenAddress,
			"chain.session_manager_address": c.Chain.SessionManagerAddress,
			"chain.treasury_address":        c.Chain.TreasuryAddress,
		} {
			if adr == "" {
				return fmt.Errorf("%s is required when chain.rpc_url is set", name)
			}
		}
	}
	return nil
}

// findConfigPath locates the config file.
func findConfigPath(env string) string {
	filename := fmt.Sprintf("%s.yaml", env)

	// 1. Check ./config/
	if path := filepath.Join("config", filename); fileExists(path) {
		return path
	}

	// 2. Check relative to the source file
	_, b, _, _ := runtime.Caller(0)
	projectRoot := filepath.Dir(filepath.Dir(filepath.Dir(b))) // internal/config -> project root
	if path := filepath.Join(projectRoot, "config", filename); fileExists(path) {
		return path
	}

	// 3. Fallback to ./config/
	return filepath.Join("config", filename)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1]) // strip ${ and }
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
