package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the application configuration for both the API server and the
// relayer. Loaded from YAML, then overridden from the environment.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
	Network NetworkConfig `yaml:"network"`
	Pools   []PoolConfig  `yaml:"pools"`
	Cache   CacheConfig   `yaml:"cache"`
	Prover  ProverConfig  `yaml:"prover"`
	Relayer RelayerConfig `yaml:"relayer"`
	Admin   AdminConfig   `yaml:"admin"`
	CORS    CORSConfig    `yaml:"cors"`
}

// ServerConfig is the API server listen address.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// LogConfig controls logrus.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// NetworkConfig describes the chain the pools live on.
type NetworkConfig struct {
	Name         string   `yaml:"name"`
	ChainID      int64    `yaml:"chainId"`
	RPCEndpoints []string `yaml:"rpcEndpoints"`
}

// PoolConfig is one fixed-denomination pool contract.
type PoolConfig struct {
	// Denomination is the human label used in notes and fee tables ("1M").
	Denomination string `yaml:"denomination"`
	Address      string `yaml:"address"`
	// ValueWei is the pool's deposit value in wei, decimal string.
	ValueWei string `yaml:"valueWei"`
	// DeployBlock is where the first event scan starts.
	DeployBlock uint64 `yaml:"deployBlock"`
}

// CacheConfig tunes the deposit event cache.
type CacheConfig struct {
	Dir              string `yaml:"dir"`
	ChunkSize        uint64 `yaml:"chunkSize"`
	MemoryTTLSeconds int    `yaml:"memoryTtlSeconds"`
}

// ProverConfig points at the external proving service.
type ProverConfig struct {
	BaseURL        string `yaml:"baseUrl"`
	TimeoutSeconds int    `yaml:"timeoutSeconds"`
}

// RelayerConfig configures the relayer job engine and its fee schedule.
type RelayerConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	// PrivateKey is hex without 0x prefix. Environment only in production.
	PrivateKey string `yaml:"privateKey"`
	// BaseURL is how the API server reaches the relayer (directory entry).
	BaseURL string `yaml:"baseUrl"`

	FeePercent map[string]float64 `yaml:"feePercent"` // denomination -> percent
	MinFeeWei  map[string]string  `yaml:"minFeeWei"`  // denomination -> wei, decimal string

	WithdrawGasLimit      uint64 `yaml:"withdrawGasLimit"`
	GasLimitMarginPercent int64  `yaml:"gasLimitMarginPercent"`
	GasPriceMarginPercent int64  `yaml:"gasPriceMarginPercent"`
	ConfirmTimeoutSeconds int    `yaml:"confirmTimeoutSeconds"`
	JobRetentionHours     int    `yaml:"jobRetentionHours"`
}

// AdminConfig restricts operator endpoints.
type AdminConfig struct {
	AllowedIPs []string `yaml:"allowedIPs"`
}

// CORSConfig is the browser origin allowlist.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

// Load reads the YAML file at path (CONFIG_PATH or config.yaml when empty),
// applies environment overrides and defaults, and validates pool entries.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "config.yaml"
		if _, err := os.Stat("config.local.yaml"); err == nil {
			path = "config.local.yaml"
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.overrideFromEnv()
	cfg.applyDefaults()

	for _, p := range cfg.Pools {
		if p.Denomination == "" || p.Address == "" {
			return nil, fmt.Errorf("pool entry missing denomination or address: %+v", p)
		}
		if _, err := p.Value(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

func (c *Config) overrideFromEnv() {
	if host := os.Getenv("SERVER_HOST"); host != "" {
		c.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if rpc := os.Getenv("RPC_URL"); rpc != "" {
		c.Network.RPCEndpoints = strings.Split(rpc, ",")
	}
	if dir := os.Getenv("CACHE_DIR"); dir != "" {
		c.Cache.Dir = dir
	}
	if prover := os.Getenv("PROVER_BASE_URL"); prover != "" {
		c.Prover.BaseURL = prover
	}
	if key := os.Getenv("RELAYER_PRIVATE_KEY"); key != "" {
		c.Relayer.PrivateKey = key
	}
	if addr := os.Getenv("RELAYER_ADDRESS"); addr != "" {
		c.Relayer.Address = addr
	}
	if origins := os.Getenv("CORS_ALLOWED_ORIGINS"); origins != "" {
		c.CORS.AllowedOrigins = nil
		for _, o := range strings.Split(origins, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				c.CORS.AllowedOrigins = append(c.CORS.AllowedOrigins, trimmed)
			}
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8888
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Cache.Dir == "" {
		c.Cache.Dir = "cache"
	}
	if c.Cache.ChunkSize == 0 {
		c.Cache.ChunkSize = 10_000
	}
	if c.Cache.MemoryTTLSeconds == 0 {
		c.Cache.MemoryTTLSeconds = 60
	}
	if c.Prover.TimeoutSeconds == 0 {
		c.Prover.TimeoutSeconds = 600
	}
	if c.Relayer.Port == 0 {
		c.Relayer.Port = 4000
	}
	if c.Relayer.WithdrawGasLimit == 0 {
		c.Relayer.WithdrawGasLimit = 350_000
	}
	if c.Relayer.GasLimitMarginPercent == 0 {
		c.Relayer.GasLimitMarginPercent = 20
	}
	if c.Relayer.GasPriceMarginPercent == 0 {
		c.Relayer.GasPriceMarginPercent = 10
	}
	if c.Relayer.ConfirmTimeoutSeconds == 0 {
		c.Relayer.ConfirmTimeoutSeconds = 120
	}
	if c.Relayer.JobRetentionHours == 0 {
		c.Relayer.JobRetentionHours = 24
	}
}

// ValidateRelayer rejects a config the relayer binary cannot run with.
func (c *Config) ValidateRelayer() error {
	if c.Relayer.Address == "" || c.Relayer.PrivateKey == "" {
		return fmt.Errorf("relayer address and RELAYER_PRIVATE_KEY must be configured")
	}
	if len(c.Network.RPCEndpoints) == 0 {
		return fmt.Errorf("network.rpcEndpoints must not be empty")
	}
	return nil
}

// Pool returns the pool entry for a denomination label.
func (c *Config) Pool(denomination string) (*PoolConfig, error) {
	for i := range c.Pools {
		if c.Pools[i].Denomination == denomination {
			return &c.Pools[i], nil
		}
	}
	return nil, fmt.Errorf("unknown denomination %q", denomination)
}

// PoolByAddress returns the pool entry for a contract address.
func (c *Config) PoolByAddress(address string) (*PoolConfig, error) {
	for i := range c.Pools {
		if strings.EqualFold(c.Pools[i].Address, address) {
			return &c.Pools[i], nil
		}
	}
	return nil, fmt.Errorf("contract %s is not a configured pool", address)
}

// Value parses the pool's deposit value.
func (p *PoolConfig) Value() (*big.Int, error) {
	v, ok := new(big.Int).SetString(p.ValueWei, 10)
	if !ok || v.Sign() <= 0 {
		return nil, fmt.Errorf("pool %s: invalid valueWei %q", p.Denomination, p.ValueWei)
	}
	return v, nil
}

// FeeSchedule assembles the relayer fee table, falling back per field to the
// built-in defaults when the config leaves a denomination out.
func (c *Config) FeeScheduleOverrides() (percent map[string]float64, minFee map[string]*big.Int, err error) {
	percent = c.Relayer.FeePercent
	if len(c.Relayer.MinFeeWei) > 0 {
		minFee = make(map[string]*big.Int, len(c.Relayer.MinFeeWei))
		for denom, s := range c.Relayer.MinFeeWei {
			v, ok := new(big.Int).SetString(s, 10)
			if !ok {
				return nil, nil, fmt.Errorf("relayer.minFeeWei[%s]: invalid wei value %q", denom, s)
			}
			minFee[denom] = v
		}
	}
	return percent, minFee, nil
}
