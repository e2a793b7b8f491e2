package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	ChainModeRPC   = "rpc"
	ChainModeLocal = "local"
)

type Config struct {
	Redis   RedisConfig
	Chain   ChainConfig
	Watcher WatcherConfig
	Source  SourceConfig
	Server  ServerConfig
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type ChainConfig struct {
	// Mode is "rpc" for a JSON-RPC node or "local" for the in-process chain.
	Mode               string `mapstructure:"mode"`
	RPCURL             string `mapstructure:"rpc_url"`
	RouterAddress      string `mapstructure:"router_address"`
	ProviderPrivateKey string `mapstructure:"provider_private_key"`
	ChainID            int64  `mapstructure:"chain_id"`
	// Salt is the router's deployment salt. Read from the contract when empty.
	Salt        string `mapstructure:"salt"`
	MaxGasPrice string `mapstructure:"max_gas_price"`
	GasLimit    uint64 `mapstructure:"gas_limit"`
}

type WatcherConfig struct {
	StartHeight         uint64  `mapstructure:"start_height"`
	Confirmations       uint64  `mapstructure:"confirmations"`
	BatchSize           uint64  `mapstructure:"batch_size"`
	PollIntervalMs      int64   `mapstructure:"poll_interval_ms"`
	Workers             int     `mapstructure:"workers"`
	ResubmitAfterBlocks uint64  `mapstructure:"resubmit_after_blocks"`
	MaxAttempts         int     `mapstructure:"max_attempts"`
	FetchRetries        uint64  `mapstructure:"fetch_retries"`
	SubmitRatePerSec    float64 `mapstructure:"submit_rate_per_sec"`
	SubmitBurst         int     `mapstructure:"submit_burst"`
	LockTTLSec          int64   `mapstructure:"lock_ttl_sec"`
	AwaitTimeoutSec     int64   `mapstructure:"await_timeout_sec"`
	RecoverySchedule    string  `mapstructure:"recovery_schedule"`
}

type SourceConfig struct {
	URLTemplate string `mapstructure:"url_template"`
	JSONPath    string `mapstructure:"json_path"`
	Decimals    int    `mapstructure:"decimals"`
	TimeoutSec  int64  `mapstructure:"timeout_sec"`
}

type ServerConfig struct {
	Port     int `mapstructure:"port"`
	GRPCPort int `mapstructure:"grpc_port"`
	// Operators is a comma-separated allowlist of wallets that may requeue
	// dead-lettered jobs.
	Operators string `mapstructure:"operators"`
}

// OperatorList splits the operator allowlist.
func (s ServerConfig) OperatorList() []string {
	var out []string
	for _, op := range strings.Split(s.Operators, ",") {
		if op = strings.TrimSpace(op); op != "" {
			out = append(out, op)
		}
	}
	return out
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.grpc_port", 9090)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("chain.mode", ChainModeRPC)
	v.SetDefault("chain.gas_limit", 300000)
	v.SetDefault("watcher.confirmations", 2)
	v.SetDefault("watcher.batch_size", 500)
	v.SetDefault("watcher.poll_interval_ms", 3000)
	v.SetDefault("watcher.workers", 4)
	v.SetDefault("watcher.resubmit_after_blocks", 20)
	v.SetDefault("watcher.max_attempts", 5)
	v.SetDefault("watcher.fetch_retries", 4)
	v.SetDefault("watcher.submit_rate_per_sec", 5.0)
	v.SetDefault("watcher.submit_burst", 5)
	v.SetDefault("watcher.lock_ttl_sec", 120)
	v.SetDefault("watcher.await_timeout_sec", 60)
	v.SetDefault("watcher.recovery_schedule", "@every 1m")
	v.SetDefault("source.json_path", "price")
	v.SetDefault("source.decimals", 8)
	v.SetDefault("source.timeout_sec", 10)

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"redis.addr":                    "REDIS_ADDR",
		"redis.password":                "REDIS_PASSWORD",
		"chain.mode":                    "CHAIN_MODE",
		"chain.rpc_url":                 "RPC_URL",
		"chain.router_address":          "ROUTER_CONTRACT",
		"chain.provider_private_key":    "PROVIDER_SIGNING_KEY",
		"chain.chain_id":                "CHAIN_ID",
		"chain.salt":                    "ROUTER_SALT",
		"chain.max_gas_price":           "MAX_GAS_PRICE",
		"chain.gas_limit":               "FULFIL_GAS_LIMIT",
		"watcher.start_height":          "START_HEIGHT",
		"watcher.confirmations":         "CONFIRMATIONS",
		"watcher.batch_size":            "SCAN_BATCH_SIZE",
		"watcher.poll_interval_ms":      "POLL_INTERVAL_MS",
		"watcher.workers":               "WORKERS",
		"watcher.resubmit_after_blocks": "RESUBMIT_AFTER_BLOCKS",
		"watcher.max_attempts":          "MAX_ATTEMPTS",
		"watcher.fetch_retries":         "FETCH_RETRIES",
		"watcher.submit_rate_per_sec":   "SUBMIT_RATE_PER_SEC",
		"watcher.submit_burst":          "SUBMIT_BURST",
		"watcher.lock_ttl_sec":          "LOCK_TTL_SEC",
		"watcher.await_timeout_sec":     "AWAIT_TIMEOUT_SEC",
		"watcher.recovery_schedule":     "RECOVERY_SCHEDULE",
		"source.url_template":           "SOURCE_URL_TEMPLATE",
		"source.json_path":              "SOURCE_JSON_PATH",
		"source.decimals":               "SOURCE_DECIMALS",
		"source.timeout_sec":            "SOURCE_TIMEOUT_SEC",
		"server.port":                   "PORT",
		"server.grpc_port":              "GRPC_PORT",
		"server.operators":              "OPERATOR_ADDRESSES",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	type req struct {
		val  string
		name string
	}
	required := []req{
		{c.Chain.ProviderPrivateKey, "PROVIDER_SIGNING_KEY"},
	}
	switch c.Chain.Mode {
	case ChainModeRPC:
		required = append(required,
			req{c.Chain.RPCURL, "RPC_URL"},
			req{c.Chain.RouterAddress, "ROUTER_CONTRACT"},
			req{c.Source.URLTemplate, "SOURCE_URL_TEMPLATE"},
		)
	case ChainModeLocal:
	default:
		return fmt.Errorf("invalid CHAIN_MODE %q", c.Chain.Mode)
	}
	for _, r := range required {
		if r.val == "" {
			return fmt.Errorf("required config missing: %s", r.name)
		}
	}
	if c.Chain.Mode == ChainModeRPC && c.Chain.ChainID == 0 {
		return fmt.Errorf("required config missing: CHAIN_ID")
	}
	if c.Watcher.Workers <= 0 {
		return fmt.Errorf("WORKERS must be positive")
	}
	if c.Watcher.BatchSize == 0 {
		return fmt.Errorf("SCAN_BATCH_SIZE must be positive")
	}
	if c.Watcher.ResubmitAfterBlocks == 0 {
		return fmt.Errorf("RESUBMIT_AFTER_BLOCKS must be positive")
	}
	if c.Watcher.AwaitTimeoutSec <= 0 {
		return fmt.Errorf("AWAIT_TIMEOUT_SEC must be positive")
	}
	// one job step must fit inside the lock even if every renewal fails
	fetchBudget := int64(c.Watcher.FetchRetries+1) * c.Source.TimeoutSec
	if step := c.Watcher.AwaitTimeoutSec + fetchBudget; c.Watcher.LockTTLSec <= step {
		return fmt.Errorf("LOCK_TTL_SEC (%d) must exceed AWAIT_TIMEOUT_SEC plus the fetch budget (%d)",
			c.Watcher.LockTTLSec, step)
	}
	return nil
}
