package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Indexer       IndexerConfig       `mapstructure:"indexer"`
	Prices        PricesConfig        `mapstructure:"prices"`
	Metadata      MetadataConfig      `mapstructure:"metadata"`
	Subscriptions SubscriptionsConfig `mapstructure:"subscriptions"`
	Realtime      RealtimeConfig      `mapstructure:"realtime"`
	Retry         RetryConfig         `mapstructure:"retry"`
	Logging       LoggingConfig       `mapstructure:"logging"`
}

type ServerConfig struct {
	MetricsPort int `mapstructure:"metrics_port"`
}

type DatabaseConfig struct {
	Driver                string        `mapstructure:"driver"`
	Host                  string        `mapstructure:"host"`
	Port                  int           `mapstructure:"port"`
	Name                  string        `mapstructure:"name"`
	User                  string        `mapstructure:"user"`
	Password              string        `mapstructure:"password"`
	SSLMode               string        `mapstructure:"ssl_mode"`
	MaxConnections        int32         `mapstructure:"max_connections"`
	DonationBatchSize     int           `mapstructure:"donation_batch_size"`
	DonationFlushInterval time.Duration `mapstructure:"donation_flush_interval"`
}

type StorageConfig struct {
	DataDir        string `mapstructure:"data_dir"`
	BlockCachePath string `mapstructure:"block_cache_path"`
}

type ChainConfig struct {
	ID        int64  `mapstructure:"id"`
	RPCURL    string `mapstructure:"rpc_url"`
	FromBlock uint64 `mapstructure:"from_block"`
}

type IndexerConfig struct {
	Chains        []ChainConfig `mapstructure:"chains"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	Confirmations uint64        `mapstructure:"confirmations"`
	MaxBlockRange uint64        `mapstructure:"max_block_range"`
	CatalogPath   string        `mapstructure:"catalog_path"`
}

type PricesConfig struct {
	CoingeckoURL    string        `mapstructure:"coingecko_url"`
	CoingeckoAPIKey string        `mapstructure:"coingecko_api_key"`
	BucketSize      uint64        `mapstructure:"bucket_size"`
	CacheSize       int           `mapstructure:"cache_size"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
}

type MetadataConfig struct {
	Gateways      []string      `mapstructure:"gateways"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxConcurrent int64         `mapstructure:"max_concurrent"`
	RedisURL      string        `mapstructure:"redis_url"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl"`
}

type SubscriptionsConfig struct {
	PruneInterval time.Duration `mapstructure:"prune_interval"`
	// Expirations maps a contract name to how long after its from block a
	// subscription stays active. Keys are compared case-insensitively.
	Expirations map[string]time.Duration `mapstructure:"expirations"`
}

type RealtimeConfig struct {
	APIURL string `mapstructure:"api_url"`
	APIKey string `mapstructure:"api_key"`
}

type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
}

type LoggingConfig struct {
	Level  string        `mapstructure:"level"`
	Format string        `mapstructure:"format"`
	File   LogFileConfig `mapstructure:"file"`
}

type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Load reads configPath (optional) and overlays INDEXER_* environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("INDEXER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.metrics_port", 9090)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "grants")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_connections", 10)
	v.SetDefault("database.donation_batch_size", 500)
	v.SetDefault("database.donation_flush_interval", "500ms")

	v.SetDefault("storage.data_dir", ".var/events")
	v.SetDefault("storage.block_cache_path", ".var/blocks.db")

	v.SetDefault("indexer.poll_interval", "20s")
	v.SetDefault("indexer.confirmations", 0)
	v.SetDefault("indexer.max_block_range", 10000)

	v.SetDefault("prices.coingecko_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("prices.bucket_size", 2000)
	v.SetDefault("prices.cache_size", 100)
	v.SetDefault("prices.poll_interval", "5m")

	v.SetDefault("metadata.gateways", []string{"https://ipfs.io/ipfs/"})
	v.SetDefault("metadata.timeout", "10s")
	v.SetDefault("metadata.max_concurrent", 16)
	v.SetDefault("metadata.cache_ttl", "168h")

	v.SetDefault("subscriptions.prune_interval", "10m")
	v.SetDefault("subscriptions.expirations", map[string]string{})

	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.initial_interval", "500ms")
	v.SetDefault("retry.max_interval", "30s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file.max_size_mb", 100)
	v.SetDefault("logging.file.max_backups", 5)
	v.SetDefault("logging.file.max_age_days", 28)
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if c.Indexer.MaxBlockRange == 0 {
		return fmt.Errorf("indexer.max_block_range must be positive")
	}
	if c.Prices.BucketSize == 0 {
		return fmt.Errorf("prices.bucket_size must be positive")
	}
	seen := make(map[int64]bool)
	for _, ch := range c.Indexer.Chains {
		if ch.RPCURL == "" {
			return fmt.Errorf("chain %d: rpc_url is required", ch.ID)
		}
		if seen[ch.ID] {
			return fmt.Errorf("chain %d configured twice", ch.ID)
		}
		seen[ch.ID] = true
	}
	return nil
}

// Expiration returns the configured window for a contract name.
func (c SubscriptionsConfig) Expiration(contractName string) (time.Duration, bool) {
	for name, d := range c.Expirations {
		if strings.EqualFold(name, contractName) {
			return d, true
		}
	}
	return 0, false
}

func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}
