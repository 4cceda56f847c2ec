package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// AppConfig holds the application-level configuration
type AppConfig struct {
	NodeID           string        `mapstructure:"node_id"`
	ListenAddr       string        `mapstructure:"listen_addr"`
	HTTPAddr         string        `mapstructure:"http_addr"`
	StoragePath      string        `mapstructure:"storage_path"`
	ChunkSize        int           `mapstructure:"chunk_size"`
	BatchSize        int           `mapstructure:"batch_size"`
	HighWaterMark    uint64        `mapstructure:"high_water_mark"`
	MaxPayloadSize   int64         `mapstructure:"max_payload_size"`
	ProgressInterval time.Duration `mapstructure:"progress_interval"`
	HashAlgorithm    string        `mapstructure:"hash_algorithm"`
	CompressAtRest   bool          `mapstructure:"compress_at_rest"`
	Debug            bool          `mapstructure:"debug"`
}

var Config *AppConfig

// LoadConfig reads config.yaml from path, layering CHUNKCAST_* env vars and
// defaults underneath. A missing file is not an error.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(path)
	v.SetEnvPrefix("CHUNKCAST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
		log.Printf("⚠️ Could not read config file, using defaults: %v", err)
	}

	var appConfig AppConfig
	if err := v.Unmarshal(&appConfig); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	if appConfig.NodeID == "" {
		appConfig.NodeID = uuid.NewString()
	}
	if err := appConfig.Validate(); err != nil {
		return nil, err
	}

	Config = &appConfig
	return &appConfig, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node_id", "")
	v.SetDefault("listen_addr", "0.0.0.0:7946")
	v.SetDefault("http_addr", "0.0.0.0:3456")
	v.SetDefault("storage_path", "./data")
	v.SetDefault("chunk_size", 16*1024)
	v.SetDefault("batch_size", 32)
	v.SetDefault("high_water_mark", 1<<20)
	v.SetDefault("max_payload_size", int64(2)<<30)
	v.SetDefault("progress_interval", 100*time.Millisecond)
	v.SetDefault("hash_algorithm", "md5")
	v.SetDefault("compress_at_rest", true)
	v.SetDefault("debug", false)
}

// Validate rejects settings the transfer engine cannot run with.
func (c *AppConfig) Validate() error {
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be positive, got %d", c.ChunkSize)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.MaxPayloadSize <= 0 {
		return fmt.Errorf("max_payload_size must be positive, got %d", c.MaxPayloadSize)
	}
	switch strings.ToLower(c.HashAlgorithm) {
	case "md5", "blake2b":
	default:
		return fmt.Errorf("unsupported hash_algorithm %q", c.HashAlgorithm)
	}
	return nil
}
