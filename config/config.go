package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// AppConfig holds the application-level configuration
type AppConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	UploadFolder      string        `mapstructure:"upload_folder"`
	TempFolder        string        `mapstructure:"temp_folder"`
	VersionFolder     string        `mapstructure:"version_folder"`
	MetadataPath      string        `mapstructure:"metadata_path"`
	ChunkSize         int64         `mapstructure:"chunk_size"`
	BufferSize        int           `mapstructure:"buffer_size"`
	BandwidthLimit    int64         `mapstructure:"bandwidth_limit"`
	AckEvery          int           `mapstructure:"ack_every"`
	MonitorInterval   time.Duration `mapstructure:"monitor_interval"`
	EnableCompression bool          `mapstructure:"enable_compression"`
	EnableVersioning  bool          `mapstructure:"enable_versioning"`
	JWTSecret         string        `mapstructure:"jwt_secret"`
	JWTIssuer         string        `mapstructure:"jwt_issuer"`
	RedisURL          string        `mapstructure:"redis_url"`
	RedisChannel      string        `mapstructure:"redis_channel"`
	MaxMessageSize    int64         `mapstructure:"max_message_size"`
	PingInterval      time.Duration `mapstructure:"ping_interval"`
	PingTimeout       time.Duration `mapstructure:"ping_timeout"`
	LogFile           string        `mapstructure:"log_file"`
	Debug             bool          `mapstructure:"debug"`
}

// Addr returns the listen address.
func (c *AppConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

var Config *AppConfig

// LoadConfig reads config.yaml from path, overlays environment variables and
// fills in defaults for anything left unset. A missing file is not an error.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(path)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var appConfig AppConfig
	if err := v.Unmarshal(&appConfig); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	if appConfig.ChunkSize <= 0 {
		appConfig.ChunkSize = 4 * 1024 * 1024
	}
	if appConfig.BufferSize <= 0 {
		appConfig.BufferSize = 8 * 1024 * 1024
	}
	if appConfig.AckEvery <= 0 {
		appConfig.AckEvery = 10
	}

	Config = &appConfig
	return Config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 5001)
	v.SetDefault("upload_folder", "shared_files")
	v.SetDefault("temp_folder", "temp_uploads")
	v.SetDefault("version_folder", "file_versions")
	v.SetDefault("metadata_path", "data/metadata")
	v.SetDefault("chunk_size", 4*1024*1024) // 4MB
	v.SetDefault("buffer_size", 8*1024*1024)
	v.SetDefault("bandwidth_limit", 0) // 0 = unlimited
	v.SetDefault("ack_every", 10)
	v.SetDefault("monitor_interval", 2*time.Second)
	v.SetDefault("enable_compression", false)
	v.SetDefault("enable_versioning", false)
	v.SetDefault("jwt_secret", "")
	v.SetDefault("jwt_issuer", "netshare")
	v.SetDefault("redis_url", "")
	v.SetDefault("redis_channel", "netshare:transfers")
	v.SetDefault("max_message_size", 64*1024*1024)
	v.SetDefault("ping_interval", 25*time.Second)
	v.SetDefault("ping_timeout", 120*time.Second)
	v.SetDefault("log_file", "")
	v.SetDefault("debug", false)
}
