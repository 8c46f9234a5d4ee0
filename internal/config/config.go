// Package config loads runtime configuration from environment
// variables and an optional config file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds everything the server and pipeline need.
type Config struct {
	// HTTP
	ListenAddr string `mapstructure:"listen_addr"`

	// Storage
	DBPath   string `mapstructure:"db_path"`
	BlobDir  string `mapstructure:"blob_dir"`
	S3Region string `mapstructure:"s3_region"`
	S3Bucket string `mapstructure:"s3_bucket"` // when set, S3 replaces the local blob dir

	// Auth
	JWTSecret  string        `mapstructure:"jwt_secret"`
	AccessTTL  time.Duration `mapstructure:"access_ttl"`
	RefreshTTL time.Duration `mapstructure:"refresh_ttl"`

	// Gemini
	GeminiAPIKey string `mapstructure:"gemini_api_key"`
	GeminiModel  string `mapstructure:"gemini_model"`

	// Pipeline
	ChunkSize       int           `mapstructure:"chunk_size"`
	ChunkOverlap    int           `mapstructure:"chunk_overlap"`
	PipelineTimeout time.Duration `mapstructure:"pipeline_timeout"`

	// Notifications
	SMTPHost     string `mapstructure:"smtp_host"`
	SMTPPort     int    `mapstructure:"smtp_port"`
	SMTPUsername string `mapstructure:"smtp_username"`
	SMTPPassword string `mapstructure:"smtp_password"`
	SMTPFrom     string `mapstructure:"smtp_from"`
	SMSAuthKey   string `mapstructure:"sms_auth_key"`
	SMSTemplate  string `mapstructure:"sms_template"`
}

// Load reads configuration. Precedence: environment variables, then
// the optional config file, then defaults. A .env file is loaded
// best-effort for local development.
func Load(configFile string) (*Config, error) {
	// Missing .env is the normal production case.
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("caretrail")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Every key needs a default registered or AutomaticEnv will not
	// surface it through Unmarshal.
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("db_path", "caretrail.db")
	v.SetDefault("blob_dir", "blobs")
	v.SetDefault("s3_region", "us-east-1")
	v.SetDefault("s3_bucket", "")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("gemini_api_key", "")
	v.SetDefault("access_ttl", 15*time.Minute)
	v.SetDefault("refresh_ttl", 7*24*time.Hour)
	v.SetDefault("gemini_model", "gemini-2.0-flash")
	v.SetDefault("chunk_size", 1000)
	v.SetDefault("chunk_overlap", 50)
	v.SetDefault("pipeline_timeout", 10*time.Minute)
	v.SetDefault("smtp_host", "")
	v.SetDefault("smtp_port", 587)
	v.SetDefault("smtp_username", "")
	v.SetDefault("smtp_password", "")
	v.SetDefault("smtp_from", "noreply@caretrail.local")
	v.SetDefault("sms_auth_key", "")
	v.SetDefault("sms_template", "")

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the settings a running server cannot do without.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("jwt_secret is required")
	}
	if c.GeminiAPIKey == "" {
		return fmt.Errorf("gemini_api_key is required")
	}
	return nil
}
