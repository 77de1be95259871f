package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the diagnosis service
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Diagnosis DiagnosisConfig `mapstructure:"diagnosis"`
	Rollout   RolloutConfig   `mapstructure:"rollout"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Address string `mapstructure:"address"`
}

// DiagnosisConfig controls the matrix dispatcher and timeout subsystem.
type DiagnosisConfig struct {
	WorkerPoolSize      int           `mapstructure:"worker_pool_size"`
	MaxCells            int           `mapstructure:"max_cells"`
	MaxAttempts         int           `mapstructure:"max_attempts"`
	RetryBackoff        time.Duration `mapstructure:"retry_backoff"`
	ProviderCallTimeout time.Duration `mapstructure:"provider_call_timeout"`
	DefaultTimeout      time.Duration `mapstructure:"default_timeout"`
	SweepCron           string        `mapstructure:"sweep_cron"`
	SweepInterval       time.Duration `mapstructure:"sweep_interval"`
}

func (d DiagnosisConfig) Validate() error {
	if d.WorkerPoolSize <= 0 {
		return fmt.Errorf("diagnosis.worker_pool_size must be > 0")
	}
	if d.MaxCells <= 0 {
		return fmt.Errorf("diagnosis.max_cells must be > 0")
	}
	if d.MaxAttempts <= 0 {
		return fmt.Errorf("diagnosis.max_attempts must be > 0")
	}
	if d.ProviderCallTimeout >= d.DefaultTimeout {
		return fmt.Errorf("diagnosis.provider_call_timeout must be shorter than diagnosis.default_timeout")
	}
	return nil
}

// RolloutConfig is resolved once per execution at start time; a run never
// changes scoring behaviour mid-flight.
type RolloutConfig struct {
	ScoringV2Percent int      `mapstructure:"scoring_v2_percent"`
	ScoringV2Brands  []string `mapstructure:"scoring_v2_brands"`
}

func (r RolloutConfig) Validate() error {
	if r.ScoringV2Percent < 0 || r.ScoringV2Percent > 100 {
		return fmt.Errorf("rollout.scoring_v2_percent must be within [0,100]")
	}
	return nil
}

// ProvidersConfig contains per-platform AI provider configurations
type ProvidersConfig struct {
	OpenAI    ProviderConfig `mapstructure:"openai"`
	Anthropic ProviderConfig `mapstructure:"anthropic"`
	Gemini    ProviderConfig `mapstructure:"gemini"`
}

// ProviderConfig represents a single AI platform configuration
type ProviderConfig struct {
	APIKey            string        `mapstructure:"api_key"`
	BaseURL           string        `mapstructure:"base_url"`
	Models            []string      `mapstructure:"models"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	MaxTokens         int           `mapstructure:"max_tokens"`
	Temperature       float64       `mapstructure:"temperature"`
}

// StorageConfig contains datastore settings
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN builds a postgres connection string from the configured fields.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

// RedisConfig contains redis connection settings (sweeper locks)
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

// TelemetryConfig contains monitoring settings
type TelemetryConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// LoadConfig loads config from file
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("json")

	viper.SetDefault("server.address", ":10002")
	viper.SetDefault("diagnosis.worker_pool_size", 4)
	viper.SetDefault("diagnosis.max_cells", 64)
	viper.SetDefault("diagnosis.max_attempts", 3)
	viper.SetDefault("diagnosis.retry_backoff", "2s")
	viper.SetDefault("diagnosis.provider_call_timeout", "45s")
	viper.SetDefault("diagnosis.default_timeout", "600s")
	viper.SetDefault("diagnosis.sweep_cron", "@hourly")
	viper.SetDefault("diagnosis.sweep_interval", "1m")
	viper.SetDefault("rollout.scoring_v2_percent", 0)
	viper.SetDefault("telemetry.enabled", true)

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
		viper.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("BRANDLENS")
	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	if err := config.Diagnosis.Validate(); err != nil {
		panic(err)
	}
	if err := config.Rollout.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Postgres.Validate(); err != nil {
		panic(err)
	}
	return &config
}
