package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the lifecycle engine
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Retention RetentionConfig `mapstructure:"retention"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Compose   ComposeConfig   `mapstructure:"compose"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address   string `mapstructure:"address"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

func (s ServerConfig) Validate() error {
	if strings.TrimSpace(s.JWTSecret) == "" {
		return fmt.Errorf("server.jwt_secret is required")
	}
	return nil
}

// StorageConfig contains local store, spool and remote tier settings
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Spool    SpoolConfig    `mapstructure:"spool"`
}

// PostgresConfig contains Postgres connection settings
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
	if strings.TrimSpace(p.URL) != "" {
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

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// Addr returns host:port for the redis client.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

// SpoolConfig describes the bounded local volume holding raw capture files.
type SpoolConfig struct {
	Dir           string `mapstructure:"dir"`
	CapacityBytes int64  `mapstructure:"capacity_bytes"`
}

func (s SpoolConfig) Validate() error {
	if strings.TrimSpace(s.Dir) == "" {
		return fmt.Errorf("storage.spool.dir is required")
	}
	return nil
}

// RetentionConfig is the lifecycle policy for aging data out of the local tier.
type RetentionConfig struct {
	RawWindow            time.Duration `mapstructure:"raw_window"`
	ObservationRetention time.Duration `mapstructure:"observation_retention"`
	ArchiveCron          string        `mapstructure:"archive_cron"`
	EmergencyThreshold   float64       `mapstructure:"emergency_threshold"`
	EmergencyInterval    time.Duration `mapstructure:"emergency_interval"`
	EmergencyAge         time.Duration `mapstructure:"emergency_age"`
}

// Normalize applies the policy defaults for unset values.
func (r RetentionConfig) Normalize() RetentionConfig {
	if r.RawWindow <= 0 {
		r.RawWindow = 24 * time.Hour
	}
	if r.ObservationRetention <= 0 {
		r.ObservationRetention = 7 * 24 * time.Hour
	}
	if strings.TrimSpace(r.ArchiveCron) == "" {
		r.ArchiveCron = "0 3 * * *"
	}
	if r.EmergencyThreshold <= 0 || r.EmergencyThreshold > 1 {
		r.EmergencyThreshold = 0.70
	}
	if r.EmergencyInterval <= 0 {
		r.EmergencyInterval = 30 * time.Minute
	}
	if r.EmergencyAge <= 0 {
		r.EmergencyAge = 12 * time.Hour
	}
	return r
}

func (r RetentionConfig) Validate() error {
	if r.EmergencyAge >= r.RawWindow {
		return fmt.Errorf("retention.emergency_age must be shorter than retention.raw_window")
	}
	return nil
}

// IngestConfig controls how extraction is dispatched after persistence.
type IngestConfig struct {
	Dispatch string `mapstructure:"dispatch"` // stream or direct
	Stream   string `mapstructure:"stream"`
	Group    string `mapstructure:"group"`
	Workers  int    `mapstructure:"workers"`
}

func (i IngestConfig) Normalize() IngestConfig {
	if i.Dispatch == "" {
		i.Dispatch = "direct"
	}
	if i.Stream == "" {
		i.Stream = "observations"
	}
	if i.Group == "" {
		i.Group = "extractors"
	}
	if i.Workers <= 0 {
		i.Workers = 4
	}
	return i
}

func (i IngestConfig) Validate() error {
	switch i.Dispatch {
	case "stream", "direct":
		return nil
	}
	return fmt.Errorf("ingest.dispatch must be stream or direct, got %q", i.Dispatch)
}

// ComposeConfig bounds context bundle assembly.
type ComposeConfig struct {
	FactLimit     int           `mapstructure:"fact_limit"`
	RemoteTimeout time.Duration `mapstructure:"remote_timeout"`
}

func (c ComposeConfig) Normalize() ComposeConfig {
	if c.FactLimit <= 0 {
		c.FactLimit = 10
	}
	if c.RemoteTimeout <= 0 {
		c.RemoteTimeout = 10 * time.Second
	}
	return c
}

// ArchiveConfig selects and configures the remote tier backend.
type ArchiveConfig struct {
	Backend       string        `mapstructure:"backend"` // fs or s3
	Dir           string        `mapstructure:"dir"`
	CompressAfter time.Duration `mapstructure:"compress_after"`
	S3            S3Config      `mapstructure:"s3"`
}

func (a ArchiveConfig) Validate() error {
	switch a.Backend {
	case "fs":
		if strings.TrimSpace(a.Dir) == "" {
			return fmt.Errorf("archive.dir required for the fs backend")
		}
		return nil
	case "s3":
		return a.S3.Validate()
	}
	return fmt.Errorf("archive.backend must be fs or s3, got %q", a.Backend)
}

// S3Config contains object storage configuration.
type S3Config struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UsePathStyle    bool   `mapstructure:"use_path_style"`
}

func (s S3Config) Validate() error {
	if strings.TrimSpace(s.Bucket) == "" {
		return fmt.Errorf("archive.s3.bucket is required")
	}
	return nil
}

// LLMConfig configures the summarization collaborator.
type LLMConfig struct {
	Client      string        `mapstructure:"client"` // openai, anthropic or gemini
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	Temperature float64       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxCalls    int           `mapstructure:"max_calls_per_run"`
	MaxChars    int           `mapstructure:"max_chars_per_run"`
}

func (l LLMConfig) Normalize() LLMConfig {
	if l.Client == "" {
		l.Client = "openai"
	}
	if l.Model == "" {
		l.Model = "gpt-4o-mini"
	}
	if l.Temperature <= 0 {
		l.Temperature = 0.3
	}
	if l.MaxTokens <= 0 {
		l.MaxTokens = 500
	}
	if l.Timeout <= 0 {
		l.Timeout = 60 * time.Second
	}
	if l.MaxCalls <= 0 {
		l.MaxCalls = 8
	}
	if l.MaxChars <= 0 {
		l.MaxChars = 200_000
	}
	return l
}

// NotifyConfig selects the alerting channel for capacity events.
type NotifyConfig struct {
	Mode       string        `mapstructure:"mode"` // log, redis or webhook
	Channel    string        `mapstructure:"channel"`
	WebhookURL string        `mapstructure:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

func (n NotifyConfig) Normalize() NotifyConfig {
	if n.Mode == "" {
		n.Mode = "log"
	}
	if n.Channel == "" {
		n.Channel = "keepsake:alerts"
	}
	if n.Timeout <= 0 {
		n.Timeout = 10 * time.Second
	}
	return n
}

func (n NotifyConfig) Validate() error {
	switch n.Mode {
	case "log", "redis":
		return nil
	case "webhook":
		if strings.TrimSpace(n.WebhookURL) == "" {
			return fmt.Errorf("notify.webhook_url required for the webhook mode")
		}
		return nil
	}
	return fmt.Errorf("notify.mode must be log, redis or webhook, got %q", n.Mode)
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	PeriodicLogs bool   `mapstructure:"periodic_logs"`
	CostTracking bool   `mapstructure:"cost_tracking"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// LoadConfig loads config from file
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("json")
	viper.SetDefault("ingest.dispatch", "direct")
	viper.SetDefault("archive.backend", "fs")
	viper.SetDefault("notify.mode", "log")
	viper.SetDefault("telemetry.enabled", true)
	viper.SetDefault("telemetry.cost_tracking", true)

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

	viper.SetEnvPrefix("KEEPSAKE")
	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)

	viper.AutomaticEnv()

	err := viper.ReadInConfig()
	if err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	var config Config

	if err = viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	config.Retention = config.Retention.Normalize()
	config.Ingest = config.Ingest.Normalize()
	config.Compose = config.Compose.Normalize()
	config.LLM = config.LLM.Normalize()
	config.Notify = config.Notify.Normalize()

	if err := config.Server.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Postgres.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Spool.Validate(); err != nil {
		panic(err)
	}
	if err := config.Retention.Validate(); err != nil {
		panic(err)
	}
	if err := config.Ingest.Validate(); err != nil {
		panic(err)
	}
	if err := config.Archive.Validate(); err != nil {
		panic(err)
	}
	if err := config.Notify.Validate(); err != nil {
		panic(err)
	}
	return &config
}
