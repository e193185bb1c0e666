// Package config provides configuration types for the downloader.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Common errors.
var (
	ErrMissingURL     = errors.New("URL is required")
	ErrInvalidStorage = errors.New("invalid storage type")
	ErrMissingBucket  = errors.New("storage bucket is required")
)

// Config holds all application configuration.
type Config struct {
	Download  DownloadConfig  `mapstructure:"download" yaml:"download"`
	Transcode TranscodeConfig `mapstructure:"transcode" yaml:"transcode"`
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	History   HistoryConfig   `mapstructure:"history" yaml:"history"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
}

// DownloadConfig controls segment fetching and assembly.
type DownloadConfig struct {
	Concurrency   int               `mapstructure:"concurrency" yaml:"concurrency"`
	RetryDelay    time.Duration     `mapstructure:"retry_delay" yaml:"retry_delay"`
	Timeout       time.Duration     `mapstructure:"timeout" yaml:"timeout"`
	SkipTranscode bool              `mapstructure:"skip_transcode" yaml:"skip_transcode"`
	MaxBandwidth  int64             `mapstructure:"max_bandwidth" yaml:"max_bandwidth"` // bytes per second, 0 = unlimited
	Headers       map[string]string `mapstructure:"headers" yaml:"headers"`
}

// TranscodeConfig controls the remux engine.
type TranscodeConfig struct {
	FFmpegPath string `mapstructure:"ffmpeg_path" yaml:"ffmpeg_path"`
	Verify     bool   `mapstructure:"verify" yaml:"verify"`
	FastStart  bool   `mapstructure:"faststart" yaml:"faststart"`
}

// StorageConfig selects where finished files go.
type StorageConfig struct {
	Type      string `mapstructure:"type" yaml:"type"` // filesystem, s3, gcs
	OutputDir string `mapstructure:"output_dir" yaml:"output_dir"`

	Bucket string `mapstructure:"bucket" yaml:"bucket"`
	Prefix string `mapstructure:"prefix" yaml:"prefix"`

	// S3
	Region          string `mapstructure:"region" yaml:"region"`
	Endpoint        string `mapstructure:"endpoint" yaml:"endpoint"`
	Profile         string `mapstructure:"profile" yaml:"profile"`
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key"`
	UsePathStyle    bool   `mapstructure:"use_path_style" yaml:"use_path_style"`

	// GCS
	CredentialsFile string `mapstructure:"credentials_file" yaml:"credentials_file"`
}

// HistoryConfig controls the job history database.
type HistoryConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	SQLitePath string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"` // text, json
}

// ServerConfig controls the local control API.
type ServerConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// Default configuration values.
const (
	DefaultConcurrency = 5
	DefaultRetryDelay  = time.Second
	DefaultTimeout     = 30 * time.Second
	DefaultFFmpegPath  = "ffmpeg"
	DefaultStorage     = StorageFilesystem
	DefaultOutputDir   = "./downloads"
	DefaultSQLitePath  = "./m3u8keeper.db"
	DefaultLogLevel    = "info"
	DefaultLogFormat   = "text"
	DefaultServerAddr  = "127.0.0.1:8765"

	MaxConcurrency = 32
	MinConcurrency = 1

	EnvPrefix = "M3U8KEEPER"
)

// Storage backends.
const (
	StorageFilesystem = "filesystem"
	StorageS3         = "s3"
	StorageGCS        = "gcs"
)

// New returns a Config with sensible defaults.
func New() *Config {
	return &Config{
		Download: DownloadConfig{
			Concurrency: DefaultConcurrency,
			RetryDelay:  DefaultRetryDelay,
			Timeout:     DefaultTimeout,
			Headers:     make(map[string]string),
		},
		Transcode: TranscodeConfig{
			FFmpegPath: DefaultFFmpegPath,
			Verify:     true,
			FastStart:  true,
		},
		Storage: StorageConfig{
			Type:      DefaultStorage,
			OutputDir: DefaultOutputDir,
		},
		History: HistoryConfig{
			Enabled:    true,
			SQLitePath: DefaultSQLitePath,
		},
		Log: LogConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
		Server: ServerConfig{
			Addr: DefaultServerAddr,
		},
	}
}

// setDefaults mirrors New() into viper so unset keys keep their defaults.
func setDefaults(v *viper.Viper) {
	d := New()
	v.SetDefault("download.concurrency", d.Download.Concurrency)
	v.SetDefault("download.retry_delay", d.Download.RetryDelay)
	v.SetDefault("download.timeout", d.Download.Timeout)
	v.SetDefault("download.skip_transcode", false)
	v.SetDefault("download.max_bandwidth", 0)
	v.SetDefault("transcode.ffmpeg_path", d.Transcode.FFmpegPath)
	v.SetDefault("transcode.verify", d.Transcode.Verify)
	v.SetDefault("transcode.faststart", d.Transcode.FastStart)
	v.SetDefault("storage.type", d.Storage.Type)
	v.SetDefault("storage.output_dir", d.Storage.OutputDir)
	v.SetDefault("history.enabled", d.History.Enabled)
	v.SetDefault("history.sqlite_path", d.History.SQLitePath)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("server.addr", d.Server.Addr)
}

// Load reads configuration from path (YAML) and the environment.
// A missing file is only an error when path was given explicitly.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}

	cfg := New()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks if the configuration is valid and normalizes values.
func (c *Config) Validate() error {
	// Clamp concurrency to valid range
	if c.Download.Concurrency < MinConcurrency {
		c.Download.Concurrency = MinConcurrency
	}
	if c.Download.Concurrency > MaxConcurrency {
		c.Download.Concurrency = MaxConcurrency
	}
	if c.Download.RetryDelay < 0 {
		c.Download.RetryDelay = DefaultRetryDelay
	}
	if c.Download.Headers == nil {
		c.Download.Headers = make(map[string]string)
	}
	if c.Transcode.FFmpegPath == "" {
		c.Transcode.FFmpegPath = DefaultFFmpegPath
	}

	c.Storage.Type = strings.ToLower(c.Storage.Type)
	switch c.Storage.Type {
	case "", StorageFilesystem:
		c.Storage.Type = StorageFilesystem
		if c.Storage.OutputDir == "" {
			c.Storage.OutputDir = DefaultOutputDir
		}
	case StorageS3, StorageGCS:
		if c.Storage.Bucket == "" {
			return fmt.Errorf("%w for %s", ErrMissingBucket, c.Storage.Type)
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidStorage, c.Storage.Type)
	}

	if c.History.Enabled && c.History.SQLitePath == "" {
		c.History.SQLitePath = DefaultSQLitePath
	}
	return nil
}
