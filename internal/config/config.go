package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config represents the global ~/.wppbot/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`

	Auth     AuthConfig     `toml:"auth"`
	Bot      BotConfig      `toml:"bot"`
	AI       AIConfig       `toml:"ai"`
	Search   SearchConfig   `toml:"search"`
	Dedup    DedupConfig    `toml:"dedup"`
	Download DownloadConfig `toml:"download"`
	Report   ReportConfig   `toml:"report"`
	Backup   BackupConfig   `toml:"backup"`
	Metrics  MetricsConfig  `toml:"metrics"`
}

// AuthConfig selects how an unlinked device is paired.
type AuthConfig struct {
	Method      string `toml:"method"` // qr or pairing
	PhoneNumber string `toml:"phone_number"`
}

// BotConfig tunes message handling.
type BotConfig struct {
	Persona       string `toml:"persona"`
	HistoryLimit  int    `toml:"history_limit"`
	ReplyInGroups bool   `toml:"reply_in_groups"`
	Workers       int    `toml:"workers"`
}

// AIConfig points at an OpenAI-compatible chat completions endpoint.
type AIConfig struct {
	BaseURL     string        `toml:"base_url"`
	APIKey      string        `toml:"api_key"`
	Model       string        `toml:"model"`
	VisionModel string        `toml:"vision_model"`
	MaxTokens   int           `toml:"max_tokens"`
	Temperature float64       `toml:"temperature"`
	Timeout     time.Duration `toml:"timeout"`
	MaxRetries  int           `toml:"max_retries"`
}

// SearchConfig configures the web search provider.
type SearchConfig struct {
	BaseURL    string        `toml:"base_url"`
	APIKey     string        `toml:"api_key"`
	NumResults int           `toml:"num_results"`
	Timeout    time.Duration `toml:"timeout"`
}

// DedupConfig tunes the deduplication windows.
type DedupConfig struct {
	IDTTL         time.Duration `toml:"id_ttl"`
	ContentTTL    time.Duration `toml:"content_ttl"`
	ContentBucket time.Duration `toml:"content_bucket"`
}

// DownloadConfig configures pending link downloads.
type DownloadConfig struct {
	YtDlpPath  string        `toml:"yt_dlp_path"`
	MaxBytes   int64         `toml:"max_bytes"`
	PendingTTL time.Duration `toml:"pending_ttl"`
	Timeout    time.Duration `toml:"timeout"` // one yt-dlp run
}

// ReportConfig configures operator reports.
type ReportConfig struct {
	OperatorJID    string        `toml:"operator_jid"`
	BugCooldown    time.Duration `toml:"bug_cooldown"`
	ConfigCooldown time.Duration `toml:"config_cooldown"`
}

// BackupConfig configures database snapshots.
type BackupConfig struct {
	Enabled  bool     `toml:"enabled"`
	Schedule string   `toml:"schedule"` // cron spec
	Keep     int      `toml:"keep"`
	S3       S3Config `toml:"s3"`
}

// S3Config enables uploading snapshots. An empty bucket disables upload.
type S3Config struct {
	Bucket   string `toml:"bucket"`
	Prefix   string `toml:"prefix"`
	Region   string `toml:"region"`
	Endpoint string `toml:"endpoint"`
	// Static keys for S3-compatible stores. Empty uses the default AWS chain.
	AccessKeyID     string `toml:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key"`
}

// MetricsConfig exposes Prometheus metrics. An empty address disables it.
type MetricsConfig struct {
	Addr string `toml:"addr"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Auth: AuthConfig{Method: "qr"},
		Bot: BotConfig{
			HistoryLimit: 20,
			Workers:      8,
		},
		AI: AIConfig{
			BaseURL:    "https://api.openai.com/v1",
			Model:      "gpt-4o-mini",
			MaxTokens:  1024,
			Timeout:    90 * time.Second,
			MaxRetries: 2,
		},
		Search: SearchConfig{
			BaseURL:    "https://api.exa.ai",
			NumResults: 5,
			Timeout:    30 * time.Second,
		},
		Dedup: DedupConfig{
			IDTTL:         2 * time.Minute,
			ContentTTL:    5 * time.Second,
			ContentBucket: 2 * time.Second,
		},
		Download: DownloadConfig{
			YtDlpPath:  "yt-dlp",
			MaxBytes:   64 << 20,
			PendingTTL: 5 * time.Minute,
			Timeout:    10 * time.Minute,
		},
		Report: ReportConfig{
			BugCooldown:    10 * time.Minute,
			ConfigCooldown: 6 * time.Hour,
		},
		Backup: BackupConfig{
			Enabled:  true,
			Schedule: "@every 6h",
			Keep:     7,
		},
	}
}

// Load reads config from the given path on top of the defaults. Returns an
// error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEffective builds the running configuration: defaults, then the config
// file if present, then variables from envFile (if present) and the process
// environment.
func LoadEffective(path, envFile string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	return cfg, cfg.Validate()
}

// ApplyEnv overrides fields from WPPBOT_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("WPPBOT_AUTH_METHOD", &c.Auth.Method)
	str("WPPBOT_PHONE_NUMBER", &c.Auth.PhoneNumber)
	str("WPPBOT_AI_BASE_URL", &c.AI.BaseURL)
	str("WPPBOT_AI_API_KEY", &c.AI.APIKey)
	str("WPPBOT_AI_MODEL", &c.AI.Model)
	str("WPPBOT_SEARCH_API_KEY", &c.Search.APIKey)
	str("WPPBOT_YT_DLP_PATH", &c.Download.YtDlpPath)
	str("WPPBOT_OPERATOR_JID", &c.Report.OperatorJID)
	str("WPPBOT_S3_BUCKET", &c.Backup.S3.Bucket)
	str("WPPBOT_S3_ENDPOINT", &c.Backup.S3.Endpoint)
	str("WPPBOT_S3_ACCESS_KEY_ID", &c.Backup.S3.AccessKeyID)
	str("WPPBOT_S3_SECRET_ACCESS_KEY", &c.Backup.S3.SecretAccessKey)
	str("WPPBOT_METRICS_ADDR", &c.Metrics.Addr)
}

// Validate checks values the daemon cannot run without.
func (c *Config) Validate() error {
	switch c.Auth.Method {
	case "qr":
	case "pairing":
		if c.Auth.PhoneNumber == "" {
			return errors.New("auth.phone_number is required for pairing")
		}
		if strings.Trim(c.Auth.PhoneNumber, "0123456789") != "" {
			return fmt.Errorf("auth.phone_number %q must contain digits only, with country code", c.Auth.PhoneNumber)
		}
	default:
		return fmt.Errorf("auth.method %q must be qr or pairing", c.Auth.Method)
	}
	if c.Bot.Workers < 1 {
		return fmt.Errorf("bot.workers must be positive, got %d", c.Bot.Workers)
	}
	if c.Backup.Enabled && c.Backup.Keep < 1 {
		return fmt.Errorf("backup.keep must be positive, got %d", c.Backup.Keep)
	}
	return nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
