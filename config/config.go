package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	AppName = "import-desk"

	SourceGitHub = "github"
	SourceWebDir = "webdir"

	SessionStoreFile   = "file"
	SessionStoreSQLite = "sqlite"
)

// Debug enables verbose request logging in source clients.
var Debug bool

// Config holds the application configuration
type Config struct {
	Listen            string        `yaml:"listen"`
	SessionsDir       string        `yaml:"sessions_dir"`
	SessionStore      string        `yaml:"session_store"`
	DatabasePath      string        `yaml:"database_path"`
	BatchSize         int           `yaml:"batch_size"`
	PausePollInterval time.Duration `yaml:"pause_poll_interval"`
	TokenTTL          time.Duration `yaml:"token_ttl"`
	ArchiveMaxItems   int           `yaml:"archive_max_items"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	ConvertExtensions []string      `yaml:"convert_extensions"`
	Source            Source        `yaml:"source"`
	Mirror            Mirror        `yaml:"mirror"`
	MCP               MCP           `yaml:"mcp"`
	Log               Log           `yaml:"log"`
}

// Source selects and configures the remote asset source.
type Source struct {
	Kind    string  `yaml:"kind"`
	GitHub  GitHub  `yaml:"github"`
	WebDir  WebDir  `yaml:"webdir"`
	Timeout Seconds `yaml:"timeout_seconds"`
}

// GitHub holds release-asset source settings.
type GitHub struct {
	BaseURL string    `yaml:"base_url"`
	PerPage int       `yaml:"per_page"`
	App     GitHubApp `yaml:"github_app"`
}

// GitHubApp holds GitHub App specific configuration
type GitHubApp struct {
	AppID          int64  `yaml:"app_id"`
	InstallationID int64  `yaml:"installation_id"`
	PrivateKey     string `yaml:"private_key"`
}

// Configured reports whether every App credential is present.
func (a GitHubApp) Configured() bool {
	return a.AppID != 0 && a.InstallationID != 0 && a.PrivateKey != ""
}

// WebDir holds settings for HTML directory listings.
type WebDir struct {
	Extensions []string `yaml:"extensions"`
	UserAgent  string   `yaml:"user_agent"`
}

// Seconds is a whole number of seconds.
type Seconds int

// Duration converts to time.Duration.
func (s Seconds) Duration() time.Duration { return time.Duration(s) * time.Second }

// Mirror configures the optional object-storage copy of imported files.
type Mirror struct {
	Endpoint        string `yaml:"endpoint"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UseSSL          bool   `yaml:"use_ssl"`
}

// Enabled reports whether a mirror endpoint and bucket are configured.
func (m Mirror) Enabled() bool {
	return m.Endpoint != "" && m.Bucket != ""
}

// MCP holds permissions for the MCP server.
type MCP struct {
	AllowControl bool `yaml:"allow_control"`
}

// Log holds logger settings.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// GetConfig loads configuration from file and environment variables
func GetConfig(customPath string) (*Config, error) {
	cfg, err := LoadConfigNoValidate(customPath)
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigNoValidate reads the file and environment overrides and fills
// defaults, without validating the result.
func LoadConfigNoValidate(customPath string) (*Config, error) {
	cfg := &Config{}

	// 1. Load from YAML file
	configPath, err := ResolveConfigPath(customPath)
	if err != nil {
		return nil, err
	}

	if configPath != "" {
		file, err := os.ReadFile(configPath)
		if err == nil {
			expandedFile := os.ExpandEnv(string(file))
			if err := yaml.Unmarshal([]byte(expandedFile), cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
			}
		} else if !os.IsNotExist(err) || customPath != "" {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	// 2. Override with environment variables
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	// 3. Fill defaults
	applyDefaults(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	setString := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	setString("IMPORT_DESK_LISTEN", &cfg.Listen)
	setString("IMPORT_DESK_SESSIONS_DIR", &cfg.SessionsDir)
	setString("IMPORT_DESK_SESSION_STORE", &cfg.SessionStore)
	setString("IMPORT_DESK_DATABASE_PATH", &cfg.DatabasePath)
	setString("IMPORT_DESK_SOURCE", &cfg.Source.Kind)
	setString("IMPORT_DESK_GITHUB_BASE_URL", &cfg.Source.GitHub.BaseURL)
	setString("IMPORT_DESK_PRIVATE_KEY", &cfg.Source.GitHub.App.PrivateKey)
	setString("IMPORT_DESK_MIRROR_ENDPOINT", &cfg.Mirror.Endpoint)
	setString("IMPORT_DESK_MIRROR_BUCKET", &cfg.Mirror.Bucket)
	setString("IMPORT_DESK_MIRROR_ACCESS_KEY", &cfg.Mirror.AccessKeyID)
	setString("IMPORT_DESK_MIRROR_SECRET_KEY", &cfg.Mirror.SecretAccessKey)
	setString("IMPORT_DESK_LOG_LEVEL", &cfg.Log.Level)

	if v := os.Getenv("IMPORT_DESK_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid IMPORT_DESK_BATCH_SIZE: %w", err)
		}
		cfg.BatchSize = n
	}
	if v := os.Getenv("IMPORT_DESK_TOKEN_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid IMPORT_DESK_TOKEN_TTL: %w", err)
		}
		cfg.TokenTTL = d
	}
	if appID := os.Getenv("IMPORT_DESK_APP_ID"); appID != "" {
		if _, err := fmt.Sscanf(appID, "%d", &cfg.Source.GitHub.App.AppID); err != nil {
			return fmt.Errorf("invalid IMPORT_DESK_APP_ID: %w", err)
		}
	}
	if instID := os.Getenv("IMPORT_DESK_INSTALLATION_ID"); instID != "" {
		if _, err := fmt.Sscanf(instID, "%d", &cfg.Source.GitHub.App.InstallationID); err != nil {
			return fmt.Errorf("invalid IMPORT_DESK_INSTALLATION_ID: %w", err)
		}
	}
	if v := os.Getenv("IMPORT_DESK_MCP_ALLOW_CONTROL"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid IMPORT_DESK_MCP_ALLOW_CONTROL: %w", err)
		}
		cfg.MCP.AllowControl = b
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:8000"
	}
	if cfg.SessionsDir == "" {
		cfg.SessionsDir = filepath.Join(defaultDataDir(), "sessions")
	}
	if cfg.SessionStore == "" {
		cfg.SessionStore = SessionStoreFile
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(defaultDataDir(), "import-desk.db")
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 10
	}
	if cfg.PausePollInterval == 0 {
		cfg.PausePollInterval = 500 * time.Millisecond
	}
	if cfg.TokenTTL == 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	if cfg.ArchiveMaxItems == 0 {
		cfg.ArchiveMaxItems = 500
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 10 * time.Minute
	}
	if len(cfg.ConvertExtensions) == 0 {
		cfg.ConvertExtensions = []string{".heic"}
	}
	for i, ext := range cfg.ConvertExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext != "" && !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		cfg.ConvertExtensions[i] = ext
	}
	if cfg.Source.Kind == "" {
		cfg.Source.Kind = SourceGitHub
	}
	if cfg.Source.GitHub.PerPage == 0 {
		cfg.Source.GitHub.PerPage = 100
	}
	if cfg.Source.Timeout == 0 {
		cfg.Source.Timeout = 60
	}
}

func validateConfig(cfg *Config) error {
	switch cfg.Source.Kind {
	case SourceGitHub, SourceWebDir:
	default:
		return fmt.Errorf("unsupported source kind %q: use %s or %s", cfg.Source.Kind, SourceGitHub, SourceWebDir)
	}
	switch cfg.SessionStore {
	case SessionStoreFile, SessionStoreSQLite:
	default:
		return fmt.Errorf("unsupported session_store %q: use %s or %s", cfg.SessionStore, SessionStoreFile, SessionStoreSQLite)
	}
	if cfg.BatchSize < 1 {
		return fmt.Errorf("batch_size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.ArchiveMaxItems < 1 {
		return fmt.Errorf("archive_max_items must be positive, got %d", cfg.ArchiveMaxItems)
	}
	if cfg.PausePollInterval < 0 || cfg.TokenTTL < 0 || cfg.SweepInterval < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	for _, ext := range cfg.ConvertExtensions {
		if ext == "" || ext == ".jpg" {
			return fmt.Errorf("convert_extensions: %q cannot be converted", ext)
		}
	}
	app := cfg.Source.GitHub.App
	partial := app.AppID != 0 || app.InstallationID != 0 || app.PrivateKey != ""
	if partial && !app.Configured() {
		return fmt.Errorf("github_app is incomplete: app_id, installation_id and private_key are all required")
	}
	if cfg.Mirror.Endpoint != "" && cfg.Mirror.Bucket == "" {
		return fmt.Errorf("mirror.bucket is required when mirror.endpoint is set")
	}
	return nil
}

// ResolveConfigPath returns the custom path or the default per-user location.
func ResolveConfigPath(customPath string) (string, error) {
	if customPath != "" {
		return customPath, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not get user home directory: %w", err)
	}
	return filepath.Join(home, ".config", AppName, "config.yaml"), nil
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".config", AppName)
	}
	return "."
}
