package cmd

import (
	"fmt"
	"time"

	"import-desk/config"

	"gopkg.in/yaml.v3"
)

// ConfigCmd prints the effective settings.
type ConfigCmd struct{}

// Run implements the config command execution
func (c *ConfigCmd) Run(cli *CLI) error {
	return ShowSettings(cli)
}

// ShowSettings loads application settings and prints a masked YAML to stdout.
func ShowSettings(cli *CLI) error {
	// Use shared loader without validation. It errors only when a custom --config is invalid.
	cfg, err := config.LoadConfigNoValidate(cli.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	out, err := renderMaskedConfigYAML(cfg)
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}

// renderMaskedConfigYAML returns YAML of config with secrets masked.
func renderMaskedConfigYAML(cfg *config.Config) (string, error) {
	type githubApp struct {
		AppID          int64  `yaml:"app_id"`
		InstallationID int64  `yaml:"installation_id"`
		PrivateKey     string `yaml:"private_key"`
	}
	safe := struct {
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
		Source            struct {
			Kind           string `yaml:"kind"`
			TimeoutSeconds int    `yaml:"timeout_seconds"`
			GitHub         struct {
				BaseURL string    `yaml:"base_url"`
				PerPage int       `yaml:"per_page"`
				App     githubApp `yaml:"github_app"`
			} `yaml:"github"`
			WebDir config.WebDir `yaml:"webdir"`
		} `yaml:"source"`
		Mirror struct {
			Endpoint        string `yaml:"endpoint"`
			Bucket          string `yaml:"bucket"`
			Prefix          string `yaml:"prefix"`
			Region          string `yaml:"region"`
			AccessKeyID     string `yaml:"access_key_id"`
			SecretAccessKey string `yaml:"secret_access_key"`
			UseSSL          bool   `yaml:"use_ssl"`
		} `yaml:"mirror"`
		MCP config.MCP `yaml:"mcp"`
		Log config.Log `yaml:"log"`
	}{
		Listen:            cfg.Listen,
		SessionsDir:       cfg.SessionsDir,
		SessionStore:      cfg.SessionStore,
		DatabasePath:      cfg.DatabasePath,
		BatchSize:         cfg.BatchSize,
		PausePollInterval: cfg.PausePollInterval,
		TokenTTL:          cfg.TokenTTL,
		ArchiveMaxItems:   cfg.ArchiveMaxItems,
		SweepInterval:     cfg.SweepInterval,
		ConvertExtensions: cfg.ConvertExtensions,
		MCP:               cfg.MCP,
		Log:               cfg.Log,
	}

	safe.Source.Kind = cfg.Source.Kind
	safe.Source.TimeoutSeconds = int(cfg.Source.Timeout)
	safe.Source.GitHub.BaseURL = cfg.Source.GitHub.BaseURL
	safe.Source.GitHub.PerPage = cfg.Source.GitHub.PerPage
	safe.Source.GitHub.App.AppID = cfg.Source.GitHub.App.AppID
	safe.Source.GitHub.App.InstallationID = cfg.Source.GitHub.App.InstallationID
	if cfg.Source.GitHub.App.PrivateKey != "" {
		safe.Source.GitHub.App.PrivateKey = "[masked PEM]"
	}
	safe.Source.WebDir = cfg.Source.WebDir

	safe.Mirror.Endpoint = cfg.Mirror.Endpoint
	safe.Mirror.Bucket = cfg.Mirror.Bucket
	safe.Mirror.Prefix = cfg.Mirror.Prefix
	safe.Mirror.Region = cfg.Mirror.Region
	safe.Mirror.AccessKeyID = maskSecret(cfg.Mirror.AccessKeyID)
	safe.Mirror.SecretAccessKey = maskSecret(cfg.Mirror.SecretAccessKey)
	safe.Mirror.UseSSL = cfg.Mirror.UseSSL

	b, err := yaml.Marshal(&safe)
	if err != nil {
		return "", fmt.Errorf("failed to marshal config: %w", err)
	}
	return string(b), nil
}

func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	// Keep last 4 characters if reasonably long, else mask fully
	if len(s) > 8 {
		return "[masked]…" + s[len(s)-4:]
	}
	return "[masked]"
}
