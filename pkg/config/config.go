package config

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const ConfigFileName = ".veilix.json"

const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// KeyConfig is one account held by a key-ring wallet.
type KeyConfig struct {
	Name       string `json:"name,omitempty" yaml:"name,omitempty"`
	PrivateKey string `json:"private_key" yaml:"private_key"`
}

// WalletConfig describes a key-ring wallet provider.
type WalletConfig struct {
	Name        string      `json:"name" yaml:"name"`
	AllowedApps []string    `json:"allowed_apps,omitempty" yaml:"allowed_apps,omitempty"`
	Keys        []KeyConfig `json:"keys" yaml:"keys"`
}

// Config holds application-wide settings.
type Config struct {
	AppName             string         `json:"app_name" yaml:"app_name"`
	NodeURL             string         `json:"node_url" yaml:"node_url"`
	ChainID             int64          `json:"chain_id,omitempty" yaml:"chain_id,omitempty"`
	PushURL             string         `json:"push_url,omitempty" yaml:"push_url,omitempty"`
	SocialURL           string         `json:"social_url,omitempty" yaml:"social_url,omitempty"`
	StorageURL          string         `json:"storage_url,omitempty" yaml:"storage_url,omitempty"`
	ExplorerURL         string         `json:"explorer_url,omitempty" yaml:"explorer_url,omitempty"`
	ListenHost          string         `json:"listen_host" yaml:"listen_host"`
	PollIntervalSeconds int            `json:"poll_interval_seconds" yaml:"poll_interval_seconds"`
	RetentionSamples    int            `json:"retention_samples" yaml:"retention_samples"`
	NoticeTTLSeconds    int            `json:"notice_ttl_seconds" yaml:"notice_ttl_seconds"`
	ConnectAttempts     int            `json:"connect_attempts" yaml:"connect_attempts"`
	ValidatorsMethod    string         `json:"validators_method" yaml:"validators_method"`
	Account             string         `json:"account,omitempty" yaml:"account,omitempty"`
	LogLevel            string         `json:"log_level" yaml:"log_level"`
	BcryptCost          int            `json:"bcrypt_cost" yaml:"bcrypt_cost"`
	Wallets             []WalletConfig `json:"wallets" yaml:"wallets"`
}

// Defaults returns the configuration used when no file exists.
func Defaults() Config {
	return Config{
		AppName:             "Veilix",
		NodeURL:             "http://127.0.0.1:8545",
		ListenHost:          "127.0.0.1",
		PollIntervalSeconds: 30,
		RetentionSamples:    0,
		NoticeTTLSeconds:    3,
		ConnectAttempts:     5,
		ValidatorsMethod:    "clique_getSigners",
		LogLevel:            "info",
		BcryptCost:          12,
	}
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

func (c Config) NoticeTTL() time.Duration {
	return time.Duration(c.NoticeTTLSeconds) * time.Second
}

func GetConfigPath(customPath string) (string, error) {
	if customPath != "" {
		return customPath, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigFileName), nil
}

// FormatFor picks the file format from the path extension.
func FormatFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

func LoadConfigFromFile(path string) (Config, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return Defaults(), nil
	}
	if err != nil {
		return Config{}, err
	}
	defer func() { _ = f.Close() }()
	return LoadConfig(f, FormatFor(path))
}

// LoadConfig decodes r over the defaults; absent keys keep their default value.
func LoadConfig(r io.Reader, format string) (Config, error) {
	cfg := Defaults()
	switch format {
	case FormatYAML:
		if err := yaml.NewDecoder(r).Decode(&cfg); err != nil && err != io.EOF {
			return Config{}, err
		}
	default:
		if err := json.NewDecoder(r).Decode(&cfg); err != nil {
			return Config{}, err
		}
	}

	def := Defaults()
	if cfg.PollIntervalSeconds <= 0 {
		cfg.PollIntervalSeconds = def.PollIntervalSeconds
	}
	if cfg.NoticeTTLSeconds <= 0 {
		cfg.NoticeTTLSeconds = def.NoticeTTLSeconds
	}
	if cfg.ConnectAttempts <= 0 {
		cfg.ConnectAttempts = def.ConnectAttempts
	}
	if cfg.RetentionSamples < 0 {
		cfg.RetentionSamples = 0
	}
	if strings.TrimSpace(cfg.AppName) == "" {
		cfg.AppName = def.AppName
	}
	if strings.TrimSpace(cfg.ValidatorsMethod) == "" {
		cfg.ValidatorsMethod = def.ValidatorsMethod
	}
	if strings.TrimSpace(cfg.ListenHost) == "" {
		cfg.ListenHost = def.ListenHost
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with VEILIX_* environment variables.
func ApplyEnv(cfg Config) Config {
	v := viper.New()
	v.SetEnvPrefix("VEILIX")
	for _, key := range []string{
		"app_name", "node_url", "chain_id", "push_url", "social_url", "storage_url",
		"explorer_url", "listen_host", "poll_interval_seconds", "retention_samples", "notice_ttl_seconds",
		"connect_attempts", "validators_method", "account", "log_level",
	} {
		_ = v.BindEnv(key)
	}

	setString := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	setInt := func(key string, dst *int) {
		if v.IsSet(key) && v.GetInt(key) > 0 {
			*dst = v.GetInt(key)
		}
	}

	setString("app_name", &cfg.AppName)
	setString("node_url", &cfg.NodeURL)
	setString("push_url", &cfg.PushURL)
	setString("social_url", &cfg.SocialURL)
	setString("storage_url", &cfg.StorageURL)
	setString("explorer_url", &cfg.ExplorerURL)
	setString("listen_host", &cfg.ListenHost)
	setString("validators_method", &cfg.ValidatorsMethod)
	setString("account", &cfg.Account)
	setString("log_level", &cfg.LogLevel)
	setInt("poll_interval_seconds", &cfg.PollIntervalSeconds)
	setInt("notice_ttl_seconds", &cfg.NoticeTTLSeconds)
	setInt("connect_attempts", &cfg.ConnectAttempts)
	if v.IsSet("retention_samples") && v.GetInt("retention_samples") >= 0 {
		cfg.RetentionSamples = v.GetInt("retention_samples")
	}
	if v.IsSet("chain_id") {
		cfg.ChainID = v.GetInt64("chain_id")
	}
	return cfg
}

// Validate checks the fields every command depends on.
func Validate(cfg Config) []string {
	var problems []string
	if strings.TrimSpace(cfg.NodeURL) == "" {
		problems = append(problems, "node_url is empty")
	} else if _, err := url.Parse(cfg.NodeURL); err != nil {
		problems = append(problems, fmt.Sprintf("node_url is invalid: %v", err))
	}
	if cfg.PushURL != "" {
		u, err := url.Parse(cfg.PushURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			problems = append(problems, fmt.Sprintf("push_url %q must be a ws:// or wss:// URL", cfg.PushURL))
		}
	}
	for i, w := range cfg.Wallets {
		if strings.TrimSpace(w.Name) == "" {
			problems = append(problems, fmt.Sprintf("wallet at index %d has no name", i))
		}
		for j, k := range w.Keys {
			if strings.TrimSpace(k.PrivateKey) == "" {
				problems = append(problems, fmt.Sprintf("wallet %q key at index %d has no private_key", w.Name, j))
			}
		}
	}
	return problems
}

func SaveConfig(cfg Config, path string) error {
	if problems := Validate(cfg); len(problems) > 0 {
		return fmt.Errorf("validation failed: %s", strings.Join(problems, "; "))
	}

	var data []byte
	var err error
	if FormatFor(path) == FormatYAML {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return err
	}

	if len(data) == 0 {
		return fmt.Errorf("validation failed: encoded configuration is empty")
	}

	// Create a backup of the existing file
	if _, err := os.Stat(path); err == nil {
		backupPath := fmt.Sprintf("%s.%s.bak", path, time.Now().Format("20060102-150405"))
		input, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read existing config for backup: %w", err)
		}
		if err := os.WriteFile(backupPath, input, 0600); err != nil {
			return fmt.Errorf("failed to write backup config: %w", err)
		}
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

func RestoreLastBackup(configPath string) (string, error) {
	matches, err := filepath.Glob(configPath + ".*.bak")
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("no backup files found")
	}
	sort.Strings(matches)
	lastBackup := matches[len(matches)-1]

	data, err := os.ReadFile(lastBackup)
	if err != nil {
		return "", err
	}
	return lastBackup, os.WriteFile(configPath, data, 0600)
}
