package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	DataDir      string        `json:"data_dir"`
	DBPath       string        `json:"-"`
	Namespace    string        `json:"namespace"`
	LogFile      string        `json:"log_file,omitempty"`
	WriteTimeout time.Duration `json:"-"`

	APIURL         string        `json:"api_url"`
	APIToken       string        `json:"api_token,omitempty"`
	RequestTimeout time.Duration `json:"request_timeout"`

	MaxAttempts        int     `json:"max_attempts"`
	QuarantineRejected bool    `json:"quarantine_rejected"`
	EvictFraction      float64 `json:"evict_fraction"`
	QuotaBytes         int64   `json:"quota_bytes"`

	CollectionTTL time.Duration `json:"collection_ttl"`
	ProbeInterval time.Duration `json:"probe_interval"`
	ProbeCommand  string        `json:"probe_command,omitempty"`
	SyncInterval  time.Duration `json:"sync_interval"`
	WatchDebounce time.Duration `json:"watch_debounce"`

	// StartOffline keeps the engine offline until the first
	// successful probe. Set only by the -offline flag.
	StartOffline bool `json:"-"`
}

// Default returns a Config with default values.
func Default() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, fmt.Errorf(
			"determining home directory: %w", err,
		)
	}
	dataDir := filepath.Join(home, ".callsync")
	return Config{
		Host:               "127.0.0.1",
		Port:               8090,
		DataDir:            dataDir,
		DBPath:             filepath.Join(dataDir, "callsync.db"),
		Namespace:          "callsync",
		WriteTimeout:       30 * time.Second,
		RequestTimeout:     15 * time.Second,
		MaxAttempts:        5,
		QuarantineRejected: true,
		EvictFraction:      0.2,
		CollectionTTL:      24 * time.Hour,
		ProbeInterval:      10 * time.Second,
		SyncInterval:       5 * time.Minute,
		WatchDebounce:      500 * time.Millisecond,
	}, nil
}

// Load builds a Config by layering: defaults < config file < env < flags.
// The provided FlagSet must already be parsed by the caller.
// Only flags that were explicitly set override the lower layers.
func Load(fs *flag.FlagSet) (Config, error) {
	cfg, err := LoadMinimal()
	if err != nil {
		return cfg, err
	}
	applyFlags(&cfg, fs)
	return cfg, nil
}

// LoadMinimal builds a Config from defaults, config file and
// env, without CLI flags. Use this for subcommands that manage
// their own flag sets.
func LoadMinimal() (Config, error) {
	cfg, err := Default()
	if err != nil {
		return cfg, err
	}
	// The data dir locates the config file, so its env
	// override applies first.
	if v := os.Getenv("CALLSYNC_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if err := cfg.loadFile(); err != nil {
		return cfg, fmt.Errorf("loading config file: %w", err)
	}
	cfg.loadEnv()
	cfg.DBPath = filepath.Join(cfg.DataDir, "callsync.db")
	return cfg, cfg.validate()
}

func (c *Config) configPath() string {
	return filepath.Join(c.DataDir, "config.json")
}

// fileConfig mirrors config.json. Pointers distinguish an
// absent key from a zero value; durations are strings such as
// "15s" or "24h".
type fileConfig struct {
	Host               *string  `json:"host"`
	Port               *int     `json:"port"`
	Namespace          *string  `json:"namespace"`
	LogFile            *string  `json:"log_file"`
	APIURL             *string  `json:"api_url"`
	APIToken           *string  `json:"api_token"`
	RequestTimeout     *string  `json:"request_timeout"`
	MaxAttempts        *int     `json:"max_attempts"`
	QuarantineRejected *bool    `json:"quarantine_rejected"`
	EvictFraction      *float64 `json:"evict_fraction"`
	QuotaBytes         *int64   `json:"quota_bytes"`
	CollectionTTL      *string  `json:"collection_ttl"`
	ProbeInterval      *string  `json:"probe_interval"`
	ProbeCommand       *string  `json:"probe_command"`
	SyncInterval       *string  `json:"sync_interval"`
	WatchDebounce      *string  `json:"watch_debounce"`
}

func (c *Config) loadFile() error {
	data, err := os.ReadFile(c.configPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var file fileConfig
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}

	setIf(&c.Host, file.Host)
	setIf(&c.Port, file.Port)
	setIf(&c.Namespace, file.Namespace)
	setIf(&c.LogFile, file.LogFile)
	setIf(&c.APIURL, file.APIURL)
	setIf(&c.APIToken, file.APIToken)
	setIf(&c.MaxAttempts, file.MaxAttempts)
	setIf(&c.QuarantineRejected, file.QuarantineRejected)
	setIf(&c.EvictFraction, file.EvictFraction)
	setIf(&c.QuotaBytes, file.QuotaBytes)
	setIf(&c.ProbeCommand, file.ProbeCommand)

	durations := []struct {
		name string
		dst  *time.Duration
		src  *string
	}{
		{"request_timeout", &c.RequestTimeout, file.RequestTimeout},
		{"collection_ttl", &c.CollectionTTL, file.CollectionTTL},
		{"probe_interval", &c.ProbeInterval, file.ProbeInterval},
		{"sync_interval", &c.SyncInterval, file.SyncInterval},
		{"watch_debounce", &c.WatchDebounce, file.WatchDebounce},
	}
	for _, d := range durations {
		if d.src == nil {
			continue
		}
		v, err := time.ParseDuration(*d.src)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = v
	}
	return nil
}

func setIf[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

func (c *Config) loadEnv() {
	if v := os.Getenv("CALLSYNC_API_URL"); v != "" {
		c.APIURL = v
	}
	if v := os.Getenv("CALLSYNC_API_TOKEN"); v != "" {
		c.APIToken = v
	}
	if v := os.Getenv("CALLSYNC_PROBE_COMMAND"); v != "" {
		c.ProbeCommand = v
	}
	if v := os.Getenv("CALLSYNC_LOG_FILE"); v != "" {
		c.LogFile = v
	}
}

func (c *Config) validate() error {
	switch {
	case c.Namespace == "":
		return fmt.Errorf("namespace must not be empty")
	case c.MaxAttempts < 1:
		return fmt.Errorf("max_attempts must be at least 1, got %d", c.MaxAttempts)
	case c.EvictFraction <= 0 || c.EvictFraction > 1:
		return fmt.Errorf("evict_fraction must be in (0, 1], got %g", c.EvictFraction)
	case c.QuotaBytes < 0:
		return fmt.Errorf("quota_bytes must not be negative")
	case c.ProbeInterval <= 0:
		return fmt.Errorf("probe_interval must be positive")
	case c.WatchDebounce <= 0:
		return fmt.Errorf("watch_debounce must be positive")
	}
	return nil
}

// RegisterServeFlags registers serve-command flags on fs.
// The caller must call fs.Parse before passing fs to Load.
func RegisterServeFlags(fs *flag.FlagSet) {
	fs.String("host", "127.0.0.1", "Host to bind to")
	fs.Int("port", 8090, "Port to listen on")
	fs.String("api-url", "", "Base URL of the CRM API")
	fs.Bool(
		"offline", false,
		"Start offline and wait for the first successful probe",
	)
}

// applyFlags copies explicitly-set flags from fs into cfg.
func applyFlags(cfg *Config, fs *flag.FlagSet) {
	if fs == nil {
		return
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			cfg.Host = f.Value.String()
		case "port":
			// flag already validated the int; ignore parse error
			cfg.Port, _ = strconv.Atoi(f.Value.String())
		case "api-url":
			cfg.APIURL = f.Value.String()
		case "offline":
			cfg.StartOffline = f.Value.String() == "true"
		}
	})
}

// SaveAPIToken persists the API token to the config file,
// keeping any other keys.
func (c *Config) SaveAPIToken(token string) error {
	if err := os.MkdirAll(c.DataDir, 0o700); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	existing := make(map[string]any)
	data, err := os.ReadFile(c.configPath())
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err == nil {
		if err := json.Unmarshal(data, &existing); err != nil {
			return fmt.Errorf(
				"existing config is invalid, cannot update: %w",
				err,
			)
		}
	}

	existing["api_token"] = token
	out, err := json.MarshalIndent(existing, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(c.configPath(), out, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	c.APIToken = token
	return nil
}
