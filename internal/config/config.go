package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"inkcal/internal/ics"
	"inkcal/internal/model"
	"inkcal/internal/timeline"
)

// EnvPrefix prefixes every environment override, e.g. INKCAL_TIMEZONE.
const EnvPrefix = "INKCAL"

const (
	defaultListen         = "127.0.0.1:8080"
	defaultRefresh        = "*/15 * * * *"
	defaultHorizonDays    = 7
	defaultOverlap        = "standard"
	defaultMaxOccurrences = 5000
	defaultLogLevel       = "info"
)

// ICSConfig describes a single ICS subscription source.
type ICSConfig struct {
	// URL is the ICS subscription endpoint.
	URL string `yaml:"url" json:"url"`
	// ID is an internal identifier used in logs and event records.
	ID string `yaml:"id" json:"id"`
	// Name is a human-friendly label.
	Name string `yaml:"name" json:"name"`
	// Type is "ics" (default) or "caldav".
	Type string `yaml:"type,omitempty" json:"type,omitempty"`
	// Calendars restricts a caldav source to these calendar names.
	Calendars []string `yaml:"calendars,omitempty" json:"calendars,omitempty"`
}

// CredentialsConfig is sent as HTTP Basic auth to every ICS URL.
type CredentialsConfig struct {
	Username string `yaml:"username" json:"username" envconfig:"USERNAME"`
	Password string `yaml:"password" json:"-" envconfig:"PASSWORD"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen" envconfig:"LISTEN"`

	// Timezone is the display zone: an IANA name, a fixed offset such as
	// "+05:00", or empty for the host's system timezone.
	Timezone string `yaml:"timezone" json:"timezone" envconfig:"TIMEZONE"`

	// RefreshCron is a cron schedule (e.g. "*/15 * * * *") for re-fetching
	// sources in serve mode.
	RefreshCron string `yaml:"refresh" json:"refresh" envconfig:"REFRESH"`

	// HorizonDays is the number of future days to resolve.
	HorizonDays int `yaml:"horizon_days" json:"horizon_days" envconfig:"HORIZON_DAYS"`

	// BackfillDays is the number of past days to resolve.
	BackfillDays int `yaml:"backfill_days" json:"backfill_days" envconfig:"BACKFILL_DAYS"`

	// Overlap selects the single-event window test: "standard" or "literal".
	Overlap string `yaml:"overlap" json:"overlap" envconfig:"OVERLAP"`

	// MaxOccurrences caps the instances generated per recurring event.
	MaxOccurrences int `yaml:"max_occurrences" json:"max_occurrences" envconfig:"MAX_OCCURRENCES"`

	// CacheDir holds the conditional-GET cache of fetched ICS bodies.
	CacheDir string `yaml:"cache_dir" json:"cache_dir" envconfig:"CACHE_DIR"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level" envconfig:"LOG_LEVEL"`

	// ICS is the list of subscribed ICS sources.
	ICS []ICSConfig `yaml:"ics" json:"ics" ignored:"true"`

	// Files are local .ics paths loaded next to the subscriptions.
	// INKCAL_FILES takes a comma separated list.
	Files []string `yaml:"files" json:"files" envconfig:"FILES"`

	// Credentials, when set, are sent to every ICS URL.
	Credentials CredentialsConfig `yaml:"credentials,omitempty" json:"credentials" envconfig:"CREDENTIALS"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"-" ignored:"true"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:         defaultListen,
		RefreshCron:    defaultRefresh,
		HorizonDays:    defaultHorizonDays,
		Overlap:        defaultOverlap,
		MaxOccurrences: defaultMaxOccurrences,
		CacheDir:       defaultCacheDir(),
		LogLevel:       defaultLogLevel,
		ICS:            []ICSConfig{},
		Files:          []string{},
	}
}

func defaultCacheDir() string {
	return filepath.Join(os.TempDir(), "inkcal-ics-cache")
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	c.Timezone = strings.TrimSpace(c.Timezone)
	if c.RefreshCron == "" {
		c.RefreshCron = defaultRefresh
	}
	if c.HorizonDays <= 0 {
		c.HorizonDays = defaultHorizonDays
	}
	if c.BackfillDays < 0 {
		c.BackfillDays = 0
	}
	c.Overlap = strings.ToLower(strings.TrimSpace(c.Overlap))
	if c.Overlap == "" {
		c.Overlap = defaultOverlap
	}
	if c.MaxOccurrences <= 0 {
		c.MaxOccurrences = defaultMaxOccurrences
	}
	if c.CacheDir == "" {
		c.CacheDir = defaultCacheDir()
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	if c.ICS == nil {
		c.ICS = []ICSConfig{}
	}
	for i := range c.ICS {
		c.ICS[i].URL = strings.TrimSpace(c.ICS[i].URL)
		if c.ICS[i].ID == "" {
			c.ICS[i].ID = fmt.Sprintf("ics-%d", i+1)
		}
	}
	if c.Files == nil {
		c.Files = []string{}
	}
}

// Validate reports configuration that cannot be used as
// model.ErrInvalidInput.
func (c *Config) Validate() error {
	var errs []error
	switch c.Overlap {
	case "standard", "literal":
	default:
		errs = append(errs, fmt.Errorf("overlap must be standard or literal, got %q", c.Overlap))
	}
	if _, err := timeline.LoadTimezone(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone: %v", err))
	}
	seen := make(map[string]bool, len(c.ICS))
	for i, src := range c.ICS {
		if src.URL == "" {
			errs = append(errs, fmt.Errorf("ics[%d] has no url", i))
		}
		if _, err := ics.ParseSourceKind(src.Type); err != nil {
			errs = append(errs, fmt.Errorf("ics[%d]: %v", i, err))
		}
		if seen[src.ID] {
			errs = append(errs, fmt.Errorf("ics id %q is used twice", src.ID))
		}
		seen[src.ID] = true
	}
	if c.BasicAuth != nil && (c.BasicAuth.Username == "" || c.BasicAuth.Password == "") {
		errs = append(errs, errors.New("basic_auth needs both username and password"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", model.ErrInvalidInput, errors.Join(errs...))
	}
	return nil
}

// Sources converts the subscriptions for the fetcher. Call Validate first;
// unknown types fall back to plain ICS.
func (c *Config) Sources() []ics.Source {
	out := make([]ics.Source, 0, len(c.ICS))
	for _, s := range c.ICS {
		kind, _ := ics.ParseSourceKind(s.Type)
		out = append(out, ics.Source{ID: s.ID, URL: s.URL, Kind: kind, Calendars: s.Calendars})
	}
	return out
}

// FetchCredentials returns nil when no username is configured.
func (c *Config) FetchCredentials() *ics.Credentials {
	if c.Credentials.Username == "" {
		return nil
	}
	return &ics.Credentials{Username: c.Credentials.Username, Password: c.Credentials.Password}
}

// ApplyEnv overrides fields from INKCAL_* environment variables. Unset
// variables leave the current value alone.
func (c *Config) ApplyEnv() error {
	if err := envconfig.Process(EnvPrefix, c); err != nil {
		return fmt.Errorf("%w: environment: %v", model.ErrInvalidInput, err)
	}
	c.Normalize()
	return nil
}

// Load loads configuration from the given YAML path and applies
// environment overrides.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - continue with the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
//
// Environment overrides are never written back to the file.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	var cfg *Config
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// First run: create default config file.
		cfg = DefaultConfig()
		if err := Save(path, cfg); err != nil {
			// Even if save fails, return cfg with error so caller can decide.
			return cfg, err
		}
	case err != nil:
		return nil, fmt.Errorf("%w: %v", model.ErrIO, err)
	default:
		cfg = &Config{}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", model.ErrParse, path, err)
		}
		cfg.Normalize()
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	// Atomic write: write to temp file in same directory then rename.
	tmp, err := os.CreateTemp(dir, ".inkcal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save delegates to the package-level Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
