package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

// Duration is a time.Duration written as "36h" in TOML.
type Duration struct{ time.Duration }

func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", b, err)
	}
	d.Duration = v
	return nil
}

// ClientConfig configures the sightings CLI and its local cache.
type ClientConfig struct {
	APIURL    string `toml:"api_url"`
	APIKey    string `toml:"api_key"`
	DeviceID  string `toml:"device_id"`
	PushToken string `toml:"push_token,omitempty"`
	CachePath string `toml:"cache_path"`

	RadiusMiles     float64  `toml:"radius_miles"`
	Retention       Duration `toml:"retention"`         // how long cached events are kept
	FetchTimeout    Duration `toml:"fetch_timeout"`     // per server fetch
	WatermarkMaxAge Duration `toml:"watermark_max_age"` // idle watermarks older than this are dropped

	OperatorKeyPath string `toml:"operator_key_path,omitempty"` // RSA key for `sightings token`
}

const (
	defaultClientRetention = 7 * 24 * time.Hour
	defaultFetchTimeout    = 10 * time.Second
)

// NewClientConfig returns a config with a fresh device ID and the cache under baseDir.
func NewClientConfig(apiURL, baseDir string) *ClientConfig {
	return &ClientConfig{
		APIURL:          apiURL,
		DeviceID:        uuid.NewString(),
		CachePath:       filepath.Join(baseDir, "cache.db"),
		RadiusMiles:     5,
		Retention:       Duration{defaultClientRetention},
		FetchTimeout:    Duration{defaultFetchTimeout},
		WatermarkMaxAge: Duration{defaultClientRetention},
	}
}

// applyDefaults fills fields an older or hand-written file left empty.
func (c *ClientConfig) applyDefaults() {
	if c.RadiusMiles <= 0 {
		c.RadiusMiles = 5
	}
	if c.Retention.Duration <= 0 {
		c.Retention.Duration = defaultClientRetention
	}
	if c.FetchTimeout.Duration <= 0 {
		c.FetchTimeout.Duration = defaultFetchTimeout
	}
	if c.WatermarkMaxAge.Duration <= 0 {
		c.WatermarkMaxAge.Duration = c.Retention.Duration
	}
}

// Validate reports the first setting that makes the config unusable.
func (c *ClientConfig) Validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("api_url is required")
	}
	if c.CachePath == "" {
		return fmt.Errorf("cache_path is required")
	}
	if u, err := uuid.Parse(c.DeviceID); err != nil || u.Version() != 4 {
		return fmt.Errorf("device_id must be a v4 uuid")
	}
	return nil
}

// ReadClient decodes a ClientConfig from r and fills defaults.
func ReadClient(r io.Reader) (*ClientConfig, error) {
	var cfg ClientConfig
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// WriteClient encodes cfg to w.
func WriteClient(w io.Writer, cfg *ClientConfig) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadClientFile reads the config at path.
func ReadClientFile(path string) (*ClientConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	cfg, err := ReadClient(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// InitClientFile writes cfg to path. It refuses to overwrite an existing file.
func InitClientFile(path string, cfg *ClientConfig) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if err := WriteClient(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// ClientPaths returns the config file path and data directory, checking
// SIGHTINGS_CONFIG_PATH and SIGHTINGS_HOME before the XDG defaults.
func ClientPaths() (configPath, baseDir string, err error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	configPath = getEnv("SIGHTINGS_CONFIG_PATH", filepath.Join(home, ".config", "sightings.toml"))
	baseDir = getEnv("SIGHTINGS_HOME", filepath.Join(home, ".local", "share", "sightings"))
	return configPath, baseDir, nil
}
