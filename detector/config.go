package detector

import (
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"
)

// Defaults for runtime-level settings left unset in the config file.
const (
	DefaultRefreshIntervalSeconds = 120
	DefaultDownloadTimeoutSeconds = 300
	DefaultSessionCacheSlots      = 8
	DefaultBindAddress            = ":8090"
)

// Config is the file-level runtime configuration: where models live on disk,
// where manifests come from, and the full detector profile set.
type Config struct {
	DataDir                string    `json:"data_dir"`
	ManifestURL            string    `json:"manifest_url"`
	ReviewServiceURL       string    `json:"review_service_url,omitempty"`
	BindAddress            string    `json:"bind_address,omitempty"`
	RefreshIntervalSeconds int       `json:"refresh_interval_seconds,omitempty"`
	DownloadTimeoutSeconds int       `json:"download_timeout_seconds,omitempty"`
	SessionCacheSlots      int       `json:"session_cache_slots,omitempty"`
	Profiles               []Profile `json:"detectors"`
}

// RefreshInterval returns how often each detector checks for model updates.
func (c *Config) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalSeconds) * time.Second
}

// DownloadTimeout returns the overall deadline for a single model download.
func (c *Config) DownloadTimeout() time.Duration {
	return time.Duration(c.DownloadTimeoutSeconds) * time.Second
}

// Validate checks the config without modifying it. Profile validation happens
// here so a bad profile is rejected before any of it takes effect.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir is required")
	}
	if c.ManifestURL == "" {
		return errors.New("manifest_url is required")
	}
	if c.RefreshIntervalSeconds < 0 {
		return errors.Errorf("refresh_interval_seconds must be positive, got %d", c.RefreshIntervalSeconds)
	}
	if c.SessionCacheSlots < 0 {
		return errors.Errorf("session_cache_slots must be positive, got %d", c.SessionCacheSlots)
	}
	seen := make(map[string]bool, len(c.Profiles))
	for i := range c.Profiles {
		p := &c.Profiles[i]
		if err := p.Validate(); err != nil {
			return err
		}
		if seen[p.DetectorID] {
			return errors.Errorf("duplicate detector_id %q", p.DetectorID)
		}
		seen[p.DetectorID] = true
	}
	return nil
}

// EnsureDefaults fills unset optional settings across the config and its
// profiles. Called after a successful Validate.
func (c *Config) EnsureDefaults() {
	if c.BindAddress == "" {
		c.BindAddress = DefaultBindAddress
	}
	if c.RefreshIntervalSeconds == 0 {
		c.RefreshIntervalSeconds = DefaultRefreshIntervalSeconds
	}
	if c.DownloadTimeoutSeconds == 0 {
		c.DownloadTimeoutSeconds = DefaultDownloadTimeoutSeconds
	}
	if c.SessionCacheSlots == 0 {
		c.SessionCacheSlots = DefaultSessionCacheSlots
	}
	for i := range c.Profiles {
		c.Profiles[i].EnsureDefaults()
	}
}

// ReadConfig parses and validates a config file.
func ReadConfig(path string) (*Config, error) {
	//nolint:gosec // config path comes from the operator
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config %q", path)
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to parse config %q", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid config %q", path)
	}
	cfg.EnsureDefaults()
	return &cfg, nil
}
