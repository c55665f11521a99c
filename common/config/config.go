// Package config loads the bridge's JSON configuration file (see spec §6).
// Loading the file from disk and parsing CLI flags is an external-boundary
// concern; this package only owns the shape of the config and its defaults.
package config

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/Laisky/errors/v2"
)

// CountTokensAuthType selects how the external count-tokens endpoint (if
// configured) expects its credential.
type CountTokensAuthType string

const (
	CountTokensAuthXAPIKey CountTokensAuthType = "x-api-key"
	CountTokensAuthBearer  CountTokensAuthType = "bearer"
)

// Config is the top-level shape of the JSON file named by the -c flag.
type Config struct {
	// Host is the interface the Outer API listens on.
	Host string `json:"host"`
	// Port is the TCP port the Outer API listens on.
	Port int `json:"port"`
	// APIKey authenticates Outer API callers (x-api-key or bearer).
	APIKey string `json:"apiKey"`
	// AdminAPIKey authenticates the admin surface (C8). Admin routes are
	// only mounted when this is non-empty.
	AdminAPIKey string `json:"adminApiKey,omitempty"`
	// Region is the AWS-style region used for all upstream API calls, and
	// for OAuth refresh endpoints when a credential has no region override.
	Region string `json:"region"`
	// KiroVersion is embedded in the upstream User-Agent header.
	KiroVersion string `json:"kiroVersion,omitempty"`
	// MachineID is the global machine-id fallback used by C4 when the
	// credential does not supply one.
	MachineID string `json:"machineId,omitempty"`
	// SystemVersion and NodeVersion are passed to the token manager; no
	// outbound header includes them.
	SystemVersion string `json:"systemVersion,omitempty"`
	NodeVersion   string `json:"nodeVersion,omitempty"`
	// CountTokensAPIURL, when set, makes /v1/messages/count_tokens forward
	// verbatim instead of using the built-in heuristic (§4.6).
	CountTokensAPIURL string `json:"countTokensApiUrl,omitempty"`
	// CountTokensAPIKey authenticates the forwarded count-tokens call.
	CountTokensAPIKey string `json:"countTokensApiKey,omitempty"`
	// CountTokensAuthType selects the header shape for CountTokensAPIKey.
	CountTokensAuthType CountTokensAuthType `json:"countTokensAuthType,omitempty"`
	// ProxyURL, ProxyUsername, ProxyPassword are read from the file; no
	// outbound HTTP client is built from them, so outbound calls do not go
	// through a proxy.
	ProxyURL      string `json:"proxyUrl,omitempty"`
	ProxyUsername string `json:"proxyUsername,omitempty"`
	ProxyPassword string `json:"proxyPassword,omitempty"`

	// LoadBalancingMode is a supplemental, persisted toggle ("priority" or
	// "balanced") resolved from original_source's set_load_balancing_mode.
	LoadBalancingMode string `json:"loadBalancingMode,omitempty"`
	// DisableThreshold overrides the default per-credential failure budget
	// before auto-disable (Open Question (b); default 3).
	DisableThreshold int `json:"disableThreshold,omitempty"`
	// Debug raises the log level to debug when true.
	Debug bool `json:"debug,omitempty"`
	// LogDir, when non-empty, mirrors Gin's access log to a daily file in
	// this directory (common/logger.SetupLogger) and is the directory the
	// retention cleaner below scans.
	LogDir string `json:"logDir,omitempty"`
	// LogRetentionDays purges .log files older than this many days from
	// LogDir; 0 disables the cleanup worker.
	LogRetentionDays int `json:"logRetentionDays,omitempty"`

	// path is the file this Config was loaded from, retained so the admin
	// surface can persist LoadBalancingMode changes back to disk.
	path string `json:"-"`
}

const defaultDisableThreshold = 3

// Load reads and validates the config file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config file %q", path)
	}

	cfg := &Config{}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config file %q", path)
	}
	cfg.path = path
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DisableThreshold <= 0 {
		c.DisableThreshold = defaultDisableThreshold
	}
	if c.LoadBalancingMode == "" {
		c.LoadBalancingMode = "priority"
	}
	if c.CountTokensAuthType == "" {
		c.CountTokensAuthType = CountTokensAuthXAPIKey
	}
}

// Validate checks the minimal valid set named in spec §6.
func (c *Config) Validate() error {
	var missing []string
	if strings.TrimSpace(c.Host) == "" {
		missing = append(missing, "host")
	}
	if c.Port <= 0 {
		missing = append(missing, "port")
	}
	if strings.TrimSpace(c.APIKey) == "" {
		missing = append(missing, "apiKey")
	}
	if strings.TrimSpace(c.Region) == "" {
		missing = append(missing, "region")
	}
	if len(missing) > 0 {
		return errors.Errorf("config missing required field(s): %s", strings.Join(missing, ", "))
	}
	if c.LoadBalancingMode != "priority" && c.LoadBalancingMode != "balanced" {
		return errors.Errorf("invalid loadBalancingMode: %q", c.LoadBalancingMode)
	}
	return nil
}

// Path returns the file this config was loaded from, or "" if constructed
// in-memory (e.g. in tests).
func (c *Config) Path() string {
	return c.path
}

// Save writes the config back to its originating path, pretty-printed.
func (c *Config) Save() error {
	if c.path == "" {
		return errors.New("config has no associated file path")
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal config")
	}
	return os.WriteFile(c.path, data, 0o644)
}
