// Package config handles loading, validating, and applying defaults to the
// vwsmock configuration. Configuration is read from a YAML file and
// may be overridden by environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a wrapper around time.Duration that implements yaml.Unmarshaler
// so that Go-style duration strings (e.g. "30s", "5m") can be used in YAML.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a YAML scalar as a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML serialises the duration back to a human-readable string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config is the top-level configuration for the vwsmock service.
type Config struct {
	App       AppConfig       `yaml:"app"`
	Servers   ServersConfig   `yaml:"servers"`
	Targets   TargetsConfig   `yaml:"targets"`
	Query     QueryConfig     `yaml:"query"`
	Matcher   MatcherConfig   `yaml:"matcher"`
	Rater     RaterConfig     `yaml:"rater"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Health    HealthConfig    `yaml:"health"`
	Databases []DatabaseSeed `yaml:"databases"`
}

// AppConfig holds general application settings.
type AppConfig struct {
	Name      string `yaml:"name"`
	Version   string `yaml:"version"`
	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`
}

// ServersConfig holds the listen ports for the three API servers.
type ServersConfig struct {
	ServicesPort int `yaml:"servicesPort"`
	QueryPort    int `yaml:"queryPort"`
	AdminPort    int `yaml:"adminPort"`
}

// TargetsConfig controls the lifecycle of targets.
type TargetsConfig struct {
	// ProcessingTime is how long a new or updated target stays in the
	// "processing" status.
	ProcessingTime Duration `yaml:"processingTime"`
}

// QueryConfig controls the query endpoint.
type QueryConfig struct {
	// RecognizesDeletion is how long after a target is deleted that a
	// query matching it still surfaces the deletion as an error.
	RecognizesDeletion Duration `yaml:"recognizesDeletion"`

	// ResponseDelay is an artificial delay applied to every request, to
	// simulate network latency.
	ResponseDelay Duration `yaml:"responseDelay"`
}

// MatcherConfig selects the image matching strategy.
type MatcherConfig struct {
	// Kind is one of "exact" or "similarity".
	Kind string `yaml:"kind"`

	// SimilarityThreshold is the maximum perceptual-hash score at which
	// two images are still considered a match. Only used by the
	// "similarity" matcher.
	SimilarityThreshold float64 `yaml:"similarityThreshold"`
}

// RaterConfig selects the tracking-rating strategy.
type RaterConfig struct {
	// Kind is one of "hardcoded", "random" or "quality".
	Kind string `yaml:"kind"`

	// HardcodedRating is the rating returned by the "hardcoded" rater.
	HardcodedRating int `yaml:"hardcodedRating"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// HealthConfig controls the health/readiness probe endpoints.
type HealthConfig struct {
	LivenessPath  string `yaml:"livenessPath"`
	ReadinessPath string `yaml:"readinessPath"`
}

// DatabaseSeed describes a database to create at startup, so that test
// runs can begin with known credentials.
type DatabaseSeed struct {
	DatabaseName    string `yaml:"databaseName"`
	ServerAccessKey string `yaml:"serverAccessKey"`
	ServerSecretKey string `yaml:"serverSecretKey"`
	ClientAccessKey string `yaml:"clientAccessKey"`
	ClientSecretKey string `yaml:"clientSecretKey"`
	StateName       string `yaml:"stateName"`
}

// Load reads the YAML configuration file at path, applies defaults, applies
// environment-variable overrides, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns a configuration with all defaults applied and no seed
// databases.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	return cfg
}

// applyDefaults fills in zero-valued fields with sensible defaults.
func (c *Config) applyDefaults() {
	// App defaults
	if c.App.Name == "" {
		c.App.Name = "vwsmock"
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.App.LogFormat == "" {
		c.App.LogFormat = "json"
	}

	// Server defaults
	if c.Servers.ServicesPort == 0 {
		c.Servers.ServicesPort = 8010
	}
	if c.Servers.QueryPort == 0 {
		c.Servers.QueryPort = 8011
	}
	if c.Servers.AdminPort == 0 {
		c.Servers.AdminPort = 8012
	}

	// Target lifecycle defaults
	if c.Targets.ProcessingTime.Duration == 0 {
		c.Targets.ProcessingTime.Duration = 2 * time.Second
	}
	if c.Query.RecognizesDeletion.Duration == 0 {
		c.Query.RecognizesDeletion.Duration = 2 * time.Second
	}

	// Matcher defaults
	if c.Matcher.Kind == "" {
		c.Matcher.Kind = "similarity"
	}
	if c.Matcher.SimilarityThreshold == 0 {
		c.Matcher.SimilarityThreshold = 60
	}

	// Rater defaults
	if c.Rater.Kind == "" {
		c.Rater.Kind = "quality"
	}

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Enabled = true
		c.Metrics.Port = 8080
		c.Metrics.Path = "/metrics"
	} else {
		if c.Metrics.Path == "" {
			c.Metrics.Path = "/metrics"
		}
	}

	// Health defaults
	if c.Health.LivenessPath == "" {
		c.Health.LivenessPath = "/healthz"
	}
	if c.Health.ReadinessPath == "" {
		c.Health.ReadinessPath = "/ready"
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SERVICES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Servers.ServicesPort = port
		}
	}
	if v := os.Getenv("QUERY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Servers.QueryPort = port
		}
	}
	if v := os.Getenv("ADMIN_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Servers.AdminPort = port
		}
	}
}

// validate checks that all required fields are populated and that enum values
// are within the allowed set.
func (c *Config) validate() error {
	// Validate log level
	switch c.App.LogLevel {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return fmt.Errorf("app.logLevel must be one of: debug, info, warn, error; got %q", c.App.LogLevel)
	}

	// Validate log format
	switch c.App.LogFormat {
	case "json", "text":
		// valid
	default:
		return fmt.Errorf("app.logFormat must be one of: json, text; got %q", c.App.LogFormat)
	}

	// Validate matcher kind
	switch c.Matcher.Kind {
	case "exact", "similarity":
		// valid
	default:
		return fmt.Errorf("matcher.kind must be one of: exact, similarity; got %q", c.Matcher.Kind)
	}

	// Validate rater kind
	switch c.Rater.Kind {
	case "hardcoded", "random", "quality":
		// valid
	default:
		return fmt.Errorf("rater.kind must be one of: hardcoded, random, quality; got %q", c.Rater.Kind)
	}

	if c.Rater.HardcodedRating < -1 || c.Rater.HardcodedRating > 5 {
		return fmt.Errorf("rater.hardcodedRating must be between -1 and 5; got %d", c.Rater.HardcodedRating)
	}

	// Validate seed databases
	for i, seed := range c.Databases {
		switch seed.StateName {
		case "", "WORKING", "PROJECT_INACTIVE":
			// valid
		default:
			return fmt.Errorf(
				"databases[%d].stateName must be WORKING or PROJECT_INACTIVE; got %q",
				i, seed.StateName,
			)
		}
	}

	return nil
}
