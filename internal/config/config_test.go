package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func testdataPath(name string) string {
	return filepath.Join("testdata", name)
}

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(testdataPath("valid_config.yaml"))
	require.NoError(t, err)

	// App
	assert.Equal(t, "vwsmock", cfg.App.Name)
	assert.Equal(t, "1.0.0", cfg.App.Version)
	assert.Equal(t, "debug", cfg.App.LogLevel)
	assert.Equal(t, "json", cfg.App.LogFormat)

	// Servers
	assert.Equal(t, 9010, cfg.Servers.ServicesPort)
	assert.Equal(t, 9011, cfg.Servers.QueryPort)
	assert.Equal(t, 9012, cfg.Servers.AdminPort)

	// Targets and query
	assert.Equal(t, 500*time.Millisecond, cfg.Targets.ProcessingTime.Duration)
	assert.Equal(t, 3*time.Second, cfg.Query.RecognizesDeletion.Duration)
	assert.Equal(t, 100*time.Millisecond, cfg.Query.ResponseDelay.Duration)

	// Matcher and rater
	assert.Equal(t, "similarity", cfg.Matcher.Kind)
	assert.Equal(t, 45.0, cfg.Matcher.SimilarityThreshold)
	assert.Equal(t, "hardcoded", cfg.Rater.Kind)
	assert.Equal(t, 3, cfg.Rater.HardcodedRating)

	// Metrics and health
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9090, cfg.Metrics.Port)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, "/healthz", cfg.Health.LivenessPath)
	assert.Equal(t, "/ready", cfg.Health.ReadinessPath)

	// Seed databases
	require.Len(t, cfg.Databases, 2)
	assert.Equal(t, "test-db", cfg.Databases[0].DatabaseName)
	assert.Equal(t, "server-access", cfg.Databases[0].ServerAccessKey)
	assert.Equal(t, "server-secret", cfg.Databases[0].ServerSecretKey)
	assert.Equal(t, "client-access", cfg.Databases[0].ClientAccessKey)
	assert.Equal(t, "client-secret", cfg.Databases[0].ClientSecretKey)
	assert.Equal(t, "WORKING", cfg.Databases[0].StateName)
	assert.Equal(t, "PROJECT_INACTIVE", cfg.Databases[1].StateName)
}

func TestLoadMinimalConfigAppliesDefaults(t *testing.T) {
	cfg, err := Load(testdataPath("minimal_config.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "vwsmock", cfg.App.Name)
	assert.Equal(t, "info", cfg.App.LogLevel)
	assert.Equal(t, "json", cfg.App.LogFormat)
	assert.Equal(t, 8010, cfg.Servers.ServicesPort)
	assert.Equal(t, 8011, cfg.Servers.QueryPort)
	assert.Equal(t, 8012, cfg.Servers.AdminPort)
	assert.Equal(t, 2*time.Second, cfg.Targets.ProcessingTime.Duration)
	assert.Equal(t, 2*time.Second, cfg.Query.RecognizesDeletion.Duration)
	assert.Equal(t, time.Duration(0), cfg.Query.ResponseDelay.Duration)
	assert.Equal(t, "similarity", cfg.Matcher.Kind)
	assert.Equal(t, 60.0, cfg.Matcher.SimilarityThreshold)
	assert.Equal(t, "quality", cfg.Rater.Kind)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 8080, cfg.Metrics.Port)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, "/healthz", cfg.Health.LivenessPath)
	assert.Equal(t, "/ready", cfg.Health.ReadinessPath)
	assert.Empty(t, cfg.Databases)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(testdataPath("no_such_file.yaml"))
	assert.Error(t, err)
}

func TestLoadInvalidRaterKind(t *testing.T) {
	_, err := Load(testdataPath("invalid_rater.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rater.kind")
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "vwsmock", cfg.App.Name)
	assert.Equal(t, 8010, cfg.Servers.ServicesPort)
	assert.Equal(t, "quality", cfg.Rater.Kind)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SERVICES_PORT", "7010")
	t.Setenv("QUERY_PORT", "7011")
	t.Setenv("ADMIN_PORT", "7012")

	cfg := Default()
	assert.Equal(t, 7010, cfg.Servers.ServicesPort)
	assert.Equal(t, 7011, cfg.Servers.QueryPort)
	assert.Equal(t, 7012, cfg.Servers.AdminPort)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			name:   "bad log level",
			mutate: func(c *Config) { c.App.LogLevel = "verbose" },
			want:   "app.logLevel",
		},
		{
			name:   "bad log format",
			mutate: func(c *Config) { c.App.LogFormat = "xml" },
			want:   "app.logFormat",
		},
		{
			name:   "bad matcher kind",
			mutate: func(c *Config) { c.Matcher.Kind = "fuzzy" },
			want:   "matcher.kind",
		},
		{
			name:   "rating out of range",
			mutate: func(c *Config) { c.Rater.HardcodedRating = 6 },
			want:   "rater.hardcodedRating",
		},
		{
			name: "bad seed state",
			mutate: func(c *Config) {
				c.Databases = []DatabaseSeed{{DatabaseName: "db", StateName: "SUSPENDED"}}
			},
			want: "stateName",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDurationRoundTrip(t *testing.T) {
	var wrapper struct {
		Interval Duration `yaml:"interval"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("interval: 90s"), &wrapper))
	assert.Equal(t, 90*time.Second, wrapper.Interval.Duration)

	out, err := yaml.Marshal(wrapper)
	require.NoError(t, err)
	assert.Equal(t, "interval: 1m30s\n", string(out))

	err = yaml.Unmarshal([]byte("interval: soon"), &wrapper)
	assert.Error(t, err)
}
