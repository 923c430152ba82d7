package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	s := Default()

	assert.Equal(t, 300*time.Second, s.Pipeline.Timeout)
	assert.Equal(t, 10, s.Pipeline.MaxIterationsCeiling)
	assert.Equal(t, 5, s.Pipeline.MaxErrors)
	assert.Equal(t, 120*time.Second, s.Sandbox.MaxTimeout)
	assert.False(t, s.Sandbox.AllowNetwork)
	assert.Equal(t, 1.0, s.Credits.PerThousandProject)
	assert.Equal(t, 0.5, s.Credits.PerThousandChat)
	assert.Equal(t, 500, s.Credits.DefaultTaskTokens)
	assert.Equal(t, 3, s.RateLimit.DefaultMaxConcurrent)
	assert.Equal(t, "node:20-alpine", s.Sandbox.DockerImages["javascript"])
	require.NoError(t, s.Validate())
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("PIPELINE_TIMEOUT_SECONDS", "42")
	t.Setenv("PIPELINE_MAX_ERRORS", "2")
	t.Setenv("SANDBOX_BACKEND", "docker")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")

	s, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 42*time.Second, s.Pipeline.Timeout)
	assert.Equal(t, 2, s.Pipeline.MaxErrors)
	assert.Equal(t, "docker", s.Sandbox.Backend)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, s.Server.CORSOrigins)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "forge.yaml")
	content := "pipeline:\n  workers: 9\nratelimit:\n  requests: 7\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9, s.Pipeline.Workers)
	assert.Equal(t, 7, s.RateLimit.Requests)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Settings)
		wantErr string
	}{
		{
			name:    "unknown driver",
			mutate:  func(s *Settings) { s.Database.Driver = "mysql" },
			wantErr: "database.driver",
		},
		{
			name:    "no workers",
			mutate:  func(s *Settings) { s.Pipeline.Workers = 0 },
			wantErr: "pipeline.workers",
		},
		{
			name:    "s3 without bucket",
			mutate:  func(s *Settings) { s.Storage.FileBackend = "s3" },
			wantErr: "s3_bucket",
		},
		{
			name:    "unknown cache backend",
			mutate:  func(s *Settings) { s.Storage.CacheBackend = "memcached" },
			wantErr: "storage.cache_backend",
		},
		{
			name:    "unknown log level",
			mutate:  func(s *Settings) { s.Server.LogLevel = "verbose" },
			wantErr: "log_level",
		},
		{
			name: "production without jwt secret",
			mutate: func(s *Settings) {
				s.Server.Environment = "production"
			},
			wantErr: "jwt.secret",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Default()
			tt.mutate(&s)
			err := s.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
