package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baseYAML = `
app:
  name: rental-queue
database:
  postgres:
    host: localhost
    database: rentals
    user: queue
    password: ${QUEUE_TEST_DB_PASSWORD}
  redis:
    address: localhost:6379
auth:
  keycloak:
    url: http://keycloak:8080
    realm: rentals
workers:
  send-notification:
    enabled: true
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFromFile_AppliesDefaults(t *testing.T) {
	t.Setenv("QUEUE_TEST_DB_PASSWORD", "s3cret")

	cfg, err := LoadFromFile(writeConfig(t, baseYAML))
	require.NoError(t, err)

	assert.Equal(t, "s3cret", cfg.Database.Postgres.Password)
	assert.Equal(t, 5432, cfg.Database.Postgres.Port)
	assert.Equal(t, "disable", cfg.Database.Postgres.SSLMode)
	assert.Equal(t, 1000, cfg.Queue.NotesMaxLength)
	assert.Equal(t, 3, cfg.Queue.RetryAttempts)
	assert.Equal(t, ":8080", cfg.HTTP.Address)
	assert.Equal(t, "admin", cfg.Auth.Keycloak.AdminRole)
	assert.Equal(t, "application-history", cfg.Database.Elasticsearch.HistoryIndex)

	worker := cfg.Workers["send-notification"]
	assert.True(t, worker.Enabled)
	assert.Equal(t, 5, worker.MaxJobsActive)
	assert.Equal(t, 50, worker.BatchSize)
}

func TestLoadFromFile_Validation(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name: "missing postgres host",
			body: `
database:
  postgres:
    database: rentals
    user: queue
  redis:
    address: localhost:6379
auth:
  keycloak: {url: http://kc, realm: r}
`,
			wantErr: "database.postgres.host is required",
		},
		{
			name: "camunda enabled without broker",
			body: `
camunda:
  enabled: true
database:
  postgres: {host: db, database: rentals, user: queue}
  redis: {address: localhost:6379}
auth:
  keycloak: {url: http://kc, realm: r}
`,
			wantErr: "camunda.broker_address is required",
		},
		{
			name: "missing keycloak",
			body: `
database:
  postgres: {host: db, database: rentals, user: queue}
  redis: {address: localhost:6379}
`,
			wantErr: "auth.keycloak.url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromFile(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestGetWorkerConfig_Fallback(t *testing.T) {
	cfg := &Config{Workers: map[string]WorkerConfig{"submit-application": {Enabled: false}}}

	assert.False(t, IsWorkerEnabled(cfg, "submit-application"))
	assert.True(t, IsWorkerEnabled(cfg, "review-application"))
	assert.Equal(t, 3, GetWorkerConfig(cfg, "review-application").MaxRetries)
	assert.Equal(t, 250*time.Millisecond, GetDuration(250))
}
