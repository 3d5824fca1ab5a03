package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "paddock.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaultsAndFile(t *testing.T) {
	path := writeConfig(t, `
server:
  listen: "127.0.0.1:9000"
  auth_token: "0123456789abcdef0123"
database:
  dsn: "postgres://paddock:pw@localhost/paddock?sslmode=disable"
vault:
  passphrase: "local-dev-passphrase"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Listen)
	// Values absent from the file keep defaults
	assert.Equal(t, 100, cfg.Server.RateLimit)
	assert.Equal(t, 60, cfg.Server.RateWindowSeconds)
	assert.Equal(t, 30, cfg.Monitor.IntervalSeconds)
	assert.Equal(t, 60, cfg.Alerting.EvalIntervalSeconds)
	assert.Equal(t, 10, cfg.Executor.DialTimeoutSeconds)
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
server:
  auth_token: "0123456789abcdef0123"
database:
  dsn: "postgres://file-dsn"
vault:
  passphrase: "from-file"
`)

	t.Setenv("PADDOCK_DB_DSN", "postgres://env-dsn")
	t.Setenv("PADDOCK_REDIS_ADDR", "10.1.2.3:6380")
	t.Setenv("PADDOCK_MONITOR_INTERVAL", "45")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://env-dsn", cfg.Database.DSN)
	assert.Equal(t, "10.1.2.3:6380", cfg.Redis.Addr)
	assert.Equal(t, 45, cfg.Monitor.IntervalSeconds)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name: "missing auth token",
			content: `
database:
  dsn: "postgres://x"
vault:
  passphrase: "p"
`,
			wantErr: "invalid configuration",
		},
		{
			name: "short auth token",
			content: `
server:
  auth_token: "short"
database:
  dsn: "postgres://x"
vault:
  passphrase: "p"
`,
			wantErr: "invalid configuration",
		},
		{
			name: "monitor interval below floor",
			content: `
server:
  auth_token: "0123456789abcdef0123"
database:
  dsn: "postgres://x"
vault:
  passphrase: "p"
monitor:
  interval_seconds: 2
`,
			wantErr: "invalid configuration",
		},
		{
			name: "vault source missing",
			content: `
server:
  auth_token: "0123456789abcdef0123"
database:
  dsn: "postgres://x"
`,
			wantErr: "vault.passphrase or vault.key_file",
		},
		{
			name: "vault sources conflicting",
			content: `
server:
  auth_token: "0123456789abcdef0123"
database:
  dsn: "postgres://x"
vault:
  passphrase: "p"
  key_file: "/etc/paddock/key"
`,
			wantErr: "mutually exclusive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestMasterKeyFromFile(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "master.key")
	require.NoError(t, os.WriteFile(keyPath, []byte("0123456789abcdef0123456789abcdef-extra"), 0o600))

	cfg := Default()
	cfg.Vault.KeyFile = keyPath

	key, err := cfg.MasterKey()
	require.NoError(t, err)
	assert.Len(t, key, 32)

	cfg.Vault.KeyFile = filepath.Join(dir, "short.key")
	require.NoError(t, os.WriteFile(cfg.Vault.KeyFile, []byte("too short"), 0o600))
	_, err = cfg.MasterKey()
	assert.Error(t, err)
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "30s", cfg.Monitor.Interval().String())
	assert.Equal(t, "10s", cfg.Executor.DialTimeout().String())
	assert.Equal(t, "1m0s", cfg.Alerting.EvalInterval().String())
	assert.Equal(t, "1m0s", cfg.Server.RateWindow().String())
}
