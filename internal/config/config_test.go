package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolate(t *testing.T) {
	t.Helper()
	t.Chdir(t.TempDir())
	t.Setenv("ENV_PATH", "")
}

func TestClientDefaults(t *testing.T) {
	isolate(t)
	t.Setenv("USER_ID", "alice")

	v, err := InitConfig()
	require.NoError(t, err)
	cfg, err := GetClientConfig(v)
	require.NoError(t, err)

	assert.Equal(t, "alice", cfg.UserID)
	assert.Equal(t, 10*time.Second, cfg.Call.EscalationTimeout)
	assert.Equal(t, 5, cfg.Call.MaxAttempts)
	assert.Equal(t, 60*time.Second, cfg.Call.RingTimeout)
	assert.Equal(t, 60*time.Second, cfg.Call.IncomingTTL)
	assert.True(t, cfg.Call.NudgeOnExhaustion)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, 640, cfg.Media.Hints().Width)

	tiers, err := cfg.TransportTiers()
	require.NoError(t, err)
	assert.Nil(t, tiers)
}

func TestClientFromEnv(t *testing.T) {
	isolate(t)
	t.Setenv("USER_ID", "bob")
	t.Setenv("CALL__ESCALATION_TIMEOUT", "3s")
	t.Setenv("CALL__MAX_ATTEMPTS", "2")
	t.Setenv("STORE__BACKEND", "redis")
	t.Setenv("STORE__REDIS_ADDR", "localhost:6379")
	t.Setenv("TIERS", `[{"name":"lan","iceServers":[]},{"name":"turn","relayOnly":true,"iceServers":[{"urls":["turn:t.example:3478"],"username":"u","credential":"c"}]}]`)

	v, err := InitConfig()
	require.NoError(t, err)
	cfg, err := GetClientConfig(v)
	require.NoError(t, err)

	assert.Equal(t, 3*time.Second, cfg.Call.EscalationTimeout)
	assert.Equal(t, 2, cfg.Call.MaxAttempts)
	assert.Equal(t, "localhost:6379", cfg.Store.RedisAddr)

	tiers, err := cfg.TransportTiers()
	require.NoError(t, err)
	require.Len(t, tiers, 2)
	assert.Equal(t, "turn", tiers[1].Name)
	assert.True(t, tiers[1].RelayOnly)
	assert.Equal(t, "c", tiers[1].ICEServers[0].Credential)
}

func TestClientFromEnvFile(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "client.env")
	require.NoError(t, os.WriteFile(path, []byte("USER_ID=carol\nHISTORY__BACKEND=sqlite\nHISTORY__PATH=/tmp/calls.db\nLOG__LEVEL=debug\n"), 0600))
	t.Setenv("ENV_PATH", path)

	v, err := InitConfig()
	require.NoError(t, err)
	cfg, err := GetClientConfig(v)
	require.NoError(t, err)

	assert.Equal(t, "carol", cfg.UserID)
	assert.Equal(t, "sqlite", cfg.History.Backend)
	assert.Equal(t, "/tmp/calls.db", cfg.History.Path)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestClientValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing user", map[string]string{}},
		{"unknown store", map[string]string{"USER_ID": "a", "STORE__BACKEND": "etcd"}},
		{"redis without addr", map[string]string{"USER_ID": "a", "STORE__BACKEND": "redis"}},
		{"file without dir", map[string]string{"USER_ID": "a", "STORE__BACKEND": "file"}},
		{"zero attempts", map[string]string{"USER_ID": "a", "CALL__MAX_ATTEMPTS": "0"}},
		{"bad tiers", map[string]string{"USER_ID": "a", "TIERS": "{"}},
		{"empty tiers", map[string]string{"USER_ID": "a", "TIERS": "[]"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			v, err := InitConfig()
			require.NoError(t, err)
			_, err = GetClientConfig(v)
			assert.Error(t, err)
		})
	}
}

func TestServerConfig(t *testing.T) {
	isolate(t)
	t.Setenv("SERVER_ADDR", ":9090")

	v, err := InitConfig()
	require.NoError(t, err)
	cfg, err := GetServerConfig(v)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.ServerAddr)
	assert.Equal(t, "info", cfg.Log.Level)
}
