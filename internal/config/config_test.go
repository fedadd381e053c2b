package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// noEnvFile points Load at a path that does not exist so a developer's .env
// cannot leak into the test.
func noEnvFile(t *testing.T) string {
	return filepath.Join(t.TempDir(), "missing.env")
}

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"HTTP_ADDR", "FEED_BACKEND", "SESSION_SECRET", "MATCH_MAX_WAIT", "STUN_SERVERS", "ICE_CONFIG_FILE", "MEDIA_DIR"} {
		t.Setenv(key, "")
	}

	cfg, err := Load(Options{EnvFile: noEnvFile(t)})
	require.NoError(t, err)

	assert.Equal(t, DefaultHTTPAddr, cfg.HTTPAddr)
	assert.Equal(t, FeedRedis, cfg.Feed)
	assert.Equal(t, time.Duration(0), cfg.Match.MaxWait)
	assert.Equal(t, DefaultOfferDelay, cfg.Negotiation.OfferDelay)
	assert.True(t, cfg.UsingDevSecret())
	assert.Equal(t, DefaultMediaDir, cfg.MediaDir)
	require.Len(t, cfg.ICEServers, 1)
	assert.Equal(t, DefaultSTUNServers, cfg.ICEServers[0].URLs)
}

func TestLoadPriority(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9000")
	t.Setenv("FEED_BACKEND", "postgres")
	t.Setenv("MATCH_MAX_WAIT", "45s")
	t.Setenv("CORS_ORIGINS", "http://a.test, http://b.test")

	cfg, err := Load(Options{EnvFile: noEnvFile(t), HTTPAddr: ":7000"})
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.HTTPAddr, "flag beats env")
	assert.Equal(t, FeedPostgres, cfg.Feed)
	assert.Equal(t, 45*time.Second, cfg.Match.MaxWait)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.AllowedOrigins)
}

func TestLoadEnvFileDoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("SESSION_SECRET=from-file\nREDIS_ADDR=redis:6379\n"), 0o600))

	t.Setenv("REDIS_ADDR", "env:6379")
	t.Setenv("SESSION_SECRET", "")
	// godotenv only fills variables that are unset, so clear it for real.
	require.NoError(t, os.Unsetenv("SESSION_SECRET"))

	cfg, err := Load(Options{EnvFile: envFile})
	require.NoError(t, err)
	assert.Equal(t, "env:6379", cfg.RedisAddr)
	assert.Equal(t, "from-file", cfg.SessionSecret)
	require.NoError(t, os.Unsetenv("SESSION_SECRET"))
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("MATCH_HEARTBEAT", "soon")
	_, err := Load(Options{EnvFile: noEnvFile(t)})
	assert.ErrorContains(t, err, "MATCH_HEARTBEAT")

	t.Setenv("MATCH_HEARTBEAT", "1m")
	_, err = Load(Options{EnvFile: noEnvFile(t)})
	assert.ErrorContains(t, err, "must exceed heartbeat")

	t.Setenv("MATCH_HEARTBEAT", "")
	_, err = Load(Options{EnvFile: noEnvFile(t), Feed: "kafka"})
	assert.ErrorContains(t, err, "unknown feed backend")
}

func TestLoadICEServers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ice.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`ice_servers:
  - urls: ["stun:stun.example.org:3478"]
  - urls: ["turn:turn.example.org:3478?transport=udp"]
    username: senvo
    credential: secret
`), 0o600))

	cfg, err := Load(Options{EnvFile: noEnvFile(t), ICEFile: path})
	require.NoError(t, err)
	require.Len(t, cfg.ICEServers, 2)
	assert.Equal(t, "senvo", cfg.ICEServers[1].Username)
	assert.Equal(t, "secret", cfg.ICEServers[1].Credential)

	_, err = LoadICEServers(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
