package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.Timer.GracePeriod)
	assert.Equal(t, 10*time.Second, cfg.Timer.WarningThreshold)
	assert.Equal(t, 3, cfg.Queue.MaxRetries)
	assert.Equal(t, "DRAFT_CHANGES", cfg.NATS.Transport().StreamName)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "draftsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log:
  level: debug
timer:
  warning_threshold: 5s
  grace_period: 45s
gateway:
  port: 9000
  allowed_origins: [https://draft.example.com]
nats:
  stream: TEST_CHANGES
  presence_ttl: 12s
`), 0o600))

	t.Setenv("DRAFTSYNC_TIMER_GRACE", "20s")
	t.Setenv("NATS_URL", "nats://nats:4222")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 5*time.Second, cfg.Timer.WarningThreshold)
	assert.Equal(t, 20*time.Second, cfg.Timer.GracePeriod, "env wins over file")
	assert.Equal(t, 9000, cfg.Gateway.Port)
	assert.Equal(t, []string{"https://draft.example.com"}, cfg.Gateway.AllowedOrigins)

	tc := cfg.NATS.Transport()
	assert.Equal(t, "nats://nats:4222", tc.URL)
	assert.Equal(t, "TEST_CHANGES", tc.StreamName)
	assert.Equal(t, "DRAFT_PRESENCE", tc.PresenceBucket)
	assert.Equal(t, 12*time.Second, tc.PresenceTTL)
	assert.Equal(t, 4*time.Second, tc.PresenceHeartbeat)
}

func TestLoad_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("timer:\n  warning_threshold: 0s\n"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestSession(t *testing.T) {
	cfg := Default()
	cfg.Timer.WarningThreshold = 5 * time.Second
	roomID, userID, teamID := uuid.New(), uuid.New(), uuid.New()

	sc := cfg.Session(roomID, userID, teamID, "alice")
	assert.Equal(t, roomID, sc.RoomID)
	assert.Equal(t, roomID, sc.Realtime.RoomID)
	assert.Equal(t, userID.String(), sc.Realtime.ParticipantID)
	assert.Equal(t, "alice", sc.Username)
	assert.Equal(t, 5*time.Second, sc.Timer.WarningThreshold)
	assert.Equal(t, 5, sc.Realtime.Backoff.MaxAttempts)
}
