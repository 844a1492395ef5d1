package store

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvcharge/pvcharge/config"
	"github.com/pvcharge/pvcharge/telemetry"
)

func openTestStore(t *testing.T) *SqliteStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSettingsRoundTrip(t *testing.T) {
	s := openTestStore(t)

	// a fresh store serves defaults
	settings, err := s.Settings()
	require.NoError(t, err)
	assert.Equal(t, telemetry.StrategyOff, settings.ChargingStrategy.ActiveStrategy)

	settings.WallboxIP = "192.168.1.50"
	settings.MockWallboxPhases = 3
	require.NoError(t, s.SaveSettings(settings))

	reread, err := s.Settings()
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.50", reread.WallboxIP)
	assert.Equal(t, 3, reread.MockWallboxPhases)

	// flip the mock phases back via the update primitive and read again
	updated, err := s.UpdateSettings(func(settings *config.Settings) {
		settings.MockWallboxPhases = 1
	})
	require.NoError(t, err)
	assert.Equal(t, 1, updated.MockWallboxPhases)

	reread, err = s.Settings()
	require.NoError(t, err)
	assert.Equal(t, 1, reread.MockWallboxPhases)
}

func TestUpdateChargingContextIsReadModifyWrite(t *testing.T) {
	s := openTestStore(t)

	now := time.Now()
	_, err := s.UpdateChargingContext(func(context *telemetry.ChargingContext) {
		context.IsActive = true
		context.CurrentAmpere = 10
		context.TargetAmpere = 10
		context.CurrentPhases = 1
		context.LastStartedAt = &now
	})
	require.NoError(t, err)

	context, err := s.ChargingContext()
	require.NoError(t, err)
	assert.True(t, context.IsActive)
	assert.Equal(t, 10.0, context.CurrentAmpere)
	require.NotNil(t, context.LastStartedAt)
	assert.WithinDuration(t, now, *context.LastStartedAt, time.Second)
}

func TestControlStateDefaultsToAllOff(t *testing.T) {
	s := openTestStore(t)

	state, err := s.ControlState()
	require.NoError(t, err)
	assert.Equal(t, telemetry.ControlState{}, state)

	state, err = s.UpdateControlState(func(state *telemetry.ControlState) {
		state.NightCharging = true
		state.BatteryLock = true
	})
	require.NoError(t, err)
	assert.True(t, state.NightCharging)

	reread, err := s.ControlState()
	require.NoError(t, err)
	assert.Equal(t, state, reread)
}

func TestLogRingBufferCapsAtLimit(t *testing.T) {
	s := openTestStore(t)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < maxLogEntries+25; i++ {
		err := s.AddLog(LogEntry{
			Time:     base.Add(time.Duration(i) * time.Second),
			Level:    LevelInfo,
			Category: CategorySystem,
			Message:  fmt.Sprintf("entry %d", i),
		})
		require.NoError(t, err)
	}

	entries, err := s.Logs(0)
	require.NoError(t, err)
	assert.Len(t, entries, maxLogEntries)

	// the newest entry survives, the oldest 25 are gone
	assert.Equal(t, fmt.Sprintf("entry %d", maxLogEntries+24), entries[0].Message)
	assert.Equal(t, "entry 25", entries[len(entries)-1].Message)

	require.NoError(t, s.ClearLogs())
	entries, err = s.Logs(0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
