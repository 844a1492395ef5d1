package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvcharge/pvcharge/config"
	"github.com/pvcharge/pvcharge/e3dc"
	"github.com/pvcharge/pvcharge/sse"
	"github.com/pvcharge/pvcharge/store"
	"github.com/pvcharge/pvcharge/telemetry"
	"github.com/pvcharge/pvcharge/wallbox"
)

type fakeCommander struct {
	mu      sync.Mutex
	sent    []string
	replies map[string]wallbox.Result
	errs    map[string]error
}

func (f *fakeCommander) SendCommand(ctx context.Context, ip, command string) (wallbox.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, command)
	if err, ok := f.errs[command]; ok {
		return nil, err
	}
	if reply, ok := f.replies[command]; ok {
		return reply, nil
	}
	return wallbox.Result{"TCH-OK": ""}, nil
}

func (f *fakeCommander) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type fakeController struct {
	mu          sync.Mutex
	activated   []telemetry.Strategy
	deactivated int
}

func (f *fakeController) Activate(ctx context.Context, target telemetry.Strategy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activated = append(f.activated, target)
	return nil
}

func (f *fakeController) Deactivate(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deactivated++
	return nil
}

func (f *fakeController) lastActivated() (telemetry.Strategy, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.activated) == 0 {
		return "", false
	}
	return f.activated[len(f.activated)-1], true
}

type fakeExecutor struct {
	output string
	err    error
	lines  []string
}

func (f *fakeExecutor) ExecuteConsole(ctx context.Context, commandLine string) (string, error) {
	f.lines = append(f.lines, commandLine)
	return f.output, f.err
}

type fixture struct {
	server     *Server
	handler    http.Handler
	store      store.Store
	commander  *fakeCommander
	controller *fakeController
	executor   *fakeExecutor
	hub        *e3dc.Hub
}

func newFixture(t *testing.T, cfg config.Config) *fixture {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	_, err = st.UpdateSettings(func(s *config.Settings) {
		s.WallboxIP = "192.168.1.50"
		s.E3dcIP = "192.168.1.60"
	})
	require.NoError(t, err)

	f := &fixture{
		store:      st,
		commander:  &fakeCommander{replies: map[string]wallbox.Result{}, errs: map[string]error{}},
		controller: &fakeController{},
		executor:   &fakeExecutor{},
		hub:        e3dc.NewHub(),
	}
	f.server = New(cfg, st, f.controller, f.commander, f.hub, sse.NewRegistry(), f.executor, "1.2.3-test")
	f.handler = f.server.Routes()
	return f
}

func (f *fixture) request(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

func TestHealthSkipsAuthentication(t *testing.T) {
	f := newFixture(t, config.Config{APIKey: "secret"})

	rec := f.request(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	decode(t, rec, &body)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "1.2.3-test", body["version"])
	assert.NotEmpty(t, body["uptime"])
}

func TestAPIKeyRequired(t *testing.T) {
	f := newFixture(t, config.Config{APIKey: "secret"})

	rec := f.request(t, http.MethodGet, "/api/settings", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/settings", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/settings", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestOpenAccessWithoutConfiguredKey(t *testing.T) {
	f := newFixture(t, config.Config{})

	rec := f.request(t, http.MethodGet, "/api/settings", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWallboxStatusRequiresConfiguredIP(t *testing.T) {
	f := newFixture(t, config.Config{})
	_, err := f.store.UpdateSettings(func(s *config.Settings) { s.WallboxIP = "" })
	require.NoError(t, err)

	rec := f.request(t, http.MethodGet, "/api/wallbox/status", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWallboxStatusMergesReports(t *testing.T) {
	f := newFixture(t, config.Config{})
	f.commander.replies[wallbox.CommandReport2] = wallbox.Result{"State": 3.0, "Plug": 7.0, "Max curr": 16000.0}
	f.commander.replies[wallbox.CommandReport3] = wallbox.Result{"I1": 15800.0, "I2": 15700.0, "I3": 15600.0, "P": 10.9e9}

	rec := f.request(t, http.MethodGet, "/api/wallbox/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status telemetry.WallboxStatus
	decode(t, rec, &status)
	assert.Equal(t, 3, status.State)
	assert.Equal(t, 7, status.Plug)
	assert.Equal(t, 16.0, status.MaxCurr)
	assert.Equal(t, 3, status.Phases)
}

func TestWallboxStartUsesRequestedStrategy(t *testing.T) {
	f := newFixture(t, config.Config{})

	rec := f.request(t, http.MethodPost, "/api/wallbox/start",
		map[string]string{"strategy": "surplus_vehicle_prio"})
	require.Equal(t, http.StatusOK, rec.Code)

	require.Eventually(t, func() bool {
		_, ok := f.controller.lastActivated()
		return ok
	}, time.Second, 5*time.Millisecond)
	got, _ := f.controller.lastActivated()
	assert.Equal(t, telemetry.StrategySurplusVehiclePrio, got)
}

func TestWallboxStartDefaultsWhenStrategyOmitted(t *testing.T) {
	f := newFixture(t, config.Config{})

	rec := f.request(t, http.MethodPost, "/api/wallbox/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Eventually(t, func() bool {
		_, ok := f.controller.lastActivated()
		return ok
	}, time.Second, 5*time.Millisecond)
	got, _ := f.controller.lastActivated()
	assert.Equal(t, telemetry.StrategyMaxWithBattery, got)
}

func TestWallboxStartRejectsUnknownStrategy(t *testing.T) {
	f := newFixture(t, config.Config{})

	rec := f.request(t, http.MethodPost, "/api/wallbox/start",
		map[string]string{"strategy": "warp_speed"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWallboxStopDeactivatesInBackground(t *testing.T) {
	f := newFixture(t, config.Config{})

	rec := f.request(t, http.MethodPost, "/api/wallbox/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Eventually(t, func() bool {
		f.controller.mu.Lock()
		defer f.controller.mu.Unlock()
		return f.controller.deactivated == 1
	}, time.Second, 5*time.Millisecond)
}

func TestWallboxCurrentVerifiesReadback(t *testing.T) {
	f := newFixture(t, config.Config{})
	f.commander.replies[wallbox.CommandReport2] = wallbox.Result{"State": 3.0, "Plug": 7.0, "Max curr": 10000.0}

	rec := f.request(t, http.MethodPost, "/api/wallbox/current", map[string]float64{"current": 10})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, f.commander.commands(), "curr 10000")
}

func TestWallboxCurrentFailsWithoutAcknowledgement(t *testing.T) {
	f := newFixture(t, config.Config{})
	f.commander.replies[wallbox.CommandReport2] = wallbox.Result{"State": 3.0, "Plug": 7.0, "Max curr": 16000.0}

	rec := f.request(t, http.MethodPost, "/api/wallbox/current", map[string]float64{"current": 10})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestWallboxCurrentRejectsOutOfRange(t *testing.T) {
	f := newFixture(t, config.Config{})

	for _, current := range []float64{5, 33, 0, -6} {
		rec := f.request(t, http.MethodPost, "/api/wallbox/current", map[string]float64{"current": current})
		assert.Equal(t, http.StatusBadRequest, rec.Code, fmt.Sprintf("current %v", current))
	}
	assert.Empty(t, f.commander.commands())
}

func TestSettingsRoundTrip(t *testing.T) {
	f := newFixture(t, config.Config{})

	rec := f.request(t, http.MethodGet, "/api/settings", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var settings config.Settings
	decode(t, rec, &settings)
	settings.E3dc.PollingIntervalSeconds = 20

	rec = f.request(t, http.MethodPost, "/api/settings", settings)
	require.Equal(t, http.StatusOK, rec.Code)

	stored, err := f.store.Settings()
	require.NoError(t, err)
	assert.Equal(t, 20, stored.E3dc.PollingIntervalSeconds)
}

func TestSettingsPostRejectsInvalid(t *testing.T) {
	f := newFixture(t, config.Config{})

	settings, err := f.store.Settings()
	require.NoError(t, err)
	settings.ChargingStrategy.MinStartPowerWatt = -50

	rec := f.request(t, http.MethodPost, "/api/settings", settings)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestControlsPatchExcludesNightCharging(t *testing.T) {
	f := newFixture(t, config.Config{})

	rec := f.request(t, http.MethodPost, "/api/controls", map[string]bool{"pvSurplus": true, "gridCharging": true})
	require.Equal(t, http.StatusOK, rec.Code)

	state, err := f.store.ControlState()
	require.NoError(t, err)
	assert.True(t, state.PVSurplus)
	assert.True(t, state.GridCharging)

	rec = f.request(t, http.MethodPost, "/api/controls", map[string]bool{"nightCharging": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	state, err = f.store.ControlState()
	require.NoError(t, err)
	assert.False(t, state.NightCharging)
}

func TestControlsPatchLeavesOtherFlagsAlone(t *testing.T) {
	f := newFixture(t, config.Config{})
	_, err := f.store.UpdateControlState(func(cs *telemetry.ControlState) { cs.BatteryLock = true })
	require.NoError(t, err)

	rec := f.request(t, http.MethodPost, "/api/controls", map[string]bool{"pvSurplus": true})
	require.Equal(t, http.StatusOK, rec.Code)

	state, err := f.store.ControlState()
	require.NoError(t, err)
	assert.True(t, state.BatteryLock)
	assert.True(t, state.PVSurplus)
}

func TestChargingStrategyOffDeactivates(t *testing.T) {
	f := newFixture(t, config.Config{})

	rec := f.request(t, http.MethodPost, "/api/charging/strategy", map[string]string{"strategy": "off"})
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	decode(t, rec, &body)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "off", body["strategy"])

	require.Eventually(t, func() bool {
		f.controller.mu.Lock()
		defer f.controller.mu.Unlock()
		return f.controller.deactivated == 1
	}, time.Second, 5*time.Millisecond)
}

func TestChargingContextReturnsStoredState(t *testing.T) {
	f := newFixture(t, config.Config{})
	_, err := f.store.UpdateChargingContext(func(cc *telemetry.ChargingContext) {
		cc.IsActive = true
		cc.Strategy = telemetry.StrategySurplusBatteryPrio
		cc.CurrentAmpere = 8
	})
	require.NoError(t, err)

	rec := f.request(t, http.MethodGet, "/api/charging/context", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var cc telemetry.ChargingContext
	decode(t, rec, &cc)
	assert.True(t, cc.IsActive)
	assert.Equal(t, telemetry.StrategySurplusBatteryPrio, cc.Strategy)
	assert.Equal(t, 8.0, cc.CurrentAmpere)
}

func TestLiveDataUnavailableBeforeFirstPoll(t *testing.T) {
	f := newFixture(t, config.Config{})

	rec := f.request(t, http.MethodGet, "/api/e3dc/live-data", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestLiveDataServesLatestSnapshot(t *testing.T) {
	f := newFixture(t, config.Config{})
	f.hub.Publish(telemetry.LiveData{PVPower: 4200, BatterySoc: 81})

	rec := f.request(t, http.MethodGet, "/api/e3dc/live-data", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var live telemetry.LiveData
	decode(t, rec, &live)
	assert.Equal(t, 4200.0, live.PVPower)
	assert.Equal(t, 81.0, live.BatterySoc)
}

func TestLiveDataRequiresInverterIP(t *testing.T) {
	f := newFixture(t, config.Config{})
	_, err := f.store.UpdateSettings(func(s *config.Settings) { s.E3dcIP = "" })
	require.NoError(t, err)

	rec := f.request(t, http.MethodGet, "/api/e3dc/live-data", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExecuteCommandReturnsOutput(t *testing.T) {
	f := newFixture(t, config.Config{})
	f.executor.output = "SOC: 78%"

	rec := f.request(t, http.MethodPost, "/api/e3dc/execute-command", map[string]string{"command": "-s"})
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	decode(t, rec, &body)
	assert.Equal(t, "SOC: 78%", body["output"])
	assert.Equal(t, []string{"-s"}, f.executor.lines)
}

func TestLogSettingsRoundTrip(t *testing.T) {
	f := newFixture(t, config.Config{})

	rec := f.request(t, http.MethodPost, "/api/logs/settings",
		store.LogSettings{MinLevel: store.LevelDebug, EnabledCategories: []store.LogCategory{store.CategoryStrategy}})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.request(t, http.MethodGet, "/api/logs/settings", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var settings store.LogSettings
	decode(t, rec, &settings)
	assert.Equal(t, store.LevelDebug, settings.MinLevel)
	assert.Equal(t, []store.LogCategory{store.CategoryStrategy}, settings.EnabledCategories)
}

func TestLogsClearedByDelete(t *testing.T) {
	f := newFixture(t, config.Config{})
	require.NoError(t, f.store.AddLog(store.LogEntry{Level: store.LevelInfo, Category: store.CategorySystem, Message: "started"}))

	rec := f.request(t, http.MethodGet, "/api/logs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []store.LogEntry
	decode(t, rec, &entries)
	require.Len(t, entries, 1)

	rec = f.request(t, http.MethodDelete, "/api/logs", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.request(t, http.MethodGet, "/api/logs", nil)
	decode(t, rec, &entries)
	assert.Empty(t, entries)
}
