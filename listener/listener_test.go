package listener

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvcharge/pvcharge/config"
	"github.com/pvcharge/pvcharge/notify"
	"github.com/pvcharge/pvcharge/store"
	"github.com/pvcharge/pvcharge/strategy"
	"github.com/pvcharge/pvcharge/telemetry"
	"github.com/pvcharge/pvcharge/udpchannel"
	"github.com/pvcharge/pvcharge/wallbox"
)

func broadcast(t *testing.T, payload string) udpchannel.Message {
	t.Helper()

	msg := udpchannel.Message{Raw: payload}
	if strings.HasPrefix(payload, "{") {
		var obj map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(payload), &obj))
		msg.IsJSON = true
		msg.JSON = obj
		_, msg.HasID = obj["ID"]
	}
	return msg
}

type fakeController struct {
	mu          sync.Mutex
	activations []telemetry.Strategy
	deactivated int
	activateErr error
}

func (f *fakeController) Activate(ctx context.Context, target telemetry.Strategy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.activateErr != nil {
		return f.activateErr
	}
	f.activations = append(f.activations, target)
	return nil
}

func (f *fakeController) Deactivate(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deactivated++
	return nil
}

type fakeCommander struct{}

func (fakeCommander) SendCommand(ctx context.Context, ip, command string) (wallbox.Result, error) {
	switch command {
	case wallbox.CommandReport2:
		return wallbox.Result{"State": 3.0, "Plug": 7.0, "Max curr": 16000.0}, nil
	case wallbox.CommandReport3:
		return wallbox.Result{"I1": 15800.0, "I2": 0.0, "I3": 0.0, "P": 3600000000.0}, nil
	}
	return wallbox.Result{}, nil
}

type recordingPusher struct {
	mu       sync.Mutex
	statuses []telemetry.WallboxStatus
	partials []map[string]interface{}
}

func (p *recordingPusher) PushStatus(status telemetry.WallboxStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses = append(p.statuses, status)
}

func (p *recordingPusher) PushPartial(fields map[string]interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.partials = append(p.partials, fields)
}

func (p *recordingPusher) partialWith(key string) (interface{}, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, fields := range p.partials {
		if v, ok := fields[key]; ok {
			return v, true
		}
	}
	return nil, false
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Notify(event notify.Event, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) has(event notify.Event) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, e := range n.events {
		if e == event {
			return true
		}
	}
	return false
}

type countingResetter struct {
	mu    sync.Mutex
	count int
}

func (r *countingResetter) ResetIdleThrottles() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count++
}

type listenerFixture struct {
	listener   *Listener
	store      *store.SqliteStore
	controller *fakeController
	pusher     *recordingPusher
	notifier   *recordingNotifier
	resetter   *countingResetter
}

func newFixture(t *testing.T) *listenerFixture {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "test.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	_, err = s.UpdateSettings(func(settings *config.Settings) {
		settings.WallboxIP = "192.168.1.50"
	})
	require.NoError(t, err)

	controller := &fakeController{}
	pusher := &recordingPusher{}
	notifier := &recordingNotifier{}
	resetter := &countingResetter{}

	return &listenerFixture{
		listener:   New(s, controller, fakeCommander{}, pusher, notifier, resetter),
		store:      s,
		controller: controller,
		pusher:     pusher,
		notifier:   notifier,
		resetter:   resetter,
	}
}

func TestIgnoresCommandReplies(t *testing.T) {
	f := newFixture(t)

	f.listener.HandleMessage(broadcast(t, `{"ID":"2","State":3,"Plug":7}`))

	assert.Nil(t, f.listener.lastPlug)
	assert.Nil(t, f.listener.lastState)
}

func TestPlugConnectNotifiesAndTracks(t *testing.T) {
	f := newFixture(t)

	f.listener.HandleMessage(broadcast(t, `{"Plug":7}`))

	assert.True(t, f.notifier.has(notify.EventPlugConnected))
	tracking, err := f.store.PlugTracking()
	require.NoError(t, err)
	assert.Equal(t, 7, tracking.LastPlugStatus)
	assert.Equal(t, 1, f.resetter.count)
}

func TestPlugIntermediateTransitionsAreSilent(t *testing.T) {
	f := newFixture(t)

	f.listener.HandleMessage(broadcast(t, `{"Plug":3}`))
	f.listener.HandleMessage(broadcast(t, `{"Plug":5}`))

	assert.False(t, f.notifier.has(notify.EventPlugConnected))
	assert.False(t, f.notifier.has(notify.EventPlugDisconnected))
}

func TestPlugDisconnectOnlyWhenLeavingSeven(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.SavePlugTracking(telemetry.PlugTracking{LastPlugStatus: 7}))

	f.listener.HandleMessage(broadcast(t, `{"Plug":1}`))

	assert.True(t, f.notifier.has(notify.EventPlugDisconnected))
}

func TestPlugUnchangedAcrossRestartIsSilent(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.SavePlugTracking(telemetry.PlugTracking{LastPlugStatus: 7}))

	f.listener.HandleMessage(broadcast(t, `{"Plug":7}`))

	assert.False(t, f.notifier.has(notify.EventPlugConnected))
	assert.Equal(t, 0, f.resetter.count)
}

func TestStateChangePushesPartialAfterBaseline(t *testing.T) {
	f := newFixture(t)

	f.listener.HandleMessage(broadcast(t, `{"State":1}`)) // baseline, no push
	_, pushed := f.pusher.partialWith("state")
	assert.False(t, pushed)

	f.listener.HandleMessage(broadcast(t, `{"State":3}`))
	state, pushed := f.pusher.partialWith("state")
	require.True(t, pushed)
	assert.Equal(t, 3, state)
}

func TestEPresChangeConvertsWireUnits(t *testing.T) {
	f := newFixture(t)

	f.listener.HandleMessage(broadcast(t, `{"E pres":22444}`))

	ePres, pushed := f.pusher.partialWith("ePres")
	require.True(t, pushed)
	assert.Equal(t, 2244.4, ePres)
}

func TestInputFirstObservationIsBaseline(t *testing.T) {
	f := newFixture(t)

	f.listener.HandleMessage(broadcast(t, `{"Input":1}`))
	time.Sleep(50 * time.Millisecond)

	f.controller.mu.Lock()
	defer f.controller.mu.Unlock()
	assert.Empty(t, f.controller.activations)
}

func TestInputRisingEdgeActivatesConfiguredStrategy(t *testing.T) {
	f := newFixture(t)

	f.listener.HandleMessage(broadcast(t, `{"Input":0}`))
	f.listener.HandleMessage(broadcast(t, `{"Input":1}`))

	require.Eventually(t, func() bool {
		f.controller.mu.Lock()
		defer f.controller.mu.Unlock()
		return len(f.controller.activations) == 1
	}, time.Second, 5*time.Millisecond)

	f.controller.mu.Lock()
	assert.Equal(t, telemetry.StrategyMaxWithoutBattery, f.controller.activations[0])
	f.controller.mu.Unlock()

	require.Eventually(t, func() bool {
		settings, err := f.store.Settings()
		return err == nil && settings.ChargingStrategy.ActiveStrategy == telemetry.StrategyMaxWithoutBattery
	}, time.Second, 5*time.Millisecond)
}

func TestInputFallingEdgeDeactivatesAndPersistsOff(t *testing.T) {
	f := newFixture(t)

	f.listener.HandleMessage(broadcast(t, `{"Input":1}`))
	f.listener.HandleMessage(broadcast(t, `{"Input":0}`))

	require.Eventually(t, func() bool {
		f.controller.mu.Lock()
		defer f.controller.mu.Unlock()
		return f.controller.deactivated == 1
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		settings, err := f.store.Settings()
		return err == nil && settings.ChargingStrategy.ActiveStrategy == telemetry.StrategyOff
	}, time.Second, 5*time.Millisecond)
}

func TestInputLockFailureLeavesStrategyUntouched(t *testing.T) {
	f := newFixture(t)
	f.controller.activateErr = fmt.Errorf("%w: inverter unreachable", strategy.ErrBatteryLockFailed)

	_, err := f.store.UpdateSettings(func(settings *config.Settings) {
		settings.ChargingStrategy.ActiveStrategy = telemetry.StrategySurplusBatteryPrio
	})
	require.NoError(t, err)

	f.listener.HandleMessage(broadcast(t, `{"Input":0}`))
	f.listener.HandleMessage(broadcast(t, `{"Input":1}`))

	// give the transition goroutine time to run to completion
	time.Sleep(100 * time.Millisecond)

	settings, err := f.store.Settings()
	require.NoError(t, err)
	assert.Equal(t, telemetry.StrategySurplusBatteryPrio, settings.ChargingStrategy.ActiveStrategy,
		"a rolled back activation must not be persisted")
}

func TestInputChangeTriggersFullStatusRefresh(t *testing.T) {
	f := newFixture(t)

	f.listener.HandleMessage(broadcast(t, `{"Input":0}`))
	f.listener.HandleMessage(broadcast(t, `{"Input":1}`))

	require.Eventually(t, func() bool {
		f.pusher.mu.Lock()
		defer f.pusher.mu.Unlock()
		return len(f.pusher.statuses) > 0
	}, time.Second, 5*time.Millisecond)

	f.pusher.mu.Lock()
	defer f.pusher.mu.Unlock()
	assert.Equal(t, 3, f.pusher.statuses[0].State)
	assert.Equal(t, 1, f.pusher.statuses[0].Phases)
}
