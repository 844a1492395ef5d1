package listener

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/pvcharge/pvcharge/config"
	"github.com/pvcharge/pvcharge/notify"
	"github.com/pvcharge/pvcharge/store"
	"github.com/pvcharge/pvcharge/strategy"
	"github.com/pvcharge/pvcharge/telemetry"
	"github.com/pvcharge/pvcharge/udpchannel"
	"github.com/pvcharge/pvcharge/wallbox"
)

// transitionTimeout caps the X1-driven activation sequence, including the
// inverter roundtrip.
const transitionTimeout = 30 * time.Second

// The wallbox reports session energy in 0.1 Wh steps.
const ePresWireFactor = 10.0

// Controller is the strategy surface the X1 input drives.
type Controller interface {
	Activate(ctx context.Context, target telemetry.Strategy) error
	Deactivate(ctx context.Context) error
}

// ThrottleResetter lets plug and input changes force a fresh inverter poll.
type ThrottleResetter interface {
	ResetIdleThrottles()
}

// StatusPusher streams wallbox state to connected UIs.
type StatusPusher interface {
	PushStatus(status telemetry.WallboxStatus)
	PushPartial(fields map[string]interface{})
}

// Listener reacts to the spontaneous wallbox broadcasts: plug changes, state
// changes, session energy and the X1 input contact.
type Listener struct {
	store      store.Store
	controller Controller
	commander  strategy.Commander
	pusher     StatusPusher
	notifier   notify.Notifier
	throttles  ThrottleResetter
	logger     *slog.Logger

	mu        sync.Mutex
	lastPlug  *int
	lastState *int
	lastEPres *float64
	lastInput *int

	refreshing bool
}

func New(s store.Store, controller Controller, commander strategy.Commander, pusher StatusPusher, notifier notify.Notifier, throttles ThrottleResetter) *Listener {
	return &Listener{
		store:      s,
		controller: controller,
		commander:  commander,
		pusher:     pusher,
		notifier:   notifier,
		throttles:  throttles,
		logger:     slog.Default().With("component", "listener"),
	}
}

// HandleMessage inspects each broadcast for the four fields of interest.
// Command replies carry an ID and are left to the transport.
func (l *Listener) HandleMessage(msg udpchannel.Message) {
	if !msg.IsJSON || msg.HasID {
		return
	}

	if plug, ok := msg.Int("Plug"); ok {
		l.handlePlug(plug)
	}
	if state, ok := msg.Int("State"); ok {
		l.handleState(state)
	}
	if ePres, ok := msg.Float("E pres"); ok {
		l.handleEPres(ePres)
	}
	if input, ok := msg.Int("Input"); ok {
		l.handleInput(input)
	}
}

func (l *Listener) HandleChannelShutdown() {
	l.logger.Debug("Wallbox channel closed")
}

// handlePlug compares against the last in-memory value; the very first
// observation after startup is compared against the persisted tracking so a
// restart does not swallow a change that happened while we were down.
func (l *Listener) handlePlug(plug int) {
	l.mu.Lock()
	var previous int
	if l.lastPlug != nil {
		previous = *l.lastPlug
	} else {
		tracking, err := l.store.PlugTracking()
		if err != nil {
			l.logger.Error("Failed to load plug tracking", "error", err)
			tracking = telemetry.PlugTracking{}
		}
		previous = tracking.LastPlugStatus
	}
	l.lastPlug = &plug
	l.mu.Unlock()

	if plug == previous {
		return
	}

	l.logger.Info("Plug status changed", "from", previous, "to", plug)
	if err := l.store.SavePlugTracking(telemetry.PlugTracking{
		LastPlugStatus: plug,
		LastPlugChange: time.Now(),
	}); err != nil {
		l.logger.Error("Failed to persist plug tracking", "error", err)
	}

	if plug == telemetry.PlugCarAndLocked {
		l.notifier.Notify(notify.EventPlugConnected, "Car connected and locked")
	} else if previous == telemetry.PlugCarAndLocked {
		l.notifier.Notify(notify.EventPlugDisconnected, "Car disconnected")
	}

	l.throttles.ResetIdleThrottles()
	l.refreshStatus()
}

func (l *Listener) handleState(state int) {
	l.mu.Lock()
	first := l.lastState == nil
	same := !first && *l.lastState == state
	l.lastState = &state
	l.mu.Unlock()

	if first || same {
		return
	}

	l.pusher.PushPartial(map[string]interface{}{"state": state})
	l.throttles.ResetIdleThrottles()
	l.refreshStatus()
}

func (l *Listener) handleEPres(raw float64) {
	l.mu.Lock()
	changed := l.lastEPres == nil || *l.lastEPres != raw
	l.lastEPres = &raw
	l.mu.Unlock()

	if !changed {
		return
	}
	l.pusher.PushPartial(map[string]interface{}{"ePres": raw / ePresWireFactor})
}

// handleInput is the X1 fast path. The first observation is a baseline only.
func (l *Listener) handleInput(input int) {
	l.mu.Lock()
	if l.lastInput == nil {
		l.lastInput = &input
		l.mu.Unlock()
		l.logger.Info("X1 input baseline", "input", input)
		return
	}
	previous := *l.lastInput
	l.lastInput = &input
	l.mu.Unlock()

	if input == previous {
		return
	}

	l.logger.Info("X1 input changed", "from", previous, "to", input)
	l.throttles.ResetIdleThrottles()

	// the transition issues wallbox commands whose replies arrive on the very
	// dispatch goroutine we are running on, so it must run detached
	go l.handleInputTransition(input)
}

func (l *Listener) handleInputTransition(input int) {
	ctx, cancel := context.WithTimeout(context.Background(), transitionTimeout)
	defer cancel()

	var target telemetry.Strategy
	targetComputed := false

	if input == 1 {
		settings, err := l.store.Settings()
		if err != nil {
			l.logger.Error("Failed to load settings for X1 activation", "error", err)
			return
		}
		target = settings.ChargingStrategy.InputX1Strategy
		targetComputed = true

		if err := l.controller.Activate(ctx, target); err != nil {
			l.logger.Error("X1 activation failed", "strategy", target, "error", err)
			if errors.Is(err, strategy.ErrBatteryLockFailed) || errors.Is(err, strategy.ErrNightChargingActive) {
				// the activation was rolled back, the old strategy must survive
				targetComputed = false
			}
		}
	} else {
		target = telemetry.StrategyOff
		targetComputed = true

		if err := l.controller.Deactivate(ctx); err != nil {
			l.logger.Error("X1 deactivation failed", "error", err)
			if errors.Is(err, strategy.ErrNightChargingActive) {
				targetComputed = false
			}
		}
	}

	// X1 and the persisted strategy must never diverge, whatever the
	// controller did above
	if targetComputed {
		if _, err := l.store.UpdateSettings(func(s *config.Settings) {
			s.ChargingStrategy.ActiveStrategy = target
		}); err != nil {
			l.logger.Error("Failed to persist X1 strategy", "error", err)
		}
		if _, err := l.store.UpdateChargingContext(func(cc *telemetry.ChargingContext) {
			cc.Strategy = target
		}); err != nil {
			l.logger.Error("Failed to persist X1 charging context", "error", err)
		}
	}

	l.refreshStatus()
}

// refreshStatus fetches a full report pair and pushes it to the streams. At
// most one refresh runs at a time; bursts collapse into the running one.
func (l *Listener) refreshStatus() {
	l.mu.Lock()
	if l.refreshing {
		l.mu.Unlock()
		return
	}
	l.refreshing = true
	l.mu.Unlock()

	go func() {
		defer func() {
			l.mu.Lock()
			l.refreshing = false
			l.mu.Unlock()
		}()

		settings, err := l.store.Settings()
		if err != nil || settings.WallboxIP == "" {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), transitionTimeout)
		defer cancel()

		r2, err := l.commander.SendCommand(ctx, settings.WallboxIP, wallbox.CommandReport2)
		if err != nil {
			l.logger.Warn("Status refresh failed", "error", err)
			return
		}
		r3, err := l.commander.SendCommand(ctx, settings.WallboxIP, wallbox.CommandReport3)
		if err != nil {
			l.logger.Warn("Status refresh failed", "error", err)
			return
		}
		l.pusher.PushStatus(wallbox.StatusFromReports(r2, r3))
	}()
}
