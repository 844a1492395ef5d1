package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/pvcharge/pvcharge/config"
	"github.com/pvcharge/pvcharge/e3dc"
	"github.com/pvcharge/pvcharge/notify"
	"github.com/pvcharge/pvcharge/store"
	"github.com/pvcharge/pvcharge/telemetry"
	"github.com/pvcharge/pvcharge/wallbox"
)

// fallbackTickInterval triggers an evaluation even when no inverter snapshot
// arrives, so stuck sessions still get cleaned up.
const fallbackTickInterval = 15 * time.Second

// currentAdjustedNotifyDelta keeps the "current adjusted" notifications quiet
// for the routine one-ampere steps of a sunny day.
const currentAdjustedNotifyDelta = 4.0

// ErrNightChargingActive is returned when a strategy change is refused
// because the night-charging scheduler holds authority over the wallbox.
var ErrNightChargingActive = errors.New("night charging is active")

// ErrBatteryLockFailed marks an activation that was rolled back because the
// inverter would not engage the battery lock.
var ErrBatteryLockFailed = errors.New("battery lock activation failed")

// Commander sends commands to the charge point.
type Commander interface {
	SendCommand(ctx context.Context, ip, command string) (wallbox.Result, error)
}

// Inverter controls the home power plant modes the strategies depend on.
type Inverter interface {
	SetBatteryLock(ctx context.Context, locked bool) error
}

// StatusPusher streams wallbox state to connected UIs.
type StatusPusher interface {
	PushStatus(status telemetry.WallboxStatus)
	PushPartial(fields map[string]interface{})
}

// Controller is the single writer of the charging context. It evaluates every
// inverter snapshot against the active strategy and drives the wallbox
// accordingly. Evaluations never overlap; snapshots arriving during one are
// coalesced to a single latest-pending slot.
type Controller struct {
	store     store.Store
	commander Commander
	inverter  Inverter
	hub       *e3dc.Hub
	notifier  notify.Notifier
	pusher    StatusPusher
	logger    *slog.Logger

	calc CurrentCalculator

	signal chan struct{}

	mu           sync.Mutex
	pending      *telemetry.LiveData
	shuttingDown bool

	// evalMu serializes evaluations with the externally triggered strategy
	// changes from the HTTP API and the X1 input.
	evalMu sync.Mutex
}

func NewController(s store.Store, commander Commander, inverter Inverter, hub *e3dc.Hub, notifier notify.Notifier, pusher StatusPusher) *Controller {
	return &Controller{
		store:     s,
		commander: commander,
		inverter:  inverter,
		hub:       hub,
		notifier:  notifier,
		pusher:    pusher,
		logger:    slog.Default().With("component", "strategy"),
		signal:    make(chan struct{}, 1),
	}
}

// Run subscribes to the live-data hub and processes snapshots until the
// context is cancelled. A running evaluation always completes before Run
// returns.
func (c *Controller) Run(ctx context.Context) error {
	subID := c.hub.Subscribe(c.enqueue)
	defer c.hub.Unsubscribe(subID)

	ticker := time.NewTicker(fallbackTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			c.shuttingDown = true
			c.mu.Unlock()
			return ctx.Err()
		case <-c.signal:
			if live, ok := c.takePending(); ok {
				c.evaluate(ctx, live)
			}
		case <-ticker.C:
			if live, ok := c.hub.Last(); ok {
				c.evaluate(ctx, live)
			}
		}
	}
}

// enqueue stores the snapshot in the latest-pending slot. Intermediate
// snapshots are discarded, only the newest survives.
func (c *Controller) enqueue(live telemetry.LiveData) {
	c.mu.Lock()
	c.pending = &live
	shuttingDown := c.shuttingDown
	c.mu.Unlock()

	if shuttingDown {
		return
	}
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

func (c *Controller) takePending() (telemetry.LiveData, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return telemetry.LiveData{}, false
	}
	live := *c.pending
	c.pending = nil
	return live, true
}

// evaluate is the strategy entry point, run once per surviving snapshot.
func (c *Controller) evaluate(ctx context.Context, live telemetry.LiveData) {
	c.evalMu.Lock()
	defer c.evalMu.Unlock()

	settings, err := c.store.Settings()
	if err != nil {
		c.logger.Error("Failed to load settings", "error", err)
		return
	}
	active := settings.ChargingStrategy.ActiveStrategy

	if active == telemetry.StrategyOff {
		c.stopForOff(ctx, settings)
		return
	}

	if settings.WallboxIP == "" {
		c.logger.Debug("No wallbox IP configured, skipping evaluation")
		return
	}

	status, err := c.fetchStatus(ctx, settings.WallboxIP)
	if err != nil {
		c.logger.Warn("Failed to read wallbox status, skipping evaluation", "error", err)
		return
	}

	chargingContext, err := c.store.ChargingContext()
	if err != nil {
		c.logger.Error("Failed to load charging context", "error", err)
		return
	}

	now := time.Now()
	if Reconcile(&chargingContext, status, active, now) {
		c.logger.Info("Reconciled charging context against the wallbox",
			"active", chargingContext.IsActive, "ampere", chargingContext.CurrentAmpere, "phases", chargingContext.CurrentPhases)
	}
	chargingContext.Strategy = active

	c.calc.ObserveBattery(live.BatteryPower, now)
	surplus := CalculateSurplus(active, live)
	chargingContext.CalculatedSurplus = surplus

	cfg := settings.ChargingStrategy
	pollingInterval := time.Duration(settings.E3dc.PollingIntervalSeconds) * time.Second

	if ShouldStopCharging(cfg, active, surplus, pollingInterval, &chargingContext, now) {
		c.stopCharging(ctx, settings.WallboxIP, &chargingContext, "surplus below threshold")
		c.persistContext(chargingContext)
		return
	}

	phases := PhasesForStrategy(active, cfg, chargingContext)
	target, ok := c.calc.TargetCurrent(active, surplus, phases, now)
	if !ok {
		// with battery priority the battery always wins; vehicle priority keeps
		// running through the momentary dips of a wallbox phase switch
		if chargingContext.IsActive && active == telemetry.StrategySurplusBatteryPrio {
			c.stopCharging(ctx, settings.WallboxIP, &chargingContext, "surplus below minimum current")
		}
		c.persistContext(chargingContext)
		return
	}

	if !chargingContext.IsActive {
		if ShouldStartCharging(cfg, active, surplus, status.Plug, &chargingContext, now) {
			c.startCharging(ctx, settings.WallboxIP, &chargingContext, target, phases)
		}
	} else {
		c.adjustCurrent(ctx, settings.WallboxIP, cfg, &chargingContext, target, now)
	}
	c.persistContext(chargingContext)
}

func (c *Controller) fetchStatus(ctx context.Context, ip string) (telemetry.WallboxStatus, error) {
	r2, err := c.commander.SendCommand(ctx, ip, wallbox.CommandReport2)
	if err != nil {
		return telemetry.WallboxStatus{}, fmt.Errorf("report 2: %w", err)
	}
	r3, err := c.commander.SendCommand(ctx, ip, wallbox.CommandReport3)
	if err != nil {
		return telemetry.WallboxStatus{}, fmt.Errorf("report 3: %w", err)
	}
	return wallbox.StatusFromReports(r2, r3), nil
}

func (c *Controller) startCharging(ctx context.Context, ip string, chargingContext *telemetry.ChargingContext, target float64, phases int) {
	if chargingContext.IsActive {
		return
	}

	if _, err := c.commander.SendCommand(ctx, ip, wallbox.CommandEnable); err != nil {
		c.logger.Warn("Failed to enable the wallbox", "error", err)
		return
	}
	if _, err := c.commander.SendCommand(ctx, ip, wallbox.CurrCommand(target)); err != nil {
		c.logger.Warn("Wallbox enabled but setting the current failed", "error", err, "ampere", target)
	}

	now := time.Now()
	chargingContext.IsActive = true
	chargingContext.CurrentPhases = phases
	chargingContext.CurrentAmpere = target
	chargingContext.TargetAmpere = target
	chargingContext.LastStartedAt = &now
	chargingContext.BelowThresholdSince = nil
	chargingContext.RemainingStopDelay = 0
	chargingContext.AdjustmentCount = 0

	c.logger.Info("Charging started", "ampere", target, "phases", phases)
	c.notifier.Notify(notify.EventChargingStarted, fmt.Sprintf("Charging started at %.0f A on %d phase(s)", target, phases))
	c.pusher.PushPartial(map[string]interface{}{"maxCurr": target, "state": 3})
}

func (c *Controller) stopCharging(ctx context.Context, ip string, chargingContext *telemetry.ChargingContext, reason string) {
	if !chargingContext.IsActive {
		return
	}

	if _, err := c.commander.SendCommand(ctx, ip, wallbox.CommandDisable); err != nil {
		c.logger.Warn("Failed to disable the wallbox, keeping context unchanged", "error", err)
		return
	}

	chargingContext.IsActive = false
	chargingContext.CurrentAmpere = 0
	chargingContext.TargetAmpere = 0
	chargingContext.BelowThresholdSince = nil
	chargingContext.RemainingStopDelay = 0

	c.logger.Info("Charging stopped", "reason", reason)
	c.notifier.Notify(notify.EventChargingStopped, fmt.Sprintf("Charging stopped: %s", reason))
	c.pusher.PushPartial(map[string]interface{}{"state": 1})
}

// adjustCurrent applies the pacing rules: small deltas are only buffered in
// targetAmpere, and actual curr commands keep a minimum spacing.
func (c *Controller) adjustCurrent(ctx context.Context, ip string, cfg config.ChargingStrategyConfig, chargingContext *telemetry.ChargingContext, target float64, now time.Time) {
	chargingContext.TargetAmpere = target

	delta := target - chargingContext.CurrentAmpere
	if math.Abs(delta) < cfg.MinCurrentChangeAmpere {
		return
	}
	if chargingContext.LastAdjustment != nil {
		interval := time.Duration(cfg.MinChangeIntervalSeconds) * time.Second
		if now.Sub(*chargingContext.LastAdjustment) < interval {
			return
		}
	}

	if _, err := c.commander.SendCommand(ctx, ip, wallbox.CurrCommand(target)); err != nil {
		c.logger.Warn("Failed to adjust the charging current", "error", err, "ampere", target)
		return
	}

	chargingContext.CurrentAmpere = target
	chargingContext.LastAdjustment = &now
	chargingContext.AdjustmentCount++

	c.logger.Info("Charging current adjusted", "ampere", target, "delta", delta)
	if math.Abs(delta) >= currentAdjustedNotifyDelta {
		c.notifier.Notify(notify.EventCurrentAdjusted, fmt.Sprintf("Charging current changed to %.0f A", target))
	}
	c.pusher.PushPartial(map[string]interface{}{"maxCurr": target})
}

// stopForOff is the idempotency gate for the off strategy: a no-op when
// everything is already off, a refusal while the night scheduler is in
// control, otherwise a full stop with battery lock release.
func (c *Controller) stopForOff(ctx context.Context, settings config.Settings) {
	chargingContext, err := c.store.ChargingContext()
	if err != nil {
		c.logger.Error("Failed to load charging context", "error", err)
		return
	}

	if !chargingContext.IsActive && chargingContext.Strategy == telemetry.StrategyOff &&
		settings.ChargingStrategy.ActiveStrategy == telemetry.StrategyOff {
		c.logger.Debug("Already off, nothing to stop")
		return
	}

	controls, err := c.store.ControlState()
	if err != nil {
		c.logger.Error("Failed to load control state", "error", err)
		return
	}
	if controls.NightCharging {
		c.logger.Debug("Night charging holds the wallbox, refusing to stop")
		return
	}

	previous := chargingContext.Strategy
	c.stopCharging(ctx, settings.WallboxIP, &chargingContext, "strategy off")

	if previous.RequiresBatteryLock() {
		if err := c.setBatteryLock(ctx, false); err != nil {
			c.logger.Warn("Failed to release the battery lock", "error", err)
		}
	}

	chargingContext.Strategy = telemetry.StrategyOff
	c.persistContext(chargingContext)
	if _, err := c.store.UpdateSettings(func(s *config.Settings) {
		s.ChargingStrategy.ActiveStrategy = telemetry.StrategyOff
	}); err != nil {
		c.logger.Error("Failed to persist the off strategy", "error", err)
	}
}

// Activate switches to the given strategy. For max_without_battery the
// wallbox is started first and the battery lock awaited afterwards; a lock
// failure rolls the wallbox back and nothing is persisted.
func (c *Controller) Activate(ctx context.Context, target telemetry.Strategy) error {
	c.evalMu.Lock()
	defer c.evalMu.Unlock()

	settings, err := c.store.Settings()
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	controls, err := c.store.ControlState()
	if err != nil {
		return fmt.Errorf("load control state: %w", err)
	}
	if controls.NightCharging {
		return ErrNightChargingActive
	}

	if target == telemetry.StrategyMaxWithoutBattery && settings.WallboxIP != "" {
		if err := c.activateFastPath(ctx, settings, target); err != nil {
			return err
		}
	} else if target.RequiresBatteryLock() {
		if err := c.setBatteryLock(ctx, true); err != nil {
			c.notifier.Notify(notify.EventStrategyActivationError, fmt.Sprintf("Could not activate %s: %v", target, err))
			return fmt.Errorf("%w: %v", ErrBatteryLockFailed, err)
		}
	}

	if _, err := c.store.UpdateSettings(func(s *config.Settings) {
		s.ChargingStrategy.ActiveStrategy = target
	}); err != nil {
		return fmt.Errorf("persist strategy: %w", err)
	}
	if _, err := c.store.UpdateChargingContext(func(cc *telemetry.ChargingContext) {
		cc.Strategy = target
	}); err != nil {
		return fmt.Errorf("persist charging context: %w", err)
	}

	c.logger.Info("Strategy activated", "strategy", target)
	// wake the loop so surplus strategies get evaluated right away
	c.enqueueLast()
	return nil
}

// activateFastPath starts the wallbox at full current before the inverter
// roundtrip; the car should draw power the moment the key switch flips.
func (c *Controller) activateFastPath(ctx context.Context, settings config.Settings, target telemetry.Strategy) error {
	chargingContext, err := c.store.ChargingContext()
	if err != nil {
		return fmt.Errorf("load charging context: %w", err)
	}

	phases := PhasesForStrategy(target, settings.ChargingStrategy, chargingContext)
	amps := telemetry.MaxCurrentForPhases(phases)

	if _, err := c.commander.SendCommand(ctx, settings.WallboxIP, wallbox.CommandEnable); err != nil {
		return fmt.Errorf("enable wallbox: %w", err)
	}
	if _, err := c.commander.SendCommand(ctx, settings.WallboxIP, wallbox.CurrCommand(amps)); err != nil {
		c.logger.Warn("Wallbox enabled but setting the current failed", "error", err, "ampere", amps)
	}

	now := time.Now()
	if _, err := c.store.UpdateChargingContext(func(cc *telemetry.ChargingContext) {
		cc.IsActive = true
		cc.Strategy = target
		cc.CurrentPhases = phases
		cc.CurrentAmpere = amps
		cc.TargetAmpere = amps
		cc.LastStartedAt = &now
	}); err != nil {
		c.logger.Error("Failed to persist charging context", "error", err)
	}
	c.pusher.PushPartial(map[string]interface{}{"maxCurr": amps, "state": 3})

	if err := c.setBatteryLock(ctx, true); err != nil {
		// the car must not drain the house battery: undo the start
		if _, stopErr := c.commander.SendCommand(ctx, settings.WallboxIP, wallbox.CommandDisable); stopErr != nil {
			c.logger.Error("Rollback failed, wallbox may still be enabled", "error", stopErr)
		}
		if _, rollbackErr := c.store.UpdateChargingContext(func(cc *telemetry.ChargingContext) {
			cc.IsActive = false
			cc.CurrentAmpere = 0
			cc.TargetAmpere = 0
		}); rollbackErr != nil {
			c.logger.Error("Failed to roll back charging context", "error", rollbackErr)
		}
		c.pusher.PushPartial(map[string]interface{}{"state": 1})
		c.notifier.Notify(notify.EventStrategyActivationError, fmt.Sprintf("Could not activate %s: %v", target, err))
		return fmt.Errorf("%w: %v", ErrBatteryLockFailed, err)
	}

	c.notifier.Notify(notify.EventChargingStarted, fmt.Sprintf("Charging started at %.0f A on %d phase(s)", amps, phases))
	return nil
}

// Deactivate stops the wallbox immediately and releases the battery lock in
// the background. Used by the stop endpoint and the X1 off transition.
func (c *Controller) Deactivate(ctx context.Context) error {
	c.evalMu.Lock()
	defer c.evalMu.Unlock()

	settings, err := c.store.Settings()
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	controls, err := c.store.ControlState()
	if err != nil {
		return fmt.Errorf("load control state: %w", err)
	}
	if controls.NightCharging {
		return ErrNightChargingActive
	}

	previous := settings.ChargingStrategy.ActiveStrategy

	if settings.WallboxIP != "" {
		if _, err := c.commander.SendCommand(ctx, settings.WallboxIP, wallbox.CommandDisable); err != nil {
			c.logger.Warn("Failed to disable the wallbox", "error", err)
		}
	}

	if _, err := c.store.UpdateChargingContext(func(cc *telemetry.ChargingContext) {
		cc.IsActive = false
		cc.Strategy = telemetry.StrategyOff
		cc.CurrentAmpere = 0
		cc.TargetAmpere = 0
		cc.BelowThresholdSince = nil
		cc.StartDelayTrackerSince = nil
		cc.RemainingStartDelay = 0
		cc.RemainingStopDelay = 0
	}); err != nil {
		c.logger.Error("Failed to persist charging context", "error", err)
	}
	if _, err := c.store.UpdateSettings(func(s *config.Settings) {
		s.ChargingStrategy.ActiveStrategy = telemetry.StrategyOff
	}); err != nil {
		c.logger.Error("Failed to persist the off strategy", "error", err)
	}
	c.pusher.PushPartial(map[string]interface{}{"state": 1})
	c.notifier.Notify(notify.EventChargingStopped, "Charging stopped")

	// the wallbox has already halted, the lock release may take its time
	if previous.RequiresBatteryLock() {
		go func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := c.setBatteryLock(releaseCtx, false); err != nil {
				c.logger.Warn("Failed to release the battery lock", "error", err)
			}
		}()
	}
	return nil
}

func (c *Controller) setBatteryLock(ctx context.Context, locked bool) error {
	if err := c.inverter.SetBatteryLock(ctx, locked); err != nil {
		return err
	}
	if _, err := c.store.UpdateControlState(func(s *telemetry.ControlState) {
		s.BatteryLock = locked
	}); err != nil {
		c.logger.Error("Failed to persist battery lock state", "error", err)
	}
	if locked {
		c.notifier.Notify(notify.EventBatteryLockActivated, "Battery lock activated")
	} else {
		c.notifier.Notify(notify.EventBatteryLockReleased, "Battery lock released")
	}
	return nil
}

func (c *Controller) persistContext(chargingContext telemetry.ChargingContext) {
	if _, err := c.store.UpdateChargingContext(func(cc *telemetry.ChargingContext) {
		*cc = chargingContext
	}); err != nil {
		c.logger.Error("Failed to persist charging context", "error", err)
	}
}

// enqueueLast replays the newest inverter snapshot into the pending slot.
func (c *Controller) enqueueLast() {
	if live, ok := c.hub.Last(); ok {
		c.enqueue(live)
	}
}
