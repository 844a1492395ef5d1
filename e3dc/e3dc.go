package e3dc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pvcharge/pvcharge/modbus"
	"github.com/pvcharge/pvcharge/notify"
	"github.com/pvcharge/pvcharge/store"
	"github.com/pvcharge/pvcharge/telemetry"
)

// backoffLevelsSeconds is the failure ladder for the polling interval. Level 0
// is healthy operation at the configured base interval; each failed cycle
// advances one level, a successful cycle resets to 0.
var backoffLevelsSeconds = []int{10, 30, 60, 300, 600}

// idleThrottleInterval is the minimum polling interval while the system is
// idle (no PV production and no active strategy), and the minimum spacing of
// wallbox power polls in the same situation.
const idleThrottleInterval = 30 * time.Second

// Poller reads the inverter over Modbus/TCP on an adaptive interval and
// publishes each successful snapshot to the hub.
type Poller struct {
	client   *modbus.Client
	hub      *Hub
	store    store.Store
	notifier notify.Notifier
	logger   *slog.Logger

	// wallboxPower fetches the current wallbox draw in watts; the inverter
	// reports house power including the wallbox, so the controller needs the
	// wallbox component injected from the wallbox side.
	wallboxPower func(ctx context.Context) (float64, error)

	wake chan struct{}

	mu                 sync.Mutex
	paused             bool
	backoffLevel       int
	lastWallboxPoll    time.Time
	cachedWallboxPower float64
}

func NewPoller(client *modbus.Client, hub *Hub, s store.Store, notifier notify.Notifier, wallboxPower func(ctx context.Context) (float64, error)) *Poller {
	return &Poller{
		client:       client,
		hub:          hub,
		store:        s,
		notifier:     notifier,
		logger:       slog.Default().With("component", "e3dc"),
		wallboxPower: wallboxPower,
		wake:         make(chan struct{}, 1),
	}
}

// Run loops forever, polling the inverter every interval. Exits when the
// context is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.interval()):
		case <-p.wake:
		}

		if p.isPaused() {
			continue
		}
		p.cycle(ctx)
	}
}

// interval returns the effective polling interval for the next cycle.
func (p *Poller) interval() time.Duration {
	p.mu.Lock()
	level := p.backoffLevel
	p.mu.Unlock()

	if level > 0 {
		if level >= len(backoffLevelsSeconds) {
			level = len(backoffLevelsSeconds) - 1
		}
		return time.Duration(backoffLevelsSeconds[level]) * time.Second
	}

	base := 10 * time.Second
	settings, err := p.store.Settings()
	if err == nil && settings.E3dc.PollingIntervalSeconds > 0 {
		base = time.Duration(settings.E3dc.PollingIntervalSeconds) * time.Second
	}

	if p.isIdle() && base < idleThrottleInterval {
		return idleThrottleInterval
	}
	return base
}

// isIdle applies the idle condition: healthy connection, no PV production and
// no active strategy.
func (p *Poller) isIdle() bool {
	last, ok := p.hub.Last()
	if !ok || last.PVPower != 0 {
		return false
	}
	settings, err := p.store.Settings()
	if err != nil {
		return false
	}
	return settings.ChargingStrategy.ActiveStrategy == telemetry.StrategyOff
}

func (p *Poller) cycle(ctx context.Context) {
	snapshot, err := p.read()
	if err != nil {
		p.recordFailure(err)
		return
	}
	p.recordSuccess()

	snapshot.WallboxPower = p.wallboxPowerValue(ctx)
	p.hub.Publish(snapshot)
}

// read pulls the two register blocks and decodes them into a snapshot.
func (p *Poller) read() (telemetry.LiveData, error) {
	powerRegs, err := p.client.ReadRegisters(UnitID, powerBlockStart, powerBlockLen)
	if err != nil {
		return telemetry.LiveData{}, fmt.Errorf("read power block: %w", err)
	}
	socRegs, err := p.client.ReadRegisters(UnitID, socBlockStart, socBlockLen)
	if err != nil {
		return telemetry.LiveData{}, fmt.Errorf("read soc block: %w", err)
	}

	autarky, selfConsumption := splitPercentPair(socRegs[0])

	return telemetry.LiveData{
		PVPower:         float64(ParseInt32(powerRegs[0], powerRegs[1])),
		BatteryPower:    float64(ParseInt32(powerRegs[2], powerRegs[3])),
		HousePower:      float64(ParseInt32(powerRegs[4], powerRegs[5])),
		GridPower:       float64(ParseInt32(powerRegs[6], powerRegs[7])),
		Autarky:         autarky,
		SelfConsumption: selfConsumption,
		BatterySoc:      float64(socRegs[1]),
		Time:            time.Now(),
	}, nil
}

// wallboxPowerValue returns the wallbox draw, throttled to one device poll per
// 30 s while the system is idle.
func (p *Poller) wallboxPowerValue(ctx context.Context) float64 {
	p.mu.Lock()
	cached := p.cachedWallboxPower
	lastPoll := p.lastWallboxPoll
	p.mu.Unlock()

	if p.isIdle() && time.Since(lastPoll) < idleThrottleInterval {
		return cached
	}

	power, err := p.wallboxPower(ctx)
	if err != nil {
		p.logger.Debug("Failed to poll wallbox power, using cached value", "error", err)
		return cached
	}

	p.mu.Lock()
	p.cachedWallboxPower = power
	p.lastWallboxPoll = time.Now()
	p.mu.Unlock()
	return power
}

func (p *Poller) recordFailure(err error) {
	p.mu.Lock()
	p.backoffLevel++
	if p.backoffLevel >= len(backoffLevelsSeconds) {
		p.backoffLevel = len(backoffLevelsSeconds) - 1
	}
	level := p.backoffLevel
	p.mu.Unlock()

	p.logger.Warn("Inverter poll failed", "error", err, "backoff_level", level)
	if level == 1 {
		p.notifier.Notify(notify.EventE3dcConnectionLost, "Lost connection to the home power plant")
	}
}

func (p *Poller) recordSuccess() {
	p.mu.Lock()
	hadFailures := p.backoffLevel > 0
	p.backoffLevel = 0
	p.mu.Unlock()

	if hadFailures {
		p.notifier.Notify(notify.EventE3dcConnectionRestored, "Connection to the home power plant restored")
	}
}

// ResetIdleThrottles forces a fresh poll of both the inverter and the wallbox
// on the next cycle and wakes the loop. Called on plug and X1 transitions.
func (p *Poller) ResetIdleThrottles() {
	p.mu.Lock()
	p.lastWallboxPoll = time.Time{}
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Pause suspends polling and closes the Modbus connection. Used while the
// inverter CLI runs commands that cannot share the device with Modbus.
func (p *Poller) Pause() {
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
	p.client.Close()
	p.logger.Info("Modbus polling paused")
}

// Resume restarts polling after a Pause.
func (p *Poller) Resume() {
	p.mu.Lock()
	p.paused = false
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	p.logger.Info("Modbus polling resumed")
}

func (p *Poller) isPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}
