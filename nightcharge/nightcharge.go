package nightcharge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pvcharge/pvcharge/config"
	"github.com/pvcharge/pvcharge/notify"
	"github.com/pvcharge/pvcharge/store"
	"github.com/pvcharge/pvcharge/strategy"
	"github.com/pvcharge/pvcharge/telemetry"
	timeutils "github.com/pvcharge/pvcharge/time_utils"
	"github.com/pvcharge/pvcharge/wallbox"
)

// Inverter drives the home power plant modes for the night window.
type Inverter interface {
	EnableNightCharging(ctx context.Context, gridCharge bool) error
	DisableNightCharging(ctx context.Context, gridCharge bool) error
}

// Scheduler opens and closes the nightly charging window on a minute-aligned
// tick. While the window is open it is the sole authority over the wallbox.
type Scheduler struct {
	store     store.Store
	commander strategy.Commander
	inverter  Inverter
	notifier  notify.Notifier
	location  *time.Location
	logger    *slog.Logger

	// opInProgress prevents a slow entry or exit from overlapping with the
	// next tick
	mu           sync.Mutex
	opInProgress bool
}

func NewScheduler(s store.Store, commander strategy.Commander, inverter Inverter, notifier notify.Notifier, location *time.Location) *Scheduler {
	if location == nil {
		location = time.Local
	}
	return &Scheduler{
		store:     s,
		commander: commander,
		inverter:  inverter,
		notifier:  notifier,
		location:  location,
		logger:    slog.Default().With("component", "nightcharge"),
	}
}

// Run ticks at every full minute until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		now := time.Now().In(s.location)
		next := now.Truncate(time.Minute).Add(time.Minute)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Until(next)):
		}
		s.Tick(ctx, time.Now())
	}
}

// Tick evaluates the schedule once. Exported so a settings change can force
// an immediate evaluation instead of waiting for the next minute.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	if !s.beginOp() {
		s.logger.Debug("Previous window operation still running, skipping tick")
		return
	}
	defer s.endOp()

	settings, err := s.store.Settings()
	if err != nil {
		s.logger.Error("Failed to load settings", "error", err)
		return
	}
	controls, err := s.store.ControlState()
	if err != nil {
		s.logger.Error("Failed to load control state", "error", err)
		return
	}

	inWindow := false
	if settings.NightCharging.Enabled {
		period, err := s.schedulePeriod(settings.NightCharging)
		if err != nil {
			s.logger.Error("Invalid night charging schedule", "error", err)
			return
		}
		inWindow = period.Contains(now.In(s.location))
	}

	switch {
	case inWindow && !controls.NightCharging:
		s.enterWindow(ctx, settings, controls)
	case !inWindow && controls.NightCharging:
		s.exitWindow(ctx, settings, controls)
	}
}

func (s *Scheduler) schedulePeriod(schedule config.NightChargingSchedule) (timeutils.ClockTimePeriod, error) {
	start, err := timeutils.ParseClockTime(schedule.StartTime, s.location)
	if err != nil {
		return timeutils.ClockTimePeriod{}, fmt.Errorf("start time: %w", err)
	}
	end, err := timeutils.ParseClockTime(schedule.EndTime, s.location)
	if err != nil {
		return timeutils.ClockTimePeriod{}, fmt.Errorf("end time: %w", err)
	}
	return timeutils.ClockTimePeriod{Start: start, End: end}, nil
}

// enterWindow opens the night window. The control flags are persisted before
// the inverter call so the next tick cannot re-enter while this one is still
// talking to the CLI; an inverter failure rolls them back.
func (s *Scheduler) enterWindow(ctx context.Context, settings config.Settings, previous telemetry.ControlState) {
	gridCharge := settings.E3dc.Enabled && settings.E3dc.GridChargeDuringNightCharging

	if _, err := s.store.UpdateControlState(func(cs *telemetry.ControlState) {
		cs.NightCharging = true
		cs.BatteryLock = true
		cs.GridCharging = gridCharge
	}); err != nil {
		s.logger.Error("Failed to persist night charging state", "error", err)
		return
	}

	if err := s.inverter.EnableNightCharging(ctx, gridCharge); err != nil {
		s.logger.Error("Failed to enable night charging on the inverter, rolling back", "error", err)
		s.restoreControlState(previous)
		return
	}

	if settings.WallboxIP != "" {
		if _, err := s.commander.SendCommand(ctx, settings.WallboxIP, wallbox.CommandEnable); err != nil {
			s.logger.Warn("Failed to start the wallbox for night charging", "error", err)
		}
	}

	s.logger.Info("Night charging window opened", "gridCharge", gridCharge)
	s.notifier.Notify(notify.EventNightChargingStarted, "Night charging started")
	s.notifier.Notify(notify.EventChargingStarted, "Charging started for the night window")
	s.notifier.Notify(notify.EventBatteryLockActivated, "Battery lock activated for night charging")
}

// exitWindow is the mirror image of enterWindow: flags first, wallbox off,
// then the inverter.
func (s *Scheduler) exitWindow(ctx context.Context, settings config.Settings, previous telemetry.ControlState) {
	gridCharge := previous.GridCharging

	if _, err := s.store.UpdateControlState(func(cs *telemetry.ControlState) {
		cs.NightCharging = false
		cs.BatteryLock = false
		cs.GridCharging = false
	}); err != nil {
		s.logger.Error("Failed to persist night charging state", "error", err)
		return
	}

	if settings.WallboxIP != "" {
		if _, err := s.commander.SendCommand(ctx, settings.WallboxIP, wallbox.CommandDisable); err != nil {
			s.logger.Warn("Failed to stop the wallbox after night charging", "error", err)
		}
	}

	if err := s.inverter.DisableNightCharging(ctx, gridCharge); err != nil {
		s.logger.Error("Failed to disable night charging on the inverter, rolling back", "error", err)
		s.restoreControlState(previous)
		return
	}

	s.logger.Info("Night charging window closed")
	s.notifier.Notify(notify.EventNightChargingEnded, "Night charging ended")
	s.notifier.Notify(notify.EventChargingStopped, "Charging stopped after the night window")
}

func (s *Scheduler) restoreControlState(previous telemetry.ControlState) {
	if _, err := s.store.UpdateControlState(func(cs *telemetry.ControlState) {
		cs.NightCharging = previous.NightCharging
		cs.BatteryLock = previous.BatteryLock
		cs.GridCharging = previous.GridCharging
	}); err != nil {
		s.logger.Error("Failed to roll back control state", "error", err)
	}
}

func (s *Scheduler) beginOp() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opInProgress {
		return false
	}
	s.opInProgress = true
	return true
}

func (s *Scheduler) endOp() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opInProgress = false
}
