package strategy

import (
	"math"
	"time"

	"github.com/pvcharge/pvcharge/config"
	"github.com/pvcharge/pvcharge/telemetry"
)

// Battery-protection clamp: when the house battery has been discharging
// harder than this for the hold duration, the vehicle-priority target is
// reduced so the battery is not drained into the car.
const (
	batteryDrainThresholdWatt   = -500.0
	batteryDrainHold            = 120 * time.Second
	batteryClampReductionAmpere = 2.0
)

// CurrentCalculator derives the target charging current from the surplus.
// It carries the battery drain timer between evaluations.
type CurrentCalculator struct {
	batteryDrainSince *time.Time
}

// ObserveBattery feeds the latest battery power into the drain timer. Must be
// called once per evaluation, before TargetCurrent.
func (c *CurrentCalculator) ObserveBattery(batteryPower float64, now time.Time) {
	if batteryPower < batteryDrainThresholdWatt {
		if c.batteryDrainSince == nil {
			c.batteryDrainSince = &now
		}
		return
	}
	c.batteryDrainSince = nil
}

func (c *CurrentCalculator) clampActive(now time.Time) bool {
	return c.batteryDrainSince != nil && now.Sub(*c.batteryDrainSince) >= batteryDrainHold
}

// PhasesForStrategy picks the phase count for a target current calculation.
// An active session keeps its phases; otherwise max strategies follow the
// configured physical switch and surplus strategies always start single-phase,
// because the minimum start power is 1380 W on one phase versus 4140 W on three.
func PhasesForStrategy(strategy telemetry.Strategy, cfg config.ChargingStrategyConfig, context telemetry.ChargingContext) int {
	if context.IsActive && context.CurrentPhases > 0 {
		return context.CurrentPhases
	}
	if strategy.IsMax() {
		if cfg.PhysicalPhaseSwitch == 3 {
			return 3
		}
		return 1
	}
	return 1
}

// TargetCurrent returns the charging current in amperes for the given surplus,
// or ok=false when the surplus cannot sustain the minimum current. Max
// strategies always return the full current for the phase count.
func (c *CurrentCalculator) TargetCurrent(strategy telemetry.Strategy, surplus float64, phases int, now time.Time) (float64, bool) {
	if strategy.IsMax() {
		return telemetry.MaxCurrentForPhases(phases), true
	}

	minPower := telemetry.MinCurrentAmpere * telemetry.PhaseVoltage * float64(phases)
	if surplus < minPower {
		return 0, false
	}

	amps := math.Round(surplus / (telemetry.PhaseVoltage * float64(phases)))
	amps = math.Max(telemetry.MinCurrentAmpere, math.Min(amps, telemetry.MaxCurrentForPhases(phases)))

	if strategy == telemetry.StrategySurplusVehiclePrio && c.clampActive(now) {
		amps = math.Max(telemetry.MinCurrentAmpere, amps-batteryClampReductionAmpere)
	}
	return amps, true
}
