package strategy

import (
	"time"

	"github.com/pvcharge/pvcharge/config"
	"github.com/pvcharge/pvcharge/telemetry"
)

// ShouldStartCharging decides whether an inactive session may start. Max
// strategies start as soon as a car is connected and locked. Surplus
// strategies require the surplus to hold above the start threshold for the
// configured delay; the timer and UI countdown live in the context.
func ShouldStartCharging(cfg config.ChargingStrategyConfig, strategy telemetry.Strategy, surplus float64, plugStatus int, context *telemetry.ChargingContext, now time.Time) bool {
	if strategy.IsMax() {
		return plugStatus == telemetry.PlugCarAndLocked
	}

	if surplus < cfg.MinStartPowerWatt {
		context.StartDelayTrackerSince = nil
		context.RemainingStartDelay = 0
		return false
	}

	if context.StartDelayTrackerSince == nil {
		context.StartDelayTrackerSince = &now
	}
	delay := time.Duration(cfg.StartDelaySeconds) * time.Second
	elapsed := now.Sub(*context.StartDelayTrackerSince)

	if elapsed < delay {
		context.RemainingStartDelay = int((delay - elapsed).Seconds())
		return false
	}

	context.StartDelayTrackerSince = nil
	context.RemainingStartDelay = 0

	// the delay can expire while nobody is plugged in; clear and wait
	return plugStatus == telemetry.PlugCarAndLocked
}

// ShouldStopCharging decides whether an active surplus session must stop.
// Right after a start the inverter snapshot still misses the new wallbox
// load, so stop checks are suppressed for two polling cycles.
func ShouldStopCharging(cfg config.ChargingStrategyConfig, strategy telemetry.Strategy, surplus float64, pollingInterval time.Duration, context *telemetry.ChargingContext, now time.Time) bool {
	if !strategy.IsSurplus() || !context.IsActive {
		return false
	}

	if context.LastStartedAt != nil && now.Sub(*context.LastStartedAt) < 2*pollingInterval {
		return false
	}

	if surplus >= cfg.StopThresholdWatt {
		context.BelowThresholdSince = nil
		context.RemainingStopDelay = 0
		return false
	}

	if context.BelowThresholdSince == nil {
		context.BelowThresholdSince = &now
	}
	delay := time.Duration(cfg.StopDelaySeconds) * time.Second
	elapsed := now.Sub(*context.BelowThresholdSince)

	if elapsed < delay {
		context.RemainingStopDelay = int((delay - elapsed).Seconds())
		return false
	}

	context.BelowThresholdSince = nil
	context.RemainingStopDelay = 0
	return true
}
