package strategy

import (
	"math"
	"time"

	"github.com/pvcharge/pvcharge/telemetry"
)

// A phase counts as active during reconciliation above this current; the
// device reports a small residual on connected but unused phases.
const reconcilePhaseMinAmpere = 0.5

// reallyCharging is the device-side ground truth: state 3 (charging) with
// measurable power flowing.
func reallyCharging(status telemetry.WallboxStatus) bool {
	return status.State == 3 && status.Power > 0.001 // kW, i.e. >1W
}

// reconcilePhases counts the phases carrying current. Surplus strategies
// always run single-phase; for max strategies an idle wallbox defaults to
// three so the full-power target is conservative.
func reconcilePhases(strategy telemetry.Strategy, status telemetry.WallboxStatus) int {
	if strategy.IsSurplus() {
		return 1
	}

	active := 0
	for _, i := range []float64{status.I1, status.I2, status.I3} {
		if i > reconcilePhaseMinAmpere {
			active++
		}
	}
	switch active {
	case 0:
		return 3
	case 1:
		return 1
	default:
		return 3
	}
}

// Reconcile aligns the persisted charging context with the device state read
// from report 2 and 3. Returns true when the context was changed. A session
// rediscovered on the device gets a fresh lastStartedAt so the stabilization
// grace applies to it.
func Reconcile(context *telemetry.ChargingContext, status telemetry.WallboxStatus, strategy telemetry.Strategy, now time.Time) bool {
	charging := reallyCharging(status)
	phases := reconcilePhases(strategy, status)

	if context.IsActive && !charging {
		context.IsActive = false
		context.CurrentAmpere = 0
		context.TargetAmpere = 0
		// the stop countdown belongs to an active session only
		context.BelowThresholdSince = nil
		context.RemainingStopDelay = 0
		return true
	}

	if !context.IsActive && charging {
		context.IsActive = true
		context.CurrentPhases = phases
		amps := math.Round(math.Max(status.I1, math.Max(status.I2, status.I3)))
		// a tapering car can draw below the device minimum; the context must
		// stay within the range the wallbox accepts
		amps = math.Max(telemetry.MinCurrentAmpere, math.Min(amps, telemetry.MaxCurrentForPhases(phases)))
		context.CurrentAmpere = amps
		context.TargetAmpere = amps
		context.LastStartedAt = &now
		// the start countdown belongs to an inactive session only
		context.StartDelayTrackerSince = nil
		context.RemainingStartDelay = 0
		return true
	}

	if context.IsActive && context.CurrentPhases != phases {
		context.CurrentPhases = phases
		return true
	}

	return false
}
