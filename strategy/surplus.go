package strategy

import (
	"math"

	"github.com/pvcharge/pvcharge/telemetry"
)

// surplusSafetyMargin is applied to the battery-priority surplus so the
// wallbox stays slightly below what the inverter measures as spare.
const surplusSafetyMargin = 0.90

// CalculateSurplus returns the watts of PV production available to the
// wallbox under the given strategy. The inverter reports house power
// including the wallbox, so the wallbox's own draw is removed first.
func CalculateSurplus(strategy telemetry.Strategy, live telemetry.LiveData) float64 {
	houseNoWb := live.HousePowerWithoutWallbox()

	switch strategy {
	case telemetry.StrategySurplusBatteryPrio:
		totalSurplus := live.PVPower - houseNoWb
		var reservation float64
		if live.BatterySoc < telemetry.BatteryFullSocPercent {
			reservation = math.Min(totalSurplus, telemetry.MaxBatteryChargingPower)
		} else {
			// near full the battery only absorbs its tapered charge power
			reservation = math.Max(0, live.BatteryPower)
		}
		return math.Max(0, (totalSurplus-reservation)*surplusSafetyMargin)

	case telemetry.StrategySurplusVehiclePrio:
		// battery discharge counts against the surplus, battery charging does not
		return math.Max(0, live.PVPower-houseNoWb+math.Min(0, live.BatteryPower))

	case telemetry.StrategyMaxWithBattery:
		// the battery may discharge into the car, so its discharge adds headroom
		return math.Max(0, live.PVPower+math.Abs(math.Min(0, live.BatteryPower))-houseNoWb)

	case telemetry.StrategyMaxWithoutBattery:
		return math.Max(0, live.PVPower-houseNoWb)
	}

	return 0
}
