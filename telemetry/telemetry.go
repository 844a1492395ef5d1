package telemetry

import (
	"time"
)

// Electrical constants for the charge point and the house battery.
const (
	PhaseVoltage            = 230.0  // volts, per phase
	MinCurrentAmpere        = 6.0    // minimum charging current the wallbox accepts
	MaxCurrent1P            = 32.0   // maximum current on a single phase
	MaxCurrent3P            = 16.0   // maximum current when charging three-phase
	MaxBatteryChargingPower = 3000.0 // watts the house battery can absorb
	BatteryFullSocPercent   = 95.0   // above this SOC the battery reservation tapers
)

// MaxCurrentForPhases returns the maximum charging current in amperes for the given phase count.
func MaxCurrentForPhases(phases int) float64 {
	if phases == 1 {
		return MaxCurrent1P
	}
	return MaxCurrent3P
}

// Strategy identifies one of the user-selectable charging strategies.
type Strategy string

const (
	StrategyOff                Strategy = "off"
	StrategySurplusBatteryPrio Strategy = "surplus_battery_prio"
	StrategySurplusVehiclePrio Strategy = "surplus_vehicle_prio"
	StrategyMaxWithBattery     Strategy = "max_with_battery"
	StrategyMaxWithoutBattery  Strategy = "max_without_battery"
)

// Valid returns true if s is one of the known strategies.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyOff, StrategySurplusBatteryPrio, StrategySurplusVehiclePrio, StrategyMaxWithBattery, StrategyMaxWithoutBattery:
		return true
	}
	return false
}

// IsSurplus returns true for the strategies that follow the PV surplus.
func (s Strategy) IsSurplus() bool {
	return s == StrategySurplusBatteryPrio || s == StrategySurplusVehiclePrio
}

// IsMax returns true for the strategies that charge at full power.
func (s Strategy) IsMax() bool {
	return s == StrategyMaxWithBattery || s == StrategyMaxWithoutBattery
}

// RequiresBatteryLock returns true if the strategy must forbid the house
// battery from discharging into the car.
func (s Strategy) RequiresBatteryLock() bool {
	return s == StrategyMaxWithoutBattery
}

// LiveData holds one snapshot of the inverter state, pulled over Modbus.
// Power sign conventions follow the inverter: battery positive = charging,
// grid positive = import.
type LiveData struct {
	PVPower         float64   `json:"pvPower"`
	BatteryPower    float64   `json:"batteryPower"`
	BatterySoc      float64   `json:"batterySoc"`
	HousePower      float64   `json:"housePower"` // includes the wallbox load
	GridPower       float64   `json:"gridPower"`
	WallboxPower    float64   `json:"wallboxPower"` // injected from the wallbox side, not read from the inverter
	Autarky         float64   `json:"autarky"`
	SelfConsumption float64   `json:"selfConsumption"`
	Time            time.Time `json:"timestamp"`
}

// HousePowerWithoutWallbox returns the house load with the wallbox draw removed.
func (l LiveData) HousePowerWithoutWallbox() float64 {
	return l.HousePower - l.WallboxPower
}

// WallboxStatus is the decoded state of the charge point, derived from the
// report 2 and report 3 telegrams. It is cached in memory, never persisted.
type WallboxStatus struct {
	State       int       `json:"state"`     // 0..5 per the device manual
	Plug        int       `json:"plug"`      // 0,1,3,5,7
	Input       int       `json:"input"`     // X1 contact
	EnableSys   int       `json:"enableSys"` // 0,1
	MaxCurr     float64   `json:"maxCurr"`   // amperes
	EPres       float64   `json:"ePres"`     // session energy, Wh
	ETotal      float64   `json:"eTotal"`    // lifetime energy, Wh
	Power       float64   `json:"power"`     // kW
	Phases      int       `json:"phases"`    // 0..3, derived from per-phase currents
	I1          float64   `json:"i1"`
	I2          float64   `json:"i2"`
	I3          float64   `json:"i3"`
	U1          float64   `json:"u1"`
	U2          float64   `json:"u2"`
	U3          float64   `json:"u3"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// Plug status values reported by the wallbox.
const (
	PlugUnplugged      = 0
	PlugInSocket       = 1
	PlugLocked         = 3
	PlugReady          = 5
	PlugCarAndLocked   = 7
	phaseCurrentMinAmp = 0.1 // a phase is counted as active above this current
)

// PhasesFromCurrents derives the number of active phases from the per-phase
// currents. Line voltages are always present and must not be used for this.
func PhasesFromCurrents(i1, i2, i3 float64) int {
	phases := 0
	for _, i := range []float64{i1, i2, i3} {
		if i > phaseCurrentMinAmp {
			phases++
		}
	}
	return phases
}

// ChargingContext is the strategy controller's persistent working set.
// It survives restarts and is reconciled against the wallbox on the first tick.
type ChargingContext struct {
	Strategy               Strategy   `json:"strategy"`
	IsActive               bool       `json:"isActive"`
	CurrentAmpere          float64    `json:"currentAmpere"`
	TargetAmpere           float64    `json:"targetAmpere"`
	CurrentPhases          int        `json:"currentPhases"`
	CalculatedSurplus      float64    `json:"calculatedSurplus"`
	AdjustmentCount        int        `json:"adjustmentCount"`
	LastAdjustment         *time.Time `json:"lastAdjustment"`
	LastStartedAt          *time.Time `json:"lastStartedAt"`
	BelowThresholdSince    *time.Time `json:"belowThresholdSince"`
	StartDelayTrackerSince *time.Time `json:"startDelayTrackerSince"`
	RemainingStartDelay    int        `json:"remainingStartDelay"` // seconds, for the UI countdown
	RemainingStopDelay     int        `json:"remainingStopDelay"`  // seconds, for the UI countdown
}

// ControlState holds the persistent runtime toggles.
// Only the strategy controller and the night scheduler may set NightCharging.
type ControlState struct {
	PVSurplus     bool `json:"pvSurplus"`
	NightCharging bool `json:"nightCharging"`
	BatteryLock   bool `json:"batteryLock"`
	GridCharging  bool `json:"gridCharging"`
}

// PlugTracking remembers the last observed plug status across restarts.
type PlugTracking struct {
	LastPlugStatus int       `json:"lastPlugStatus"`
	LastPlugChange time.Time `json:"lastPlugChange"`
}
