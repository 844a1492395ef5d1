package config

import (
	"fmt"

	"github.com/pvcharge/pvcharge/telemetry"
)

// ChargingStrategyConfig holds the tunables of the strategy controller.
type ChargingStrategyConfig struct {
	MinStartPowerWatt        float64            `json:"minStartWatts"`
	StopThresholdWatt        float64            `json:"stopThresholdWatts"`
	StartDelaySeconds        int                `json:"startDelaySeconds"`
	StopDelaySeconds         int                `json:"stopDelaySeconds"`
	MinCurrentChangeAmpere   float64            `json:"minCurrentChangeAmpere"`
	MinChangeIntervalSeconds int                `json:"minChangeIntervalSeconds"`
	PhysicalPhaseSwitch      int                `json:"physicalPhaseSwitch"`
	ActiveStrategy           telemetry.Strategy `json:"activeStrategy"`
	InputX1Strategy          telemetry.Strategy `json:"inputX1Strategy"`
}

// E3dcConfig holds the inverter integration block.
type E3dcConfig struct {
	Enabled                       bool   `json:"enabled"`
	DischargeLockOnCommand        string `json:"dischargeLockOnCommand"`
	DischargeLockOffCommand       string `json:"dischargeLockOffCommand"`
	GridChargeOnCommand           string `json:"gridChargeOnCommand"`
	GridChargeOffCommand          string `json:"gridChargeOffCommand"`
	ModbusPauseSeconds            int    `json:"modbusPauseSeconds"`
	PollingIntervalSeconds        int    `json:"pollingIntervalSeconds"`
	GridChargeDuringNightCharging bool   `json:"gridChargeDuringNightCharging"`
}

// NightChargingSchedule configures the nightly charging window, "HH:MM" local time.
type NightChargingSchedule struct {
	Enabled   bool   `json:"enabled"`
	StartTime string `json:"startTime"`
	EndTime   string `json:"endTime"`
}

// Settings are the runtime-mutable settings persisted in the store and edited
// over the HTTP API.
type Settings struct {
	WallboxIP             string                 `json:"wallboxIp"`
	E3dcIP                string                 `json:"e3dcIp"`
	ChargingStrategy      ChargingStrategyConfig `json:"chargingStrategy"`
	E3dc                  E3dcConfig             `json:"e3dc"`
	NightCharging         NightChargingSchedule  `json:"nightChargingSchedule"`
	DemoMode              bool                   `json:"demoMode"`
	MockWallboxPhases     int                    `json:"mockWallboxPhases"`
	MockWallboxPlugStatus int                    `json:"mockWallboxPlugStatus"`
}

// DefaultSettings returns the settings a fresh installation starts with.
func DefaultSettings() Settings {
	return Settings{
		ChargingStrategy: ChargingStrategyConfig{
			MinStartPowerWatt:        1400,
			StopThresholdWatt:        1000,
			StartDelaySeconds:        120,
			StopDelaySeconds:         300,
			MinCurrentChangeAmpere:   1,
			MinChangeIntervalSeconds: 60,
			PhysicalPhaseSwitch:      1,
			ActiveStrategy:           telemetry.StrategyOff,
			InputX1Strategy:          telemetry.StrategyMaxWithoutBattery,
		},
		E3dc: E3dcConfig{
			ModbusPauseSeconds:     5,
			PollingIntervalSeconds: 10,
		},
		NightCharging: NightChargingSchedule{
			StartTime: "00:00",
			EndTime:   "05:00",
		},
		MockWallboxPhases:     1,
		MockWallboxPlugStatus: telemetry.PlugCarAndLocked,
	}
}

// Validate checks all settings against their allowed ranges.
func (s *Settings) Validate() error {
	cs := s.ChargingStrategy
	if err := inRange("minStartWatts", cs.MinStartPowerWatt, 500, 5000); err != nil {
		return err
	}
	if err := inRange("stopThresholdWatts", cs.StopThresholdWatt, 300, 3000); err != nil {
		return err
	}
	if err := inRange("startDelaySeconds", float64(cs.StartDelaySeconds), 30, 600); err != nil {
		return err
	}
	if err := inRange("stopDelaySeconds", float64(cs.StopDelaySeconds), 60, 900); err != nil {
		return err
	}
	if err := inRange("minCurrentChangeAmpere", cs.MinCurrentChangeAmpere, 0.1, 5); err != nil {
		return err
	}
	if err := inRange("minChangeIntervalSeconds", float64(cs.MinChangeIntervalSeconds), 10, 300); err != nil {
		return err
	}
	if cs.PhysicalPhaseSwitch != 1 && cs.PhysicalPhaseSwitch != 3 {
		return fmt.Errorf("physicalPhaseSwitch must be 1 or 3, got %d", cs.PhysicalPhaseSwitch)
	}
	if !cs.ActiveStrategy.Valid() {
		return fmt.Errorf("activeStrategy %q is not a known strategy", cs.ActiveStrategy)
	}
	if !cs.InputX1Strategy.Valid() || cs.InputX1Strategy == telemetry.StrategyOff {
		return fmt.Errorf("inputX1Strategy %q is not a known non-off strategy", cs.InputX1Strategy)
	}

	if err := inRange("modbusPauseSeconds", float64(s.E3dc.ModbusPauseSeconds), 0, 30); err != nil {
		return err
	}
	if err := inRange("pollingIntervalSeconds", float64(s.E3dc.PollingIntervalSeconds), 2, 60); err != nil {
		return err
	}

	if err := validClockTime("startTime", s.NightCharging.StartTime); err != nil {
		return err
	}
	if err := validClockTime("endTime", s.NightCharging.EndTime); err != nil {
		return err
	}

	if s.MockWallboxPhases != 1 && s.MockWallboxPhases != 3 {
		return fmt.Errorf("mockWallboxPhases must be 1 or 3, got %d", s.MockWallboxPhases)
	}
	switch s.MockWallboxPlugStatus {
	case 0, 1, 3, 5, 7:
	default:
		return fmt.Errorf("mockWallboxPlugStatus must be one of 0,1,3,5,7, got %d", s.MockWallboxPlugStatus)
	}

	return nil
}

func inRange(name string, val, min, max float64) error {
	if val < min || val > max {
		return fmt.Errorf("%s must be between %g and %g, got %g", name, min, max, val)
	}
	return nil
}

func validClockTime(name, s string) error {
	var hour, minute int
	n, err := fmt.Sscanf(s, "%d:%d", &hour, &minute)
	if err != nil || n != 2 || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return fmt.Errorf("%s must be formatted HH:MM, got %q", name, s)
	}
	return nil
}
