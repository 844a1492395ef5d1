package wallbox

import (
	"context"
	"fmt"
	"time"

	"github.com/pvcharge/pvcharge/telemetry"
)

// Wire unit conversions. The device reports currents in milliamperes, session
// and total energy in 0.1 Wh steps and power in microwatts.
const (
	milliampsPerAmp   = 1000.0
	energyWireFactor  = 10.0
	microwattsPerKilo = 1e9
)

// Commands understood by the charge point.
const (
	CommandReport1 = "report 1"
	CommandReport2 = "report 2"
	CommandReport3 = "report 3"
	CommandEnable  = "ena 1"
	CommandDisable = "ena 0"
)

// CurrCommand formats a charging current command; the device expects milliamps.
func CurrCommand(amps float64) string {
	return fmt.Sprintf("curr %d", int(amps*milliampsPerAmp))
}

// StatusFromReports merges a report 2 and a report 3 reply into a
// WallboxStatus. The phase count is derived from the per-phase currents,
// never from the line voltages, which are present even without a car.
func StatusFromReports(r2, r3 Result) telemetry.WallboxStatus {
	var status telemetry.WallboxStatus

	status.State, _ = r2.Int("State")
	status.Plug, _ = r2.Int("Plug")
	status.Input, _ = r2.Int("Input")
	status.EnableSys, _ = r2.Int("Enable sys")
	if maxCurr, ok := r2.Float("Max curr"); ok {
		status.MaxCurr = maxCurr / milliampsPerAmp
	}

	if i1, ok := r3.Float("I1"); ok {
		status.I1 = i1 / milliampsPerAmp
	}
	if i2, ok := r3.Float("I2"); ok {
		status.I2 = i2 / milliampsPerAmp
	}
	if i3, ok := r3.Float("I3"); ok {
		status.I3 = i3 / milliampsPerAmp
	}
	status.U1, _ = r3.Float("U1")
	status.U2, _ = r3.Float("U2")
	status.U3, _ = r3.Float("U3")

	if ePres, ok := r3.Float("E pres"); ok {
		status.EPres = ePres / energyWireFactor
	}
	if eTotal, ok := r3.Float("E total"); ok {
		status.ETotal = eTotal / energyWireFactor
	}
	if power, ok := r3.Float("P"); ok {
		status.Power = power / microwattsPerKilo
	}

	status.Phases = telemetry.PhasesFromCurrents(status.I1, status.I2, status.I3)
	status.LastUpdated = time.Now()

	return status
}

// FetchStatus polls report 2 and report 3 and returns the merged status.
func FetchStatus(ctx context.Context, transport *Transport, ip string) (telemetry.WallboxStatus, error) {
	r2, err := transport.SendCommand(ctx, ip, CommandReport2)
	if err != nil {
		return telemetry.WallboxStatus{}, fmt.Errorf("report 2: %w", err)
	}
	r3, err := transport.SendCommand(ctx, ip, CommandReport3)
	if err != nil {
		return telemetry.WallboxStatus{}, fmt.Errorf("report 3: %w", err)
	}
	return StatusFromReports(r2, r3), nil
}
