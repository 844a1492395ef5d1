package e3dc

import (
	"context"
	"math"
	"time"

	"github.com/pvcharge/pvcharge/telemetry"
)

// MockInverter publishes synthetic live data for demo mode. PV output follows
// a bell curve over the day, the battery absorbs what the house does not use
// until it is full, the rest goes to the grid.
type MockInverter struct {
	hub          *Hub
	wallboxPower func(ctx context.Context) (float64, error)

	soc float64
}

func NewMockInverter(hub *Hub, wallboxPower func(ctx context.Context) (float64, error)) *MockInverter {
	return &MockInverter{
		hub:          hub,
		wallboxPower: wallboxPower,
		soc:          55,
	}
}

func (m *MockInverter) Run(ctx context.Context, period time.Duration) error {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t := <-ticker.C:
			m.hub.Publish(m.snapshot(ctx, t))
		}
	}
}

func (m *MockInverter) snapshot(ctx context.Context, t time.Time) telemetry.LiveData {
	pv := m.pvPower(t)

	wallbox := 0.0
	if m.wallboxPower != nil {
		if p, err := m.wallboxPower(ctx); err == nil {
			wallbox = p
		}
	}

	house := 450.0 + wallbox
	surplus := pv - house

	battery := 0.0
	if surplus > 0 && m.soc < 100 {
		battery = math.Min(surplus, telemetry.MaxBatteryChargingPower)
	} else if surplus < 0 && m.soc > 5 {
		battery = math.Max(surplus, -telemetry.MaxBatteryChargingPower)
	}
	grid := house + battery - pv

	// a 10kWh pack, nudged by the battery power each tick
	m.soc += battery / 10000 * 0.1
	m.soc = math.Max(0, math.Min(100, m.soc))

	return telemetry.LiveData{
		PVPower:         pv,
		BatteryPower:    battery,
		BatterySoc:      math.Round(m.soc),
		HousePower:      house,
		GridPower:       grid,
		WallboxPower:    wallbox,
		Autarky:         78,
		SelfConsumption: 64,
		Time:            t,
	}
}

// pvPower models the PV curve: zero at night, peaking around 5.5kW at noon.
func (m *MockInverter) pvPower(t time.Time) float64 {
	hour := float64(t.Hour()) + float64(t.Minute())/60
	if hour < 6 || hour > 21 {
		return 0
	}
	return math.Round(5500 * math.Sin((hour-6)/15*math.Pi))
}

// Pause and Resume satisfy the same surface as the real poller; the mock has
// no connection to manage.
func (m *MockInverter) Pause()  {}
func (m *MockInverter) Resume() {}

// ResetIdleThrottles is a no-op for the mock.
func (m *MockInverter) ResetIdleThrottles() {}
