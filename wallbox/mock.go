package wallbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pvcharge/pvcharge/telemetry"
	"github.com/pvcharge/pvcharge/udpchannel"
)

// MockSettings supplies the mutable parts of the simulated device.
type MockSettings struct {
	Phases     int // 1 or 3
	PlugStatus int // 0,1,3,5,7
}

// broadcaster is the part of the udpchannel the mock needs.
type broadcaster interface {
	Send(ip string, text string) error
	SendBroadcast(text string) error
}

// MockWallbox simulates the charge point in demo mode. It rides on the shared
// UDP channel: commands sent to loopback arrive back on our own socket, the
// mock answers them, and the answers loop back to the transport the same way.
// No second socket is needed.
//
// Only the "report", "ena" and "curr" command families are answered, so the
// mock never reacts to its own replies.
type MockWallbox struct {
	channel  broadcaster
	settings func() MockSettings
	logger   *slog.Logger

	mu       sync.Mutex
	enabled  bool
	currMA   float64 // commanded current in milliamps
	ePres    float64 // session energy in 0.1 Wh
	eTotal   float64
	lastTick time.Time
}

func NewMockWallbox(channel broadcaster, settings func() MockSettings) *MockWallbox {
	return &MockWallbox{
		channel:  channel,
		settings: settings,
		logger:   slog.Default().With("component", "mock_wallbox"),
		currMA:   6000,
		eTotal:   123456 * energyWireFactor,
		lastTick: time.Now(),
	}
}

// Run integrates session energy and emits spontaneous broadcasts the way the
// real device does, so the listener path is exercised in demo mode.
func (m *MockWallbox) Run(ctx context.Context, period time.Duration) error {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t := <-ticker.C:
			m.tick(t)
		}
	}
}

func (m *MockWallbox) tick(t time.Time) {
	m.mu.Lock()
	elapsed := t.Sub(m.lastTick)
	m.lastTick = t

	charging := m.charging()
	if charging {
		powerW := m.powerKW() * 1000
		deltaWh := powerW * elapsed.Hours()
		m.ePres += deltaWh * energyWireFactor
		m.eTotal += deltaWh * energyWireFactor
		ePres := int(m.ePres)
		m.mu.Unlock()
		m.channel.SendBroadcast(fmt.Sprintf(`{"E pres":%d}`, ePres))
		return
	}
	m.mu.Unlock()
}

// HandleMessage answers commands addressed to the simulated device.
func (m *MockWallbox) HandleMessage(msg udpchannel.Message) {
	if msg.IsJSON || msg.HasAckToken {
		return
	}

	command := strings.TrimSpace(msg.Raw)
	switch {
	case command == CommandReport1:
		m.reply(`{"ID":"1","Product":"MOCK-P30","Serial":"00000001","Firmware":"demo 1.0"}`)
	case command == CommandReport2:
		m.reply(m.report2())
	case command == CommandReport3:
		m.reply(m.report3())
	case strings.HasPrefix(command, "ena "):
		m.setEnabled(strings.TrimPrefix(command, "ena ") == "1")
		m.reply("TCH-OK :done")
	case strings.HasPrefix(command, "curr "):
		if ma, err := strconv.ParseFloat(strings.TrimPrefix(command, "curr "), 64); err == nil {
			m.setCurrent(ma)
			m.reply("TCH-OK :done")
		} else {
			m.reply("TCH-ERR :invalid current")
		}
	}
}

func (m *MockWallbox) HandleChannelShutdown() {}

func (m *MockWallbox) reply(payload string) {
	if err := m.channel.Send("127.0.0.1", payload); err != nil {
		m.logger.Error("Mock reply failed", "error", err)
	}
}

func (m *MockWallbox) setEnabled(enabled bool) {
	m.mu.Lock()
	wasEnabled := m.enabled
	m.enabled = enabled
	if !enabled {
		m.ePres = 0
	}
	m.mu.Unlock()

	if wasEnabled != enabled {
		// the real device broadcasts state transitions spontaneously
		state := 1
		if enabled && m.settings().PlugStatus == telemetry.PlugCarAndLocked {
			state = 3
		}
		m.channel.SendBroadcast(fmt.Sprintf(`{"State":%d}`, state))
	}
}

func (m *MockWallbox) setCurrent(ma float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currMA = ma
}

// charging must be called with the lock held.
func (m *MockWallbox) charging() bool {
	return m.enabled && m.settings().PlugStatus == telemetry.PlugCarAndLocked
}

// powerKW must be called with the lock held.
func (m *MockWallbox) powerKW() float64 {
	amps := m.currMA / milliampsPerAmp
	return amps * telemetry.PhaseVoltage * float64(m.settings().Phases) / 1000
}

func (m *MockWallbox) report2() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	enableSys := 0
	state := 1
	if m.enabled {
		enableSys = 1
		if m.charging() {
			state = 3
		}
	}

	fields := map[string]interface{}{
		"ID":         "2",
		"State":      state,
		"Plug":       m.settings().PlugStatus,
		"Input":      0,
		"Enable sys": enableSys,
		"Max curr":   m.currMA,
	}
	return mustMarshal(fields)
}

func (m *MockWallbox) report3() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var i1, i2, i3 float64
	var power float64
	if m.charging() {
		i1 = m.currMA
		if m.settings().Phases == 3 {
			i2, i3 = m.currMA, m.currMA
		}
		power = m.powerKW() * microwattsPerKilo
	}

	fields := map[string]interface{}{
		"ID":      "3",
		"U1":      230, "U2": 230, "U3": 230,
		"I1":      i1, "I2": i2, "I3": i3,
		"P":       power,
		"E pres":  int(m.ePres),
		"E total": int(m.eTotal),
	}
	return mustMarshal(fields)
}

func mustMarshal(fields map[string]interface{}) string {
	data, err := json.Marshal(fields)
	if err != nil {
		panic(err)
	}
	return string(data)
}
