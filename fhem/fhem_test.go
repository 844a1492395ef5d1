package fhem

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvcharge/pvcharge/config"
	"github.com/pvcharge/pvcharge/e3dc"
	"github.com/pvcharge/pvcharge/telemetry"
)

func TestPayloadFormat(t *testing.T) {
	payload := Payload(telemetry.LiveData{
		PVPower:      5432.9,
		BatteryPower: -1200.4,
		HousePower:   450.0,
		GridPower:    -3782.5,
		BatterySoc:   67.0,
	})

	lines := strings.Split(strings.TrimSuffix(payload, "\n"), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, "setreading S10 solarPower 5432", lines[0])
	assert.Equal(t, "setreading S10 batteryPower -1200", lines[1])
	assert.Equal(t, "setreading S10 housePower 450", lines[2])
	assert.Equal(t, "setreading S10 gridPower -3782", lines[3])
	assert.Equal(t, "setreading S10 batterySoc 67", lines[4])
	assert.True(t, strings.HasSuffix(payload, "\n"), "the payload ends with a trailing newline")
}

func TestWriteSendsWholePayload(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()

	syncer := NewSyncer(config.FhemConfig{Enabled: true, Host: "fhem.local", Port: 7072}, e3dc.NewHub())
	syncer.dial = func(ctx context.Context, addr string) (net.Conn, error) {
		assert.Equal(t, "fhem.local:7072", addr)
		return client, nil
	}

	received := make(chan string, 1)
	go func() {
		buf := make([]byte, 4096)
		n, _ := server.Read(buf)
		received <- string(buf[:n])
	}()

	err := syncer.write(context.Background(), telemetry.LiveData{PVPower: 1000, BatterySoc: 50})
	require.NoError(t, err)

	select {
	case got := <-received:
		assert.Contains(t, got, "setreading S10 solarPower 1000")
		assert.Contains(t, got, "setreading S10 batterySoc 50")
	case <-time.After(time.Second):
		t.Fatal("no payload arrived")
	}
}

func TestSyncFailureDegradesSilently(t *testing.T) {
	syncer := NewSyncer(config.FhemConfig{Enabled: true, Host: "nowhere.invalid", Port: 7072}, e3dc.NewHub())
	syncer.dial = func(ctx context.Context, addr string) (net.Conn, error) {
		return nil, net.ErrClosed
	}

	// must not panic or block
	syncer.sync(context.Background(), telemetry.LiveData{})
}
