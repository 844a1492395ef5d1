package fhem

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pvcharge/pvcharge/config"
	"github.com/pvcharge/pvcharge/e3dc"
	"github.com/pvcharge/pvcharge/telemetry"
)

const dialTimeout = 3 * time.Second

// Syncer replicates each inverter snapshot into a FHEM home automation
// server over its telnet port. Failures never surface to the rest of the
// system: FHEM is a best-effort mirror.
type Syncer struct {
	config config.FhemConfig
	hub    *e3dc.Hub
	logger *slog.Logger

	// dial is the connection seam for tests
	dial func(ctx context.Context, addr string) (net.Conn, error)

	mu      sync.Mutex
	syncing bool
	wg      sync.WaitGroup
}

func NewSyncer(cfg config.FhemConfig, hub *e3dc.Hub) *Syncer {
	return &Syncer{
		config: cfg,
		hub:    hub,
		logger: slog.Default().With("component", "fhem"),
		dial: func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			d.Timeout = dialTimeout
			return d.DialContext(ctx, "tcp", addr)
		},
	}
}

// Run subscribes to the live-data hub until the context is cancelled, then
// waits for an in-flight sync to finish.
func (s *Syncer) Run(ctx context.Context) error {
	if !s.config.Enabled || s.config.Host == "" {
		s.logger.Debug("FHEM sync disabled")
		<-ctx.Done()
		return ctx.Err()
	}

	subID := s.hub.Subscribe(func(live telemetry.LiveData) {
		s.sync(ctx, live)
	})

	<-ctx.Done()
	s.hub.Unsubscribe(subID)
	s.wg.Wait()
	return ctx.Err()
}

// sync writes one snapshot. Snapshots arriving while a sync is running are
// dropped, the next one carries fresher data anyway.
func (s *Syncer) sync(ctx context.Context, live telemetry.LiveData) {
	s.mu.Lock()
	if s.syncing {
		s.mu.Unlock()
		return
	}
	s.syncing = true
	s.wg.Add(1)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.syncing = false
		s.mu.Unlock()
		s.wg.Done()
	}()

	if err := s.write(ctx, live); err != nil {
		s.logger.Debug("FHEM sync failed", "error", err)
	}
}

func (s *Syncer) write(ctx context.Context, live telemetry.LiveData) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	conn, err := s.dial(ctx, addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	payload := Payload(live)
	conn.SetWriteDeadline(time.Now().Add(dialTimeout))
	written, err := conn.Write([]byte(payload))
	if err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if written != len(payload) {
		return fmt.Errorf("short write: %d of %d bytes", written, len(payload))
	}
	return nil
}

// Payload renders the five readings FHEM expects, newline separated with a
// trailing newline. Values are truncated to whole numbers.
func Payload(live telemetry.LiveData) string {
	return fmt.Sprintf(
		"setreading S10 solarPower %d\n"+
			"setreading S10 batteryPower %d\n"+
			"setreading S10 housePower %d\n"+
			"setreading S10 gridPower %d\n"+
			"setreading S10 batterySoc %d\n",
		int(live.PVPower), int(live.BatteryPower), int(live.HousePower), int(live.GridPower), int(live.BatterySoc))
}
