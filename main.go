package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pvcharge/pvcharge/config"
	"github.com/pvcharge/pvcharge/e3dc"
	"github.com/pvcharge/pvcharge/fhem"
	"github.com/pvcharge/pvcharge/invertercli"
	"github.com/pvcharge/pvcharge/listener"
	"github.com/pvcharge/pvcharge/modbus"
	"github.com/pvcharge/pvcharge/nightcharge"
	"github.com/pvcharge/pvcharge/notify"
	"github.com/pvcharge/pvcharge/server"
	"github.com/pvcharge/pvcharge/sse"
	"github.com/pvcharge/pvcharge/store"
	"github.com/pvcharge/pvcharge/strategy"
	"github.com/pvcharge/pvcharge/telemetry"
	"github.com/pvcharge/pvcharge/udpchannel"
	"github.com/pvcharge/pvcharge/wallbox"
)

const version = "1.2.0"

// inverterPauser is what the CLI gateway and the UDP listener need from
// whichever inverter source is running, real poller or demo mock.
type inverterPauser interface {
	Pause()
	Resume()
	ResetIdleThrottles()
}

type nopPauser struct{}

func (nopPauser) Pause()              {}
func (nopPauser) Resume()             {}
func (nopPauser) ResetIdleThrottles() {}

func main() {

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "pvcharge.yaml"
	}
	cfg, err := config.Read(configPath)
	if err != nil {
		slog.Error("Failed to read config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	slog.Info("Starting pvcharge", "version", version)

	location, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		slog.Error("Failed to load time location", "timezone", cfg.Timezone, "error", err)
		os.Exit(1)
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		slog.Error("Failed to open store", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if cfg.DemoAutostart {
		_, err = st.UpdateSettings(func(s *config.Settings) {
			s.DemoMode = true
			if s.WallboxIP == "" {
				s.WallboxIP = "127.0.0.1"
			}
		})
		if err != nil {
			slog.Error("Failed to enable demo mode", "error", err)
			os.Exit(1)
		}
	}

	settings, err := st.Settings()
	if err != nil {
		slog.Error("Failed to read settings", "error", err)
		os.Exit(1)
	}

	notifier := notify.NewLogNotifier(st)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	channel, err := udpchannel.New()
	if err != nil {
		slog.Error("Failed to bind wallbox UDP port", "error", err)
		os.Exit(1)
	}
	go channel.Run(ctx)

	transport := wallbox.NewTransport(channel, wallbox.DefaultRetryConfig())
	transport.DemoMode = settings.DemoMode
	channel.Subscribe(transport)
	go transport.Run(ctx)

	hub := e3dc.NewHub()

	// wallboxPower lets the inverter sources subtract the charging load from
	// the house consumption
	wallboxPower := func(ctx context.Context) (float64, error) {
		current, err := st.Settings()
		if err != nil {
			return 0, err
		}
		if current.WallboxIP == "" {
			return 0, nil
		}
		status, err := wallbox.FetchStatus(ctx, transport, current.WallboxIP)
		if err != nil {
			return 0, err
		}
		return status.Power * 1000, nil
	}

	var pauser inverterPauser = nopPauser{}
	switch {
	case settings.DemoMode:
		mockInverter := e3dc.NewMockInverter(hub, wallboxPower)
		go mockInverter.Run(ctx, time.Duration(settings.E3dc.PollingIntervalSeconds)*time.Second)
		pauser = mockInverter
	case settings.E3dcIP != "":
		poller := e3dc.NewPoller(modbus.NewClient(settings.E3dcIP), hub, st, notifier, wallboxPower)
		go poller.Run(ctx)
		pauser = poller
	default:
		slog.Warn("No inverter IP configured, live data disabled")
	}

	gateway := invertercli.NewGateway(st, pauser, os.Getenv("E3DC_CLI_BINARY"))

	registry := sse.NewRegistry()
	go registry.Run(ctx)

	controller := strategy.NewController(st, transport, gateway, hub, notifier, registry)
	go controller.Run(ctx)

	inputListener := listener.New(st, controller, transport, registry, notifier, pauser)
	channel.Subscribe(inputListener)

	scheduler := nightcharge.NewScheduler(st, transport, gateway, notifier, location)
	go scheduler.Run(ctx)

	syncer := fhem.NewSyncer(cfg.Fhem, hub)
	go syncer.Run(ctx)

	if settings.DemoMode {
		mockWallbox := wallbox.NewMockWallbox(channel, func() wallbox.MockSettings {
			current, err := st.Settings()
			if err != nil {
				return wallbox.MockSettings{Phases: 1, PlugStatus: telemetry.PlugCarAndLocked}
			}
			return wallbox.MockSettings{Phases: current.MockWallboxPhases, PlugStatus: current.MockWallboxPlugStatus}
		})
		channel.Subscribe(mockWallbox)
		go mockWallbox.Run(ctx, time.Second)
		slog.Info("Demo mode active, simulated wallbox and inverter running")
	}

	srv := server.New(cfg, st, controller, transport, hub, registry, gateway, version)
	go func() {
		if err := srv.Run(ctx); err != nil && err != context.Canceled {
			slog.Error("HTTP server stopped", "error", err)
		}
	}()

	// wait for an interrupt before exiting
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	<-signalChan

	slog.Info("Shutting down")

	// tell connected UIs before tearing the components down
	registry.Shutdown()
	cancel()
	time.Sleep(200 * time.Millisecond)

	slog.Info("Exiting")
}

func logLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
