package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/pvcharge/pvcharge/config"
	"github.com/pvcharge/pvcharge/e3dc"
	"github.com/pvcharge/pvcharge/invertercli"
	"github.com/pvcharge/pvcharge/sse"
	"github.com/pvcharge/pvcharge/store"
	"github.com/pvcharge/pvcharge/strategy"
	"github.com/pvcharge/pvcharge/telemetry"
	"github.com/pvcharge/pvcharge/wallbox"
)

// currentVerifyTimeout bounds the report 2 readback that confirms a current
// change reached the device.
const currentVerifyTimeout = 200 * time.Millisecond

// ChargingController is the strategy surface exposed over HTTP.
type ChargingController interface {
	Activate(ctx context.Context, target telemetry.Strategy) error
	Deactivate(ctx context.Context) error
}

// CommandExecutor runs console commands against the inverter CLI.
type CommandExecutor interface {
	ExecuteConsole(ctx context.Context, commandLine string) (string, error)
}

// Server is the HTTP surface for the UI and smarthome integrations.
type Server struct {
	config     config.Config
	store      store.Store
	controller ChargingController
	commander  strategy.Commander
	hub        *e3dc.Hub
	registry   *sse.Registry
	executor   CommandExecutor
	logger     *slog.Logger

	version   string
	startedAt time.Time
}

func New(cfg config.Config, s store.Store, controller ChargingController, commander strategy.Commander, hub *e3dc.Hub, registry *sse.Registry, executor CommandExecutor, version string) *Server {
	return &Server{
		config:     cfg,
		store:      s,
		controller: controller,
		commander:  commander,
		hub:        hub,
		registry:   registry,
		executor:   executor,
		logger:     slog.Default().With("component", "server"),
		version:    version,
		startedAt:  time.Now(),
	}
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.config.Port),
		Handler: s.Routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	s.logger.Info("HTTP server listening", "port", s.config.Port)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return ctx.Err()
}

// Routes builds the full handler tree. The health endpoint sits outside the
// authentication wrapper so load balancers can probe without credentials.
func (s *Server) Routes() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("/api/wallbox/status", s.handleWallboxStatus)
	api.HandleFunc("/api/wallbox/stream", s.registry.Handle)
	api.HandleFunc("/api/wallbox/start", s.handleWallboxStart)
	api.HandleFunc("/api/wallbox/stop", s.handleWallboxStop)
	api.HandleFunc("/api/wallbox/current", s.handleWallboxCurrent)
	api.HandleFunc("/api/settings", s.handleSettings)
	api.HandleFunc("/api/controls", s.handleControls)
	api.HandleFunc("/api/charging/strategy", s.handleChargingStrategy)
	api.HandleFunc("/api/charging/context", s.handleChargingContext)
	api.HandleFunc("/api/e3dc/live-data", s.handleLiveData)
	api.HandleFunc("/api/e3dc/execute-command", s.handleExecuteCommand)
	api.HandleFunc("/api/logs", s.handleLogs)
	api.HandleFunc("/api/logs/settings", s.handleLogSettings)

	root := http.NewServeMux()
	root.HandleFunc("/api/health", s.handleHealth)
	root.Handle("/", s.requireAPIKey(api))
	return root
}

// requireAPIKey checks the bearer token or X-API-Key header with a
// constant-time compare. With no key configured the API is open.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		provided := r.Header.Get("X-API-Key")
		if provided == "" {
			provided = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(provided), []byte(s.config.APIKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.version,
		"uptime":  humanize.Time(s.startedAt),
	})
}

func (s *Server) handleWallboxStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	settings, err := s.store.Settings()
	if err != nil {
		s.internalError(w, err)
		return
	}
	if settings.WallboxIP == "" {
		writeError(w, http.StatusBadRequest, "no wallbox IP configured")
		return
	}

	status, err := s.fetchStatus(r.Context(), settings.WallboxIP)
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleWallboxStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body struct {
		Strategy telemetry.Strategy `json:"strategy"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	target := body.Strategy
	if target == "" {
		settings, err := s.store.Settings()
		if err != nil {
			s.internalError(w, err)
			return
		}
		target = settings.ChargingStrategy.ActiveStrategy
		if target == telemetry.StrategyOff {
			target = telemetry.StrategyMaxWithBattery
		}
	}
	if !target.Valid() || target == telemetry.StrategyOff {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid strategy %q", target))
		return
	}

	// the activation includes device roundtrips; answer now, work on
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.controller.Activate(ctx, target); err != nil {
			s.logger.Warn("Background start failed", "strategy", target, "error", err)
		}
	}()
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Server) handleWallboxStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.controller.Deactivate(ctx); err != nil {
			s.logger.Warn("Background stop failed", "error", err)
		}
	}()
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Server) handleWallboxCurrent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body struct {
		Current float64 `json:"current"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Current < telemetry.MinCurrentAmpere || body.Current > telemetry.MaxCurrent1P {
		writeError(w, http.StatusBadRequest, "current must be between 6 and 32 ampere")
		return
	}

	settings, err := s.store.Settings()
	if err != nil {
		s.internalError(w, err)
		return
	}
	if settings.WallboxIP == "" {
		writeError(w, http.StatusBadRequest, "no wallbox IP configured")
		return
	}

	if _, err := s.commander.SendCommand(r.Context(), settings.WallboxIP, wallbox.CurrCommand(body.Current)); err != nil {
		s.internalError(w, err)
		return
	}

	// read back before claiming success
	verifyCtx, cancel := context.WithTimeout(r.Context(), currentVerifyTimeout)
	defer cancel()
	r2, err := s.commander.SendCommand(verifyCtx, settings.WallboxIP, wallbox.CommandReport2)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "the device did not acknowledge the new current")
		return
	}
	if maxCurr, ok := r2.Float("Max curr"); !ok || maxCurr != body.Current*1000 {
		writeError(w, http.StatusInternalServerError, "the device did not apply the new current")
		return
	}

	if _, err := s.store.UpdateChargingContext(func(cc *telemetry.ChargingContext) {
		if cc.IsActive {
			cc.CurrentAmpere = body.Current
			cc.TargetAmpere = body.Current
		}
	}); err != nil {
		s.logger.Error("Failed to persist charging context", "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		settings, err := s.store.Settings()
		if err != nil {
			s.internalError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, settings)

	case http.MethodPost:
		var settings config.Settings
		if err := decodeBody(r, &settings); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := settings.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := s.store.SaveSettings(settings); err != nil {
			s.internalError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, settings)

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleControls(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		state, err := s.store.ControlState()
		if err != nil {
			s.internalError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, state)

	case http.MethodPost:
		// nightCharging belongs to the scheduler and is deliberately absent
		var patch struct {
			PVSurplus    *bool `json:"pvSurplus"`
			BatteryLock  *bool `json:"batteryLock"`
			GridCharging *bool `json:"gridCharging"`
		}
		if err := decodeBody(r, &patch); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		state, err := s.store.UpdateControlState(func(cs *telemetry.ControlState) {
			if patch.PVSurplus != nil {
				cs.PVSurplus = *patch.PVSurplus
			}
			if patch.BatteryLock != nil {
				cs.BatteryLock = *patch.BatteryLock
			}
			if patch.GridCharging != nil {
				cs.GridCharging = *patch.GridCharging
			}
		})
		if err != nil {
			s.internalError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, state)

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleChargingStrategy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body struct {
		Strategy telemetry.Strategy `json:"strategy"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !body.Strategy.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid strategy %q", body.Strategy))
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		var err error
		if body.Strategy == telemetry.StrategyOff {
			err = s.controller.Deactivate(ctx)
		} else {
			err = s.controller.Activate(ctx, body.Strategy)
		}
		if err != nil {
			s.logger.Warn("Background strategy change failed", "strategy", body.Strategy, "error", err)
		}
	}()
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "strategy": body.Strategy})
}

func (s *Server) handleChargingContext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	chargingContext, err := s.store.ChargingContext()
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chargingContext)
}

func (s *Server) handleLiveData(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	settings, err := s.store.Settings()
	if err != nil {
		s.internalError(w, err)
		return
	}
	if settings.E3dcIP == "" && !settings.DemoMode {
		writeError(w, http.StatusBadRequest, "no inverter IP configured")
		return
	}

	live, ok := s.hub.Last()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "no live data yet")
		return
	}
	writeJSON(w, http.StatusOK, live)
}

func (s *Server) handleExecuteCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body struct {
		Command string `json:"command"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	output, err := s.executor.ExecuteConsole(r.Context(), body.Command)
	if err != nil {
		var cliErr *invertercli.CLIError
		switch {
		case errors.Is(err, invertercli.ErrNotConfigured):
			writeError(w, http.StatusBadRequest, "inverter CLI is not enabled")
		case errors.As(err, &cliErr):
			s.internalError(w, err)
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"output": output})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			limit, _ = strconv.Atoi(raw)
		}
		logs, err := s.store.Logs(limit)
		if err != nil {
			s.internalError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, logs)

	case http.MethodDelete:
		if err := s.store.ClearLogs(); err != nil {
			s.internalError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleLogSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		settings, err := s.store.LogSettings()
		if err != nil {
			s.internalError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, settings)

	case http.MethodPost:
		var settings store.LogSettings
		if err := decodeBody(r, &settings); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := s.store.SaveLogSettings(settings); err != nil {
			s.internalError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, settings)

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) fetchStatus(ctx context.Context, ip string) (telemetry.WallboxStatus, error) {
	r2, err := s.commander.SendCommand(ctx, ip, wallbox.CommandReport2)
	if err != nil {
		return telemetry.WallboxStatus{}, fmt.Errorf("report 2: %w", err)
	}
	r3, err := s.commander.SendCommand(ctx, ip, wallbox.CommandReport3)
	if err != nil {
		return telemetry.WallboxStatus{}, fmt.Errorf("report 3: %w", err)
	}
	return wallbox.StatusFromReports(r2, r3), nil
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.logger.Error("Request failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

// decodeBody parses a JSON body, rejecting unknown fields. An empty body is
// treated as an empty object.
func decodeBody(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
