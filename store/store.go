package store

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/pvcharge/pvcharge/config"
	"github.com/pvcharge/pvcharge/telemetry"
)

// Store is the persistence contract consumed by the controller, the schedulers
// and the HTTP surface. Mutations are atomic per call.
type Store interface {
	Settings() (config.Settings, error)
	SaveSettings(config.Settings) error
	UpdateSettings(func(*config.Settings)) (config.Settings, error)

	ControlState() (telemetry.ControlState, error)
	UpdateControlState(func(*telemetry.ControlState)) (telemetry.ControlState, error)

	ChargingContext() (telemetry.ChargingContext, error)
	UpdateChargingContext(func(*telemetry.ChargingContext)) (telemetry.ChargingContext, error)

	PlugTracking() (telemetry.PlugTracking, error)
	SavePlugTracking(telemetry.PlugTracking) error

	AddLog(entry LogEntry) error
	Logs(limit int) ([]LogEntry, error)
	ClearLogs() error
	LogSettings() (LogSettings, error)
	SaveLogSettings(LogSettings) error

	Close() error
}

// document names used in the documents table
const (
	docSettings        = "settings"
	docControlState    = "controlState"
	docChargingContext = "chargingContext"
	docPlugTracking    = "plugTracking"
	docLogSettings     = "logSettings"
)

// storedDocument persists a JSON-encoded record keyed by name. The settings
// and runtime state records are small and always written whole, which keeps
// each mutation a single row update.
type storedDocument struct {
	Name      string `gorm:"primaryKey"`
	Data      []byte
	UpdatedAt time.Time
}

// SqliteStore implements Store on a local SQLite database.
type SqliteStore struct {
	db *gorm.DB

	// mu serialises read-modify-write cycles across goroutines; SQLite
	// serialises individual statements but not our update closures.
	mu sync.Mutex
}

func Open(path string) (*SqliteStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = db.AutoMigrate(&storedDocument{}, &storedLogEntry{})
	if err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return &SqliteStore{db: db}, nil
}

func (s *SqliteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// readDocument unmarshals the named document into out. A missing row leaves
// out untouched so callers can pre-fill defaults.
func (s *SqliteStore) readDocument(name string, out interface{}) error {
	var doc storedDocument
	result := s.db.First(&doc, "name = ?", name)
	if result.Error == gorm.ErrRecordNotFound {
		return nil
	}
	if result.Error != nil {
		return fmt.Errorf("read document '%s': %w", name, result.Error)
	}
	if err := json.Unmarshal(doc.Data, out); err != nil {
		return fmt.Errorf("unmarshal document '%s': %w", name, err)
	}
	return nil
}

func (s *SqliteStore) writeDocument(name string, val interface{}) error {
	data, err := json.Marshal(val)
	if err != nil {
		return fmt.Errorf("marshal document '%s': %w", name, err)
	}
	result := s.db.Save(&storedDocument{Name: name, Data: data, UpdatedAt: time.Now()})
	if result.Error != nil {
		return fmt.Errorf("write document '%s': %w", name, result.Error)
	}
	return nil
}

func (s *SqliteStore) Settings() (config.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settingsLocked()
}

func (s *SqliteStore) settingsLocked() (config.Settings, error) {
	settings := config.DefaultSettings()
	err := s.readDocument(docSettings, &settings)
	return settings, err
}

func (s *SqliteStore) SaveSettings(settings config.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeDocument(docSettings, settings)
}

func (s *SqliteStore) UpdateSettings(mutate func(*config.Settings)) (config.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	settings, err := s.settingsLocked()
	if err != nil {
		return config.Settings{}, err
	}
	mutate(&settings)
	if err := s.writeDocument(docSettings, settings); err != nil {
		return config.Settings{}, err
	}
	return settings, nil
}

func (s *SqliteStore) ControlState() (telemetry.ControlState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var state telemetry.ControlState
	err := s.readDocument(docControlState, &state)
	return state, err
}

func (s *SqliteStore) UpdateControlState(mutate func(*telemetry.ControlState)) (telemetry.ControlState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var state telemetry.ControlState
	if err := s.readDocument(docControlState, &state); err != nil {
		return telemetry.ControlState{}, err
	}
	mutate(&state)
	if err := s.writeDocument(docControlState, state); err != nil {
		return telemetry.ControlState{}, err
	}
	return state, nil
}

func (s *SqliteStore) ChargingContext() (telemetry.ChargingContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	context := telemetry.ChargingContext{Strategy: telemetry.StrategyOff, CurrentPhases: 1}
	err := s.readDocument(docChargingContext, &context)
	return context, err
}

func (s *SqliteStore) UpdateChargingContext(mutate func(*telemetry.ChargingContext)) (telemetry.ChargingContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	context := telemetry.ChargingContext{Strategy: telemetry.StrategyOff, CurrentPhases: 1}
	if err := s.readDocument(docChargingContext, &context); err != nil {
		return telemetry.ChargingContext{}, err
	}
	mutate(&context)
	if err := s.writeDocument(docChargingContext, context); err != nil {
		return telemetry.ChargingContext{}, err
	}
	return context, nil
}

func (s *SqliteStore) PlugTracking() (telemetry.PlugTracking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var tracking telemetry.PlugTracking
	err := s.readDocument(docPlugTracking, &tracking)
	return tracking, err
}

func (s *SqliteStore) SavePlugTracking(tracking telemetry.PlugTracking) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeDocument(docPlugTracking, tracking)
}
