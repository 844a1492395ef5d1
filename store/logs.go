package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// LogLevel is the severity of a log entry.
type LogLevel string

const (
	LevelTrace   LogLevel = "trace"
	LevelDebug   LogLevel = "debug"
	LevelInfo    LogLevel = "info"
	LevelWarning LogLevel = "warning"
	LevelError   LogLevel = "error"
)

// LogCategory groups log entries by the subsystem that produced them.
type LogCategory string

const (
	CategoryWallbox       LogCategory = "wallbox"
	CategoryE3dc          LogCategory = "e3dc"
	CategoryStrategy      LogCategory = "strategy"
	CategoryNightCharging LogCategory = "nightCharging"
	CategoryCli           LogCategory = "cli"
	CategorySystem        LogCategory = "system"
)

// maxLogEntries caps the log table; the oldest entries are dropped first.
const maxLogEntries = 1000

// LogSettings controls what the UI log records.
type LogSettings struct {
	MinLevel          LogLevel      `json:"minLevel"`
	EnabledCategories []LogCategory `json:"enabledCategories,omitempty"` // empty = all
}

// DefaultLogSettings records info and above across all categories.
func DefaultLogSettings() LogSettings {
	return LogSettings{MinLevel: LevelInfo}
}

// LogEntry is one user-visible log line, kept in a capped table for the UI.
type LogEntry struct {
	ID       uuid.UUID   `json:"id"`
	Time     time.Time   `json:"timestamp"`
	Level    LogLevel    `json:"level"`
	Category LogCategory `json:"category"`
	Message  string      `json:"message"`
	Details  string      `json:"details,omitempty"`
}

// storedLogEntry is the database row for a LogEntry.
type storedLogEntry struct {
	ID       string `gorm:"primaryKey"`
	Time     time.Time
	Level    string
	Category string
	Message  string
	Details  string
}

func (s *SqliteStore) AddLog(entry LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.Time.IsZero() {
		entry.Time = time.Now()
	}

	result := s.db.Create(&storedLogEntry{
		ID:       entry.ID.String(),
		Time:     entry.Time,
		Level:    string(entry.Level),
		Category: string(entry.Category),
		Message:  entry.Message,
		Details:  entry.Details,
	})
	if result.Error != nil {
		return fmt.Errorf("insert log entry: %w", result.Error)
	}

	// enforce the ring buffer cap
	var count int64
	if err := s.db.Model(&storedLogEntry{}).Count(&count).Error; err != nil {
		return fmt.Errorf("count log entries: %w", err)
	}
	if count > maxLogEntries {
		var oldest []storedLogEntry
		err := s.db.Order("time asc").Limit(int(count - maxLogEntries)).Find(&oldest).Error
		if err != nil {
			return fmt.Errorf("find oldest log entries: %w", err)
		}
		if err := s.db.Delete(&oldest).Error; err != nil {
			return fmt.Errorf("trim log entries: %w", err)
		}
	}

	return nil
}

func (s *SqliteStore) Logs(limit int) ([]LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 || limit > maxLogEntries {
		limit = maxLogEntries
	}

	var rows []storedLogEntry
	result := s.db.Order("time desc").Limit(limit).Find(&rows)
	if result.Error != nil {
		return nil, fmt.Errorf("query log entries: %w", result.Error)
	}

	entries := make([]LogEntry, 0, len(rows))
	for _, row := range rows {
		id, err := uuid.Parse(row.ID)
		if err != nil {
			id = uuid.Nil
		}
		entries = append(entries, LogEntry{
			ID:       id,
			Time:     row.Time,
			Level:    LogLevel(row.Level),
			Category: LogCategory(row.Category),
			Message:  row.Message,
			Details:  row.Details,
		})
	}
	return entries, nil
}

func (s *SqliteStore) LogSettings() (LogSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	settings := DefaultLogSettings()
	err := s.readDocument(docLogSettings, &settings)
	return settings, err
}

func (s *SqliteStore) SaveLogSettings(settings LogSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeDocument(docLogSettings, settings)
}

func (s *SqliteStore) ClearLogs() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := s.db.Where("1 = 1").Delete(&storedLogEntry{})
	if result.Error != nil {
		return fmt.Errorf("clear log entries: %w", result.Error)
	}
	return nil
}
