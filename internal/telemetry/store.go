package telemetry

import (
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oliya09/CubeSat-1u/internal/protocol"
)

//go:embed sql/insert-sample.sql
var insertSampleSQL string

//go:embed sql/get-latest-sample.sql
var getLatestSampleSQL string

//go:embed sql/get-range.sql
var getRangeSQL string

//go:embed sql/export-range.sql
var exportRangeSQL string

//go:embed sql/delete-before.sql
var deleteBeforeSQL string

//go:embed sql/count-samples.sql
var countSamplesSQL string

//go:embed sql/insert-event.sql
var insertEventSQL string

//go:embed sql/get-recent-events.sql
var getRecentEventsSQL string

//go:embed sql/clear-events.sql
var clearEventsSQL string

// Event is one row of the onboard event log (worker faults, mode changes,
// cleanup actions). Downlinked on request as a JSON file.
type Event struct {
	Time    time.Time `json:"timestamp"`
	Level   string    `json:"level"`
	Source  string    `json:"source"`
	Message string    `json:"message"`
}

// Store persists telemetry samples and the onboard event log.
//
// All mutation goes through the single pooled sqlite connection, so writes
// are serialized; the latest-value cache is guarded separately so readers
// never touch the database for the current sample.
type Store interface {
	// Save appends the sample and makes it the latest value. Last write wins.
	Save(s *protocol.TelemetrySample) error
	// Latest returns the most recent sample, or false when none was ever saved.
	Latest() (protocol.TelemetrySample, bool)
	// Range returns samples with from <= timestamp <= to, newest first,
	// bounded by limit.
	Range(from, to time.Time, limit int) ([]protocol.TelemetrySample, error)
	// Cleanup deletes samples older than retentionDays and returns how many
	// rows went. Running it again with no intervening writes removes nothing.
	Cleanup(retentionDays int) (int64, error)
	// Export renders every sample in the window as a JSON array, oldest first.
	Export(from, to time.Time) ([]byte, error)
	// Count returns the number of persisted samples.
	Count() (int64, error)

	LogEvent(level, source, message string) error
	RecentEvents(limit int) ([]Event, error)
	ClearEvents() (int64, error)
}

type storeImpl struct {
	db *sql.DB

	mu     sync.RWMutex
	latest *protocol.TelemetrySample
}

// NewStore wraps an open, migrated database. The latest-value cache is
// warmed from the newest persisted row so a reboot does not lose it.
func NewStore(db *sql.DB) (Store, error) {
	s := &storeImpl{db: db}
	latest, err := s.queryLatest()
	if err != nil {
		return nil, fmt.Errorf("warm latest cache: %w", err)
	}
	s.latest = latest
	return s, nil
}

func (s *storeImpl) Save(sample *protocol.TelemetrySample) error {
	_, err := s.db.Exec(insertSampleSQL,
		sample.Timestamp.UTC().Format(time.RFC3339Nano),
		sample.Sequence,
		sample.MissionTime,
		sample.MagX, sample.MagY, sample.MagZ,
		sample.CorrosionRaw, sample.RadiationCPS,
		sample.TemperatureBME, sample.Pressure, sample.Humidity, sample.TemperatureTMP,
		sample.Latitude, sample.Longitude, sample.Altitude,
		sample.BatteryVoltage, sample.BatteryCurrent,
		sample.State, sample.ErrorFlags, sample.Uptime,
	)
	if err != nil {
		return fmt.Errorf("insert sample: %w", err)
	}

	cp := *sample
	s.mu.Lock()
	s.latest = &cp
	s.mu.Unlock()
	return nil
}

func (s *storeImpl) Latest() (protocol.TelemetrySample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == nil {
		return protocol.TelemetrySample{}, false
	}
	return *s.latest, true
}

func (s *storeImpl) Range(from, to time.Time, limit int) ([]protocol.TelemetrySample, error) {
	rows, err := s.db.Query(getRangeSQL,
		from.UTC().Format(time.RFC3339Nano),
		to.UTC().Format(time.RFC3339Nano),
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("close telemetry rows", "error", err)
		}
	}()
	return scanSamples(rows)
}

func (s *storeImpl) Cleanup(retentionDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	res, err := s.db.Exec(deleteBeforeSQL, cutoff.Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("delete expired samples: %w", err)
	}
	return res.RowsAffected()
}

func (s *storeImpl) Export(from, to time.Time) ([]byte, error) {
	rows, err := s.db.Query(exportRangeSQL,
		from.UTC().Format(time.RFC3339Nano),
		to.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("close export rows", "error", err)
		}
	}()

	samples, err := scanSamples(rows)
	if err != nil {
		return nil, err
	}
	if samples == nil {
		samples = []protocol.TelemetrySample{}
	}
	return json.Marshal(samples)
}

func (s *storeImpl) Count() (int64, error) {
	var n int64
	err := s.db.QueryRow(countSamplesSQL).Scan(&n)
	return n, err
}

func (s *storeImpl) LogEvent(level, source, message string) error {
	_, err := s.db.Exec(insertEventSQL,
		time.Now().UTC().Format(time.RFC3339Nano), level, source, message)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *storeImpl) RecentEvents(limit int) ([]Event, error) {
	rows, err := s.db.Query(getRecentEventsSQL, limit)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("close event rows", "error", err)
		}
	}()

	var out []Event
	for rows.Next() {
		var e Event
		var ts string
		if err := rows.Scan(&ts, &e.Level, &e.Source, &e.Message); err != nil {
			return nil, err
		}
		t, err := parseTimestamp(ts)
		if err != nil {
			return nil, err
		}
		e.Time = t
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *storeImpl) ClearEvents() (int64, error) {
	res, err := s.db.Exec(clearEventsSQL)
	if err != nil {
		return 0, fmt.Errorf("clear events: %w", err)
	}
	return res.RowsAffected()
}

func (s *storeImpl) queryLatest() (*protocol.TelemetrySample, error) {
	rows, err := s.db.Query(getLatestSampleSQL)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("close latest rows", "error", err)
		}
	}()

	samples, err := scanSamples(rows)
	if err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, nil
	}
	return &samples[0], nil
}

func scanSamples(rows *sql.Rows) ([]protocol.TelemetrySample, error) {
	var out []protocol.TelemetrySample
	for rows.Next() {
		var rec protocol.TelemetrySample
		var ts string
		if err := rows.Scan(
			&ts,
			&rec.Sequence,
			&rec.MissionTime,
			&rec.MagX, &rec.MagY, &rec.MagZ,
			&rec.CorrosionRaw, &rec.RadiationCPS,
			&rec.TemperatureBME, &rec.Pressure, &rec.Humidity, &rec.TemperatureTMP,
			&rec.Latitude, &rec.Longitude, &rec.Altitude,
			&rec.BatteryVoltage, &rec.BatteryCurrent,
			&rec.State, &rec.ErrorFlags, &rec.Uptime,
		); err != nil {
			return nil, err
		}
		t, err := parseTimestamp(ts)
		if err != nil {
			return nil, err
		}
		rec.Timestamp = t
		out = append(out, rec)
	}
	return out, rows.Err()
}

func parseTimestamp(ts string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		var err2 error
		t, err2 = time.Parse(time.RFC3339, ts)
		if err2 != nil {
			return time.Time{}, fmt.Errorf("parse timestamp %q: RFC3339Nano: %w; RFC3339: %w", ts, err, err2)
		}
	}
	return t, nil
}
