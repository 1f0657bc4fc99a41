package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"eg4-assistant/internal/reading"
)

// Database is the typed store. Timestamps are written in UTC so range
// queries compare correctly.
type Database struct {
	db   *gorm.DB
	path string
}

func NewDatabase(path string) (*Database, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database dir: %w", err)
		}
	}

	dsn := path + "?_busy_timeout=5000&_journal_mode=WAL"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&InverterReading{}, &UtilityRecord{}, &EventRecord{}, &SolarReading{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Database{db: db, path: path}, nil
}

func (d *Database) PutInverterSample(s *reading.InverterSample) (uint, error) {
	row := &InverterReading{
		Timestamp:      s.Timestamp.UTC(),
		BatterySOC:     s.Battery.SOC,
		BatteryPower:   s.Battery.Power,
		BatteryVoltage: s.Battery.Voltage,
		PVTotalPower:   s.PV.TotalPower,
		PV1Power:       s.PV.Strings[0].Power,
		PV1Voltage:     s.PV.Strings[0].Voltage,
		PV2Power:       s.PV.Strings[1].Power,
		PV2Voltage:     s.PV.Strings[1].Voltage,
		PV3Power:       s.PV.Strings[2].Power,
		PV3Voltage:     s.PV.Strings[2].Voltage,
		GridPower:      s.Grid.Power,
		GridVoltage:    s.Grid.Voltage,
		LoadPower:      s.Load.Power,
	}
	if err := d.db.Create(row).Error; err != nil {
		return 0, fmt.Errorf("failed to save inverter sample: %w", err)
	}
	return row.ID, nil
}

func (r *InverterReading) Sample() *reading.InverterSample {
	return &reading.InverterSample{
		ID:        r.ID,
		Timestamp: r.Timestamp,
		Battery:   reading.Battery{SOC: r.BatterySOC, Power: r.BatteryPower, Voltage: r.BatteryVoltage},
		PV: reading.PV{
			TotalPower: r.PVTotalPower,
			Strings: [reading.PVStringCount]reading.PVString{
				{Power: r.PV1Power, Voltage: r.PV1Voltage},
				{Power: r.PV2Power, Voltage: r.PV2Voltage},
				{Power: r.PV3Power, Voltage: r.PV3Voltage},
			},
		},
		Grid:  reading.Grid{Power: r.GridPower, Voltage: r.GridVoltage},
		Load:  reading.Load{Power: r.LoadPower},
		Valid: true,
	}
}

// LatestInverterSample returns nil when nothing has been stored.
func (d *Database) LatestInverterSample() (*reading.InverterSample, error) {
	var row InverterReading
	err := d.db.Order("timestamp desc").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest inverter sample: %w", err)
	}
	return row.Sample(), nil
}

// InverterSamplesSince returns samples at or after since, oldest first.
func (d *Database) InverterSamplesSince(since time.Time) ([]*reading.InverterSample, error) {
	var rows []InverterReading
	err := d.db.Where("timestamp >= ?", since.UTC()).
		Order("timestamp asc").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load inverter samples: %w", err)
	}
	out := make([]*reading.InverterSample, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].Sample())
	}
	return out, nil
}

// PutUtilityDaily upserts the demand row with the peak and one row per
// known CSV file. An empty path never replaces a stored one.
func (d *Database) PutUtilityDaily(u *reading.UtilityDaily) error {
	fetched := u.FetchedAt.UTC()
	err := d.db.Transaction(func(tx *gorm.DB) error {
		demand := UtilityRecord{
			Date:         u.Date,
			ChartKind:    string(reading.ChartDemand),
			PeakDemandKW: u.PeakDemandKW,
			CSVPath:      u.CSVPaths[reading.ChartDemand],
			FetchedAt:    fetched,
		}
		updates := []string{"peak_demand_kw", "fetched_at", "updated_at"}
		if demand.CSVPath != "" {
			updates = append(updates, "csv_path")
		}
		if err := upsertUtility(tx, &demand, updates); err != nil {
			return err
		}
		for kind, path := range u.CSVPaths {
			if kind == reading.ChartDemand || path == "" {
				continue
			}
			if err := upsertCSV(tx, u.Date, kind, path, fetched); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save utility daily: %w", err)
	}
	return nil
}

// PutUtilityCSV records a downloaded chart file without touching the peak.
func (d *Database) PutUtilityCSV(date string, kind reading.ChartKind, path string, fetchedAt time.Time) error {
	if err := upsertCSV(d.db, date, kind, path, fetchedAt.UTC()); err != nil {
		return fmt.Errorf("failed to save utility csv: %w", err)
	}
	return nil
}

func upsertCSV(tx *gorm.DB, date string, kind reading.ChartKind, path string, fetched time.Time) error {
	row := UtilityRecord{Date: date, ChartKind: string(kind), CSVPath: path, FetchedAt: fetched}
	return upsertUtility(tx, &row, []string{"csv_path", "fetched_at", "updated_at"})
}

func upsertUtility(tx *gorm.DB, row *UtilityRecord, updates []string) error {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "date"}, {Name: "chart_kind"}},
		DoUpdates: clause.AssignmentColumns(updates),
	}).Create(row).Error
}

// LatestUtilityDaily folds the rows of the most recent date into one
// record. It returns nil when the table is empty.
func (d *Database) LatestUtilityDaily() (*reading.UtilityDaily, error) {
	var latest UtilityRecord
	err := d.db.Order("date desc").First(&latest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest utility daily: %w", err)
	}
	return d.UtilityDailyFor(latest.Date)
}

// UtilityDailyFor returns the record for date, or nil if none exists.
func (d *Database) UtilityDailyFor(date string) (*reading.UtilityDaily, error) {
	var rows []UtilityRecord
	if err := d.db.Where("date = ?", date).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load utility daily: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	u := &reading.UtilityDaily{Date: date, CSVPaths: make(map[reading.ChartKind]string)}
	for _, r := range rows {
		if r.ChartKind == string(reading.ChartDemand) {
			u.PeakDemandKW = r.PeakDemandKW
		}
		if r.CSVPath != "" {
			u.CSVPaths[reading.ChartKind(r.ChartKind)] = r.CSVPath
		}
		if r.FetchedAt.After(u.FetchedAt) {
			u.FetchedAt = r.FetchedAt
		}
	}
	return u, nil
}

func (d *Database) PutEvent(e *reading.Event) error {
	var ctx string
	if len(e.Context) > 0 {
		raw, err := json.Marshal(e.Context)
		if err != nil {
			return fmt.Errorf("failed to encode event context: %w", err)
		}
		ctx = string(raw)
	}
	row := &EventRecord{
		Timestamp: e.Timestamp.UTC(),
		Kind:      string(e.Kind),
		Severity:  string(e.Severity),
		Message:   e.Message,
		Portal:    string(e.Portal),
		Context:   ctx,
	}
	if err := d.db.Create(row).Error; err != nil {
		return fmt.Errorf("failed to save event: %w", err)
	}
	e.ID = row.ID
	return nil
}

// RecentEvents returns events at or after since, newest first.
func (d *Database) RecentEvents(since time.Time) ([]*reading.Event, error) {
	var rows []EventRecord
	err := d.db.Where("timestamp >= ?", since.UTC()).
		Order("timestamp desc").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}
	out := make([]*reading.Event, 0, len(rows))
	for _, r := range rows {
		e := &reading.Event{
			ID:        r.ID,
			Timestamp: r.Timestamp,
			Kind:      reading.EventKind(r.Kind),
			Severity:  reading.Severity(r.Severity),
			Message:   r.Message,
			Portal:    reading.Portal(r.Portal),
		}
		if r.Context != "" {
			if err := json.Unmarshal([]byte(r.Context), &e.Context); err != nil {
				// keep the row readable and hand back what was stored
				e.Context = map[string]any{"raw": r.Context, "decode_error": err.Error()}
			}
		}
		out = append(out, e)
	}
	return out, nil
}

func (d *Database) PutSolarSummary(s *reading.SolarSummary) error {
	row := &SolarReading{
		Timestamp:      s.Timestamp.UTC(),
		TodayKWh:       s.TodayKWh,
		PeakPowerKW:    s.PeakPowerKW,
		PeakPowerTime:  s.PeakPowerTime,
		LatestPowerW:   s.LatestPowerW,
		LatestTime:     s.LatestTime,
		Last7DaysKWh:   s.Last7DaysKWh,
		MonthToDateKWh: s.MonthToDateKWh,
		LifetimeMWh:    s.LifetimeMWh,
		ACVoltageV:     s.ACVoltageV,
	}
	if err := d.db.Create(row).Error; err != nil {
		return fmt.Errorf("failed to save solar summary: %w", err)
	}
	return nil
}

func (d *Database) LatestSolarSummary() (*reading.SolarSummary, error) {
	var r SolarReading
	err := d.db.Order("timestamp desc").First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest solar summary: %w", err)
	}
	return &reading.SolarSummary{
		Timestamp:      r.Timestamp,
		TodayKWh:       r.TodayKWh,
		PeakPowerKW:    r.PeakPowerKW,
		PeakPowerTime:  r.PeakPowerTime,
		LatestPowerW:   r.LatestPowerW,
		LatestTime:     r.LatestTime,
		Last7DaysKWh:   r.Last7DaysKWh,
		MonthToDateKWh: r.MonthToDateKWh,
		LifetimeMWh:    r.LifetimeMWh,
		ACVoltageV:     r.ACVoltageV,
		Valid:          true,
	}, nil
}

func (d *Database) Stats() (*Stats, error) {
	var stats Stats
	counts := []struct {
		model any
		dst   *int64
	}{
		{&InverterReading{}, &stats.InverterReadings},
		{&UtilityRecord{}, &stats.UtilityRecords},
		{&EventRecord{}, &stats.Events},
		{&SolarReading{}, &stats.SolarReadings},
	}
	for _, c := range counts {
		if err := d.db.Model(c.model).Count(c.dst).Error; err != nil {
			return nil, fmt.Errorf("failed to count rows: %w", err)
		}
	}

	var oldest, newest InverterReading
	if err := d.db.Order("timestamp asc").First(&oldest).Error; err == nil {
		stats.Oldest = &oldest.Timestamp
	}
	if err := d.db.Order("timestamp desc").First(&newest).Error; err == nil {
		stats.Newest = &newest.Timestamp
	}

	for _, p := range []string{d.path, d.path + "-wal"} {
		if fi, err := os.Stat(p); err == nil {
			stats.SizeBytes += fi.Size()
		}
	}
	return &stats, nil
}

// Sweep hard-deletes everything older than the policy allows.
func (d *Database) Sweep(now time.Time, policy RetentionPolicy) (SweepResult, error) {
	var res SweepResult
	now = now.UTC()

	del := func(dst *int64, model any, query string, args ...any) error {
		tx := d.db.Unscoped().Where(query, args...).Delete(model)
		if tx.Error != nil {
			return tx.Error
		}
		*dst = tx.RowsAffected
		return nil
	}

	alertKinds := []string{
		string(reading.EventBatteryLow),
		string(reading.EventPeakDemandHigh),
		string(reading.EventGridImportHigh),
	}
	steps := []func() error{
		func() error {
			return del(&res.InverterSamples, &InverterReading{}, "timestamp < ?", now.Add(-policy.InverterSamples))
		},
		func() error {
			return del(&res.SolarReadings, &SolarReading{}, "timestamp < ?", now.Add(-policy.InverterSamples))
		},
		func() error {
			return del(&res.InfoEvents, &EventRecord{}, "kind = ? AND timestamp < ?",
				string(reading.EventInfo), now.Add(-policy.InfoEvents))
		},
		func() error {
			return del(&res.ErrorEvents, &EventRecord{}, "kind = ? AND timestamp < ?",
				string(reading.EventError), now.Add(-policy.ErrorEvents))
		},
		func() error {
			return del(&res.AlertEvents, &EventRecord{}, "kind IN ? AND timestamp < ?",
				alertKinds, now.Add(-policy.AlertEvents))
		},
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return res, fmt.Errorf("failed to sweep: %w", err)
		}
	}
	return res, nil
}

func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
