// Package store persists cleaned observations, forecasts and evaluation
// results in SQLite.
package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/pvallen/gridcast/internal/models"
)

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open opens (creating if necessary) the SQLite database at path and applies
// pending migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA busy_timeout=5000")

	s := New(db)
	if err := s.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) UpsertSite(site models.Site) error {
	_, err := s.db.Exec(`
		INSERT INTO sites (site_id, name, kind, active)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(site_id) DO UPDATE SET
			name = excluded.name,
			kind = excluded.kind,
			active = excluded.active
	`, site.SiteID, site.Name, site.Kind, site.Active)
	return err
}

func (s *Store) GetActiveSites() ([]models.Site, error) {
	rows, err := s.db.Query(`SELECT site_id, name, kind, active FROM sites WHERE active = TRUE ORDER BY site_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sites []models.Site
	for rows.Next() {
		var site models.Site
		if err := rows.Scan(&site.SiteID, &site.Name, &site.Kind, &site.Active); err != nil {
			return nil, err
		}
		sites = append(sites, site)
	}
	return sites, rows.Err()
}

// InsertObservations writes a batch of cleaned records in one transaction.
// Re-running a pipeline over the same window is a no-op per existing row.
func (s *Store) InsertObservations(records []models.Record) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT INTO observations (site_id, observed_at, value, imputed, qc_flags)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(site_id, observed_at) DO NOTHING
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.Exec(r.SiteID, r.Timestamp, r.Value, r.Imputed, r.QCFlags); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert observation %s@%v: %w", r.SiteID, r.Timestamp, err)
		}
	}
	return tx.Commit()
}

func (s *Store) GetObservations(siteID string, start, end time.Time) ([]models.Record, error) {
	rows, err := s.db.Query(`
		SELECT id, site_id, observed_at, value, imputed, COALESCE(qc_flags, ''), created_at
		FROM observations
		WHERE site_id = ? AND observed_at >= ? AND observed_at < ?
		ORDER BY observed_at ASC
	`, siteID, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.Record
	for rows.Next() {
		var r models.Record
		if err := rows.Scan(&r.ID, &r.SiteID, &r.Timestamp, &r.Value, &r.Imputed, &r.QCFlags, &r.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// CreateRun records the start of a pipeline invocation and returns its id.
func (s *Store) CreateRun(model string, startedAt time.Time) (int64, error) {
	res, err := s.db.Exec(`INSERT INTO runs (started_at, model) VALUES (?, ?)`, startedAt, model)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) FinishRun(runID int64, sitesOK, sitesSkipped int, notes string) error {
	_, err := s.db.Exec(`
		UPDATE runs SET finished_at = ?, sites_ok = ?, sites_skipped = ?, notes = ?
		WHERE id = ?
	`, time.Now().UTC(), sitesOK, sitesSkipped, notes, runID)
	return err
}

func (s *Store) GetRun(runID int64) (*models.Run, error) {
	row := s.db.QueryRow(`
		SELECT id, started_at, finished_at, model, sites_ok, sites_skipped, COALESCE(notes, '')
		FROM runs WHERE id = ?
	`, runID)

	var r models.Run
	var finished sql.NullTime
	err := row.Scan(&r.ID, &r.StartedAt, &finished, &r.Model, &r.SitesOK, &r.SitesSkipped, &r.Notes)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.FinishedAt = r.StartedAt
	if finished.Valid {
		r.FinishedAt = finished.Time
	}
	return &r, nil
}

func (s *Store) InsertForecasts(forecasts []models.Forecast) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT INTO forecasts (run_id, site_id, valid_at, value, model)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id, site_id, valid_at) DO NOTHING
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, f := range forecasts {
		if _, err := stmt.Exec(f.RunID, f.SiteID, f.ValidAt, f.Value, f.Model); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert forecast %s@%v: %w", f.SiteID, f.ValidAt, err)
		}
	}
	return tx.Commit()
}

func (s *Store) GetForecasts(runID int64, siteID string) ([]models.Forecast, error) {
	rows, err := s.db.Query(`
		SELECT id, run_id, site_id, valid_at, value, model
		FROM forecasts
		WHERE run_id = ? AND site_id = ?
		ORDER BY valid_at ASC
	`, runID, siteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var forecasts []models.Forecast
	for rows.Next() {
		var f models.Forecast
		if err := rows.Scan(&f.ID, &f.RunID, &f.SiteID, &f.ValidAt, &f.Value, &f.Model); err != nil {
			return nil, err
		}
		forecasts = append(forecasts, f)
	}
	return forecasts, rows.Err()
}

func (s *Store) InsertEvaluation(e models.Evaluation) error {
	_, err := s.db.Exec(`
		INSERT INTO evaluations (run_id, site_id, model, mase, mae, samples)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, site_id, model) DO UPDATE SET
			mase = excluded.mase,
			mae = excluded.mae,
			samples = excluded.samples
	`, e.RunID, e.SiteID, e.Model, e.MASE, e.MAE, e.Samples)
	return err
}

// GetEvaluationStats aggregates evaluations per model across all runs. This
// is the comparison that settled the naive-vs-LSTM decision.
func (s *Store) GetEvaluationStats() ([]models.EvaluationStats, error) {
	rows, err := s.db.Query(`
		SELECT model, COUNT(*), AVG(mase), AVG(mae)
		FROM evaluations
		GROUP BY model
		ORDER BY model
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []models.EvaluationStats
	for rows.Next() {
		var st models.EvaluationStats
		if err := rows.Scan(&st.Model, &st.Count, &st.AvgMASE, &st.AvgMAE); err != nil {
			return nil, err
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

func (s *Store) GetEvaluations(runID int64) ([]models.Evaluation, error) {
	rows, err := s.db.Query(`
		SELECT id, run_id, site_id, model, mase, mae, samples
		FROM evaluations
		WHERE run_id = ?
		ORDER BY site_id, model
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var evals []models.Evaluation
	for rows.Next() {
		var e models.Evaluation
		if err := rows.Scan(&e.ID, &e.RunID, &e.SiteID, &e.Model, &e.MASE, &e.MAE, &e.Samples); err != nil {
			return nil, err
		}
		evals = append(evals, e)
	}
	return evals, rows.Err()
}
