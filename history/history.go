// Package history persists per-epoch training records in SQLite.
package history

import (
	"context"
	"database/sql"
	"math"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"transferflow/trainer"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	started_at TIMESTAMP NOT NULL,
	config     TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS epochs (
	run_id        INTEGER NOT NULL REFERENCES runs(id),
	epoch         INTEGER NOT NULL,
	loss          REAL,
	metric        REAL,
	val_loss      REAL,
	val_metric    REAL,
	metric_name   TEXT NOT NULL,
	learning_rate REAL,
	duration_ns   INTEGER NOT NULL,
	PRIMARY KEY (run_id, epoch)
);`

// Store is an append-only log of training runs
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrapf(err, "history: open %s", path)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "history: init %s", path)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Run is one training invocation
type Run struct {
	ID        int64
	StartedAt time.Time
	Config    string
}

// BeginRun records a new run with its rendered config and returns its id
func (s *Store) BeginRun(ctx context.Context, config string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO runs (started_at, config) VALUES (?, ?)`, time.Now().UTC(), config)
	if err != nil {
		return 0, errors.Wrap(err, "history: begin run")
	}
	return res.LastInsertId()
}

// nullable maps NaN to NULL; SQLite has no NaN
func nullable(v float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: v, Valid: !math.IsNaN(v)}
}

func orNaN(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}

// Append stores one epoch of run. NaN values are stored as NULL and read
// back as NaN.
func (s *Store) Append(ctx context.Context, run int64, r trainer.EpochRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO epochs
		(run_id, epoch, loss, metric, val_loss, val_metric, metric_name, learning_rate, duration_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run, r.Epoch, nullable(r.Loss), nullable(r.Metric), nullable(r.ValLoss), nullable(r.ValMetric),
		r.MetricName, nullable(r.LearningRate), int64(r.Duration))
	return errors.Wrapf(err, "history: append run %d epoch %d", run, r.Epoch)
}

// Records returns the epochs of run in order
func (s *Store) Records(ctx context.Context, run int64) ([]trainer.EpochRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT epoch, loss, metric, val_loss, val_metric, metric_name, learning_rate, duration_ns
		FROM epochs WHERE run_id = ? ORDER BY epoch`, run)
	if err != nil {
		return nil, errors.Wrap(err, "history: query")
	}
	defer rows.Close()

	var out []trainer.EpochRecord
	for rows.Next() {
		var r trainer.EpochRecord
		var loss, metric, valLoss, valMetric, lr sql.NullFloat64
		var ns int64
		if err := rows.Scan(&r.Epoch, &loss, &metric, &valLoss, &valMetric, &r.MetricName, &lr, &ns); err != nil {
			return nil, errors.Wrap(err, "history: scan")
		}
		r.Loss, r.Metric = orNaN(loss), orNaN(metric)
		r.ValLoss, r.ValMetric = orNaN(valLoss), orNaN(valMetric)
		r.LearningRate = orNaN(lr)
		r.Duration = time.Duration(ns)
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "history: rows")
}

// Runs lists every run, oldest first
func (s *Store) Runs(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, started_at, config FROM runs ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "history: query runs")
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.StartedAt, &r.Config); err != nil {
			return nil, errors.Wrap(err, "history: scan run")
		}
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "history: rows")
}
