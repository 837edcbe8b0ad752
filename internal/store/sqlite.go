package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/gridbill/invoice-pipeline/internal/learning"
	"github.com/gridbill/invoice-pipeline/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	document_ref TEXT NOT NULL,
	unit_id      TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'received',
	disposition  TEXT,
	record_id    TEXT,
	score        REAL NOT NULL DEFAULT 0,
	confidence   REAL NOT NULL DEFAULT 0,
	error        TEXT,
	stages       TEXT,
	created_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS records (
	id              TEXT PRIMARY KEY,
	document_ref    TEXT NOT NULL,
	unit_id         TEXT NOT NULL,
	idempotency_key TEXT NOT NULL UNIQUE,
	payload         TEXT NOT NULL,
	created_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS validation_results (
	run_id     TEXT PRIMARY KEY REFERENCES runs(id),
	record_id  TEXT NOT NULL,
	results    TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS audit_events (
	id     TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	type   TEXT NOT NULL,
	actor  TEXT,
	detail TEXT,
	at     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS field_history (
	id          TEXT PRIMARY KEY,
	unit_id     TEXT NOT NULL,
	field_key   TEXT NOT NULL,
	value       REAL NOT NULL,
	recorded_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS learning_samples (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL,
	payload    TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_unit ON runs(unit_id);
CREATE INDEX IF NOT EXISTS idx_audit_events_run_id ON audit_events(run_id);
CREATE INDEX IF NOT EXISTS idx_field_history_unit_key ON field_history(unit_id, field_key, recorded_at);
CREATE INDEX IF NOT EXISTS idx_learning_samples_created ON learning_samples(created_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Runs

func (s *SQLiteStore) CreateRun(ctx context.Context, run *model.PipelineRun) error {
	stages, err := json.Marshal(run.Stages)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal stages")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, document_ref, unit_id, status, score, confidence, stages, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.DocumentRef, run.UnitID, string(run.Status),
		run.Score, run.Confidence, string(stages), run.CreatedAt, run.UpdatedAt,
	)
	return eris.Wrap(err, "sqlite: create run")
}

func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: update run status")
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) FinishRun(ctx context.Context, run *model.PipelineRun) error {
	stages, err := json.Marshal(run.Stages)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal stages")
	}
	run.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, disposition = ?, record_id = ?, score = ?, confidence = ?, error = ?, stages = ?, updated_at = ?
		 WHERE id = ?`,
		string(run.Status), string(run.Disposition), run.RecordID,
		run.Score, run.Confidence, run.Error, string(stages), run.UpdatedAt, run.ID,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: finish run")
	}
	return checkRowsAffected(res, "run", run.ID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.PipelineRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, document_ref, unit_id, status, disposition, record_id, score, confidence, error, stages, created_at, updated_at
		 FROM runs WHERE id = ?`, runID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get run")
	}
	return run, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.PipelineRun, error) {
	query := `SELECT id, document_ref, unit_id, status, disposition, record_id, score, confidence, error, stages, created_at, updated_at FROM runs WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.UnitID != "" {
		query += ` AND unit_id = ?`
		args = append(args, filter.UnitID)
	}
	query += ` ORDER BY created_at DESC`
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var out []model.PipelineRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		out = append(out, *run)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list runs rows")
}

// Records

func (s *SQLiteStore) SaveRecord(ctx context.Context, rec *model.InvoiceRecord, idempotencyKey string) (string, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return "", eris.Wrap(err, "sqlite: marshal record")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO records (id, document_ref, unit_id, idempotency_key, payload)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(idempotency_key) DO NOTHING`,
		rec.ID, rec.DocumentRef, rec.UnitID, idempotencyKey, string(payload),
	)
	if err != nil {
		return "", eris.Wrap(err, "sqlite: save record")
	}
	// Read back the winning row so a duplicate save returns the first ID.
	var id string
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM records WHERE idempotency_key = ?`, idempotencyKey,
	).Scan(&id)
	if err != nil {
		return "", eris.Wrap(err, "sqlite: read back record id")
	}
	return id, nil
}

func (s *SQLiteStore) GetRecord(ctx context.Context, recordID string) (*model.InvoiceRecord, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM records WHERE id = ?`, recordID,
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "record %s", recordID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get record")
	}
	var rec model.InvoiceRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal record")
	}
	return &rec, nil
}

// Validation results

func (s *SQLiteStore) SaveValidationResults(ctx context.Context, runID, recordID string, results []model.ValidationResult) error {
	payload, err := json.Marshal(results)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal validation results")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO validation_results (run_id, record_id, results) VALUES (?, ?, ?)`,
		runID, recordID, string(payload),
	)
	return eris.Wrap(err, "sqlite: save validation results")
}

func (s *SQLiteStore) GetValidationResults(ctx context.Context, runID string) ([]model.ValidationResult, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT results FROM validation_results WHERE run_id = ?`, runID,
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "validation results for run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get validation results")
	}
	var results []model.ValidationResult
	if err := json.Unmarshal([]byte(payload), &results); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal validation results")
	}
	return results, nil
}

// Audit

func (s *SQLiteStore) AppendAudit(ctx context.Context, event model.AuditEvent) error {
	detail, err := json.Marshal(event.Detail)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal audit detail")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, run_id, type, actor, detail, at) VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID, event.RunID, event.Type, event.Actor, string(detail), event.At,
	)
	return eris.Wrap(err, "sqlite: append audit")
}

func (s *SQLiteStore) ListAudit(ctx context.Context, runID string) ([]model.AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, type, actor, detail, at FROM audit_events WHERE run_id = ? ORDER BY at`, runID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list audit")
	}
	defer rows.Close()

	var out []model.AuditEvent
	for rows.Next() {
		var ev model.AuditEvent
		var actor sql.NullString
		var detail string
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.Type, &actor, &detail, &ev.At); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan audit event")
		}
		ev.Actor = actor.String
		if detail != "" {
			if err := json.Unmarshal([]byte(detail), &ev.Detail); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal audit detail")
			}
		}
		out = append(out, ev)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list audit rows")
}

// Field history

func (s *SQLiteStore) AppendFieldHistory(ctx context.Context, unitID string, values map[string]float64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin field history tx")
	}
	defer tx.Rollback()

	for key, val := range values {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO field_history (id, unit_id, field_key, value) VALUES (?, ?, ?, ?)`,
			uuid.New().String(), unitID, key, val,
		); err != nil {
			return eris.Wrapf(err, "sqlite: append field history %s", key)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit field history")
}

func (s *SQLiteStore) GetHistorical(ctx context.Context, unitID, fieldKey string, limit int) ([]float64, error) {
	if limit <= 0 {
		limit = 12
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT value FROM field_history WHERE unit_id = ? AND field_key = ? ORDER BY recorded_at DESC LIMIT ?`,
		unitID, fieldKey, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get historical")
	}
	defer rows.Close()

	var out []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan historical value")
		}
		out = append(out, v)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: historical rows")
}

// Learning samples

func (s *SQLiteStore) SaveLearningSample(ctx context.Context, sample learning.Sample) error {
	payload, err := json.Marshal(sample)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal learning sample")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO learning_samples (id, run_id, payload) VALUES (?, ?, ?)`,
		uuid.New().String(), sample.RunID, string(payload),
	)
	return eris.Wrap(err, "sqlite: save learning sample")
}

func (s *SQLiteStore) ListLearningSamples(ctx context.Context, limit int) ([]learning.Sample, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM learning_samples ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list learning samples")
	}
	defer rows.Close()

	var out []learning.Sample
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan learning sample")
		}
		var sample learning.Sample
		if err := json.Unmarshal([]byte(payload), &sample); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal learning sample")
		}
		out = append(out, sample)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: learning sample rows")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.PipelineRun, error) {
	var run model.PipelineRun
	var status, disposition, recordID, runErr, stages sql.NullString
	if err := row.Scan(&run.ID, &run.DocumentRef, &run.UnitID, &status, &disposition,
		&recordID, &run.Score, &run.Confidence, &runErr, &stages,
		&run.CreatedAt, &run.UpdatedAt); err != nil {
		return nil, err
	}
	run.Status = model.RunStatus(status.String)
	run.Disposition = model.Disposition(disposition.String)
	run.RecordID = recordID.String
	run.Error = runErr.String
	if stages.String != "" {
		if err := json.Unmarshal([]byte(stages.String), &run.Stages); err != nil {
			return nil, eris.Wrap(err, "unmarshal stages")
		}
	}
	return &run, nil
}
