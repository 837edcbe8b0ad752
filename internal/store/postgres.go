package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/gridbill/invoice-pipeline/internal/db"
	"github.com/gridbill/invoice-pipeline/internal/learning"
	"github.com/gridbill/invoice-pipeline/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the most frequently used store operations.
var preparedStatements = map[string]string{
	"insert_run":        `INSERT INTO runs (id, document_ref, unit_id, status, score, confidence, stages, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
	"update_run_status": `UPDATE runs SET status = $1, updated_at = $2 WHERE id = $3`,
	"finish_run":        `UPDATE runs SET status = $1, disposition = $2, record_id = $3, score = $4, confidence = $5, error = $6, stages = $7, updated_at = $8 WHERE id = $9`,
	"get_run":           `SELECT id, document_ref, unit_id, status, disposition, record_id, score, confidence, error, stages, created_at, updated_at FROM runs WHERE id = $1`,
	"get_record":        `SELECT payload FROM records WHERE id = $1`,
	"get_results":       `SELECT results FROM validation_results WHERE run_id = $1`,
	"insert_audit":      `INSERT INTO audit_events (id, run_id, type, actor, detail, at) VALUES ($1, $2, $3, $4, $5, $6)`,
	"get_historical":    `SELECT value FROM field_history WHERE unit_id = $1 AND field_key = $2 ORDER BY recorded_at DESC LIMIT $3`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepare frequently-used statements on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool. Used by tests with pgxmock.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, closeFn: pool.Close}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	document_ref TEXT NOT NULL,
	unit_id      TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'received',
	disposition  TEXT,
	record_id    TEXT,
	score        DOUBLE PRECISION NOT NULL DEFAULT 0,
	confidence   DOUBLE PRECISION NOT NULL DEFAULT 0,
	error        TEXT,
	stages       JSONB,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS records (
	id              TEXT PRIMARY KEY,
	document_ref    TEXT NOT NULL,
	unit_id         TEXT NOT NULL,
	idempotency_key TEXT NOT NULL UNIQUE,
	payload         JSONB NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS validation_results (
	run_id     TEXT PRIMARY KEY REFERENCES runs(id),
	record_id  TEXT NOT NULL,
	results    JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS audit_events (
	id     TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	type   TEXT NOT NULL,
	actor  TEXT,
	detail JSONB,
	at     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS field_history (
	id          TEXT PRIMARY KEY,
	unit_id     TEXT NOT NULL,
	field_key   TEXT NOT NULL,
	value       DOUBLE PRECISION NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS learning_samples (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL,
	payload    JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_unit ON runs(unit_id);
CREATE INDEX IF NOT EXISTS idx_audit_events_run_id ON audit_events(run_id);
CREATE INDEX IF NOT EXISTS idx_field_history_unit_key ON field_history(unit_id, field_key, recorded_at);
CREATE INDEX IF NOT EXISTS idx_learning_samples_created ON learning_samples(created_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.closeFn()
	return nil
}

// Pool returns the underlying pool for subsystems needing direct access.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

// Runs

func (s *PostgresStore) CreateRun(ctx context.Context, run *model.PipelineRun) error {
	stages, err := json.Marshal(run.Stages)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal stages")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (id, document_ref, unit_id, status, score, confidence, stages, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		run.ID, run.DocumentRef, run.UnitID, string(run.Status),
		run.Score, run.Confidence, stages, run.CreatedAt, run.UpdatedAt,
	)
	return eris.Wrap(err, "postgres: create run")
}

func (s *PostgresStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: update run status")
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

func (s *PostgresStore) FinishRun(ctx context.Context, run *model.PipelineRun) error {
	stages, err := json.Marshal(run.Stages)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal stages")
	}
	run.UpdatedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, disposition = $2, record_id = $3, score = $4, confidence = $5, error = $6, stages = $7, updated_at = $8
		 WHERE id = $9`,
		string(run.Status), string(run.Disposition), run.RecordID,
		run.Score, run.Confidence, run.Error, stages, run.UpdatedAt, run.ID,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: finish run")
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", run.ID)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.PipelineRun, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, document_ref, unit_id, status, disposition, record_id, score, confidence, error, stages, created_at, updated_at
		 FROM runs WHERE id = $1`, runID)
	run, err := scanPgRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get run")
	}
	return run, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.PipelineRun, error) {
	query := `SELECT id, document_ref, unit_id, status, disposition, record_id, score, confidence, error, stages, created_at, updated_at FROM runs WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return placeholder(len(args))
	}
	if filter.Status != "" {
		query += ` AND status = ` + arg(string(filter.Status))
	}
	if filter.UnitID != "" {
		query += ` AND unit_id = ` + arg(filter.UnitID)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` ORDER BY created_at DESC LIMIT ` + arg(limit) + ` OFFSET ` + arg(filter.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var out []model.PipelineRun
	for rows.Next() {
		run, err := scanPgRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		out = append(out, *run)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list runs rows")
}

// Records

func (s *PostgresStore) SaveRecord(ctx context.Context, rec *model.InvoiceRecord, idempotencyKey string) (string, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return "", eris.Wrap(err, "postgres: marshal record")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO records (id, document_ref, unit_id, idempotency_key, payload)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (idempotency_key) DO NOTHING`,
		rec.ID, rec.DocumentRef, rec.UnitID, idempotencyKey, payload,
	)
	if err != nil {
		return "", eris.Wrap(err, "postgres: save record")
	}
	var id string
	err = s.pool.QueryRow(ctx,
		`SELECT id FROM records WHERE idempotency_key = $1`, idempotencyKey,
	).Scan(&id)
	if err != nil {
		return "", eris.Wrap(err, "postgres: read back record id")
	}
	return id, nil
}

func (s *PostgresStore) GetRecord(ctx context.Context, recordID string) (*model.InvoiceRecord, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM records WHERE id = $1`, recordID,
	).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "record %s", recordID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get record")
	}
	var rec model.InvoiceRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal record")
	}
	return &rec, nil
}

// Validation results

func (s *PostgresStore) SaveValidationResults(ctx context.Context, runID, recordID string, results []model.ValidationResult) error {
	payload, err := json.Marshal(results)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal validation results")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO validation_results (run_id, record_id, results) VALUES ($1, $2, $3)`,
		runID, recordID, payload,
	)
	return eris.Wrap(err, "postgres: save validation results")
}

func (s *PostgresStore) GetValidationResults(ctx context.Context, runID string) ([]model.ValidationResult, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT results FROM validation_results WHERE run_id = $1`, runID,
	).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "validation results for run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get validation results")
	}
	var results []model.ValidationResult
	if err := json.Unmarshal(payload, &results); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal validation results")
	}
	return results, nil
}

// Audit

func (s *PostgresStore) AppendAudit(ctx context.Context, event model.AuditEvent) error {
	detail, err := json.Marshal(event.Detail)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal audit detail")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO audit_events (id, run_id, type, actor, detail, at) VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID, event.RunID, event.Type, event.Actor, detail, event.At,
	)
	return eris.Wrap(err, "postgres: append audit")
}

func (s *PostgresStore) ListAudit(ctx context.Context, runID string) ([]model.AuditEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, type, actor, detail, at FROM audit_events WHERE run_id = $1 ORDER BY at`, runID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list audit")
	}
	defer rows.Close()

	var out []model.AuditEvent
	for rows.Next() {
		var ev model.AuditEvent
		var actor *string
		var detail []byte
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.Type, &actor, &detail, &ev.At); err != nil {
			return nil, eris.Wrap(err, "postgres: scan audit event")
		}
		if actor != nil {
			ev.Actor = *actor
		}
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &ev.Detail); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal audit detail")
			}
		}
		out = append(out, ev)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list audit rows")
}

// Field history

func (s *PostgresStore) AppendFieldHistory(ctx context.Context, unitID string, values map[string]float64) error {
	rows := make([][]any, 0, len(values))
	now := time.Now().UTC()
	for key, val := range values {
		rows = append(rows, []any{uuid.New().String(), unitID, key, val, now})
	}
	_, err := db.CopyFrom(ctx, s.pool, "field_history",
		[]string{"id", "unit_id", "field_key", "value", "recorded_at"}, rows)
	return eris.Wrap(err, "postgres: append field history")
}

func (s *PostgresStore) GetHistorical(ctx context.Context, unitID, fieldKey string, limit int) ([]float64, error) {
	if limit <= 0 {
		limit = 12
	}
	rows, err := s.pool.Query(ctx,
		`SELECT value FROM field_history WHERE unit_id = $1 AND field_key = $2 ORDER BY recorded_at DESC LIMIT $3`,
		unitID, fieldKey, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get historical")
	}
	defer rows.Close()

	var out []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, eris.Wrap(err, "postgres: scan historical value")
		}
		out = append(out, v)
	}
	return out, eris.Wrap(rows.Err(), "postgres: historical rows")
}

// Learning samples

func (s *PostgresStore) SaveLearningSample(ctx context.Context, sample learning.Sample) error {
	payload, err := json.Marshal(sample)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal learning sample")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO learning_samples (id, run_id, payload) VALUES ($1, $2, $3)`,
		uuid.New().String(), sample.RunID, payload,
	)
	return eris.Wrap(err, "postgres: save learning sample")
}

func (s *PostgresStore) ListLearningSamples(ctx context.Context, limit int) ([]learning.Sample, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx,
		`SELECT payload FROM learning_samples ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list learning samples")
	}
	defer rows.Close()

	var out []learning.Sample
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, eris.Wrap(err, "postgres: scan learning sample")
		}
		var sample learning.Sample
		if err := json.Unmarshal(payload, &sample); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal learning sample")
		}
		out = append(out, sample)
	}
	return out, eris.Wrap(rows.Err(), "postgres: learning sample rows")
}

// helpers

func placeholder(n int) string {
	return fmt.Sprintf("$%d", n)
}

type pgScannable interface {
	Scan(dest ...any) error
}

func scanPgRun(row pgScannable) (*model.PipelineRun, error) {
	var run model.PipelineRun
	var status string
	var disposition, recordID, runErr *string
	var stages []byte
	if err := row.Scan(&run.ID, &run.DocumentRef, &run.UnitID, &status, &disposition,
		&recordID, &run.Score, &run.Confidence, &runErr, &stages,
		&run.CreatedAt, &run.UpdatedAt); err != nil {
		return nil, err
	}
	run.Status = model.RunStatus(status)
	if disposition != nil {
		run.Disposition = model.Disposition(*disposition)
	}
	if recordID != nil {
		run.RecordID = *recordID
	}
	if runErr != nil {
		run.Error = *runErr
	}
	if len(stages) > 0 {
		if err := json.Unmarshal(stages, &run.Stages); err != nil {
			return nil, eris.Wrap(err, "unmarshal stages")
		}
	}
	return &run, nil
}
