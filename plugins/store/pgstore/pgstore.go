// Package pgstore 将完成的尽调报告归档到 PostgreSQL。
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"ddreport/pkg/contract"
)

// ErrNotFound: 指定 run_id 不存在。
var ErrNotFound = errors.New("report not found")

// Options: 连接池配置。
type Options struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// Record: 一次 Done 运行的归档行。
type Record struct {
	RunID        string                    `json:"run_id"`
	Context      contract.SynthesisContext `json:"context"`
	Filenames    []string                  `json:"filenames"`
	BatchReports []contract.BatchReport    `json:"batch_reports"`
	Report       contract.FinalReport      `json:"report"`
	Financials   json.RawMessage           `json:"financials,omitempty"`
	Elapsed      time.Duration             `json:"elapsed"`
	CreatedAt    time.Time                 `json:"created_at"`
}

// Store: 单表归档。仅追加；同一 run_id 重复写入时覆盖。
type Store struct {
	DB *sql.DB
}

// Open 以 lib/pq 打开连接池并 PING。
func Open(ctx context.Context, o Options) (*Store, error) {
	db, err := sql.Open("postgres", o.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening postgres connection: %w", err)
	}
	if o.MaxOpenConns > 0 {
		db.SetMaxOpenConns(o.MaxOpenConns)
	}
	if o.MaxIdleConns > 0 {
		db.SetMaxIdleConns(o.MaxIdleConns)
	}
	if o.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(o.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return New(db), nil
}

func New(db *sql.DB) *Store { return &Store{DB: db} }

func (s *Store) Close() error { return s.DB.Close() }

const schema = `CREATE TABLE IF NOT EXISTS dd_reports (
	run_id         TEXT PRIMARY KEY,
	dd_type        TEXT NOT NULL,
	report_focus   TEXT NOT NULL,
	checklist_type TEXT NOT NULL,
	total_files    INTEGER NOT NULL,
	batches        INTEGER NOT NULL,
	filenames      JSONB NOT NULL,
	batch_reports  JSONB NOT NULL,
	report         TEXT NOT NULL,
	financials     JSONB,
	elapsed_ms     BIGINT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Migrate 建表（幂等）。
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrating dd_reports: %w", err)
	}
	return nil
}

// InTx 在事务中执行 fn；fn 失败时回滚。
func (s *Store) InTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rolling back transaction after error %v: %w", rbErr, err)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

const upsert = `INSERT INTO dd_reports
	(run_id, dd_type, report_focus, checklist_type, total_files, batches, filenames, batch_reports, report, financials, elapsed_ms)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (run_id) DO UPDATE SET
	report = EXCLUDED.report,
	batch_reports = EXCLUDED.batch_reports,
	financials = EXCLUDED.financials,
	elapsed_ms = EXCLUDED.elapsed_ms`

// Save 归档一次运行。RunID 与 Report 不可为空。
func (s *Store) Save(ctx context.Context, r Record) error {
	if r.RunID == "" || r.Report == "" {
		return fmt.Errorf("pgstore: %w: run_id and report are required", contract.ErrInvalidInput)
	}
	names, err := json.Marshal(nonNil(r.Filenames))
	if err != nil {
		return err
	}
	reports, err := json.Marshal(r.BatchReports)
	if err != nil {
		return err
	}
	var fin any
	if len(r.Financials) > 0 {
		fin = string(r.Financials)
	}
	return s.InTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, upsert,
			r.RunID, r.Context.DDType, r.Context.ReportFocus, r.Context.ChecklistType, r.Context.TotalFiles,
			len(r.BatchReports), string(names), string(reports), string(r.Report), fin, r.Elapsed.Milliseconds())
		if err != nil {
			return fmt.Errorf("saving report %s: %w", r.RunID, err)
		}
		return nil
	})
}

const selectOne = `SELECT run_id, dd_type, report_focus, checklist_type, total_files, filenames, batch_reports, report, financials, elapsed_ms, created_at
FROM dd_reports WHERE run_id = $1`

// Get 按 run_id 读取归档。
func (s *Store) Get(ctx context.Context, runID string) (Record, error) {
	var (
		r              Record
		names, reports string
		fin            sql.NullString
		report         string
		elapsedMS      int64
	)
	err := s.DB.QueryRowContext(ctx, selectOne, runID).Scan(
		&r.RunID, &r.Context.DDType, &r.Context.ReportFocus, &r.Context.ChecklistType, &r.Context.TotalFiles,
		&names, &reports, &report, &fin, &elapsedMS, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if err != nil {
		return Record{}, fmt.Errorf("loading report %s: %w", runID, err)
	}
	if err := json.Unmarshal([]byte(names), &r.Filenames); err != nil {
		return Record{}, fmt.Errorf("decoding filenames: %w", err)
	}
	if err := json.Unmarshal([]byte(reports), &r.BatchReports); err != nil {
		return Record{}, fmt.Errorf("decoding batch reports: %w", err)
	}
	if fin.Valid {
		r.Financials = json.RawMessage(fin.String)
	}
	r.Report = contract.FinalReport(report)
	r.Elapsed = time.Duration(elapsedMS) * time.Millisecond
	return r, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
