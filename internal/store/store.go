// Package store persists extraction run history in SQLite or PostgreSQL.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/spherical/latex-ocr/internal/domain"
)

const (
	// DefaultPingTimeout bounds the connectivity check in Open
	DefaultPingTimeout = 5 * time.Second

	// DefaultListLimit caps ListRuns when no limit is given
	DefaultListLimit = 20
)

// ErrNotFound is returned when a run id is unknown
var ErrNotFound = errors.New("run not found")

// Config selects the database backend
type Config struct {
	Driver       string // sqlite or postgres
	DSN          string // file path for sqlite, connection URL for postgres
	MaxOpenConns int
}

// Repository reads and writes run history
type Repository struct {
	db *sqlx.DB
}

// RunRow is one persisted extraction run
type RunRow struct {
	ID              string    `db:"id" json:"id"`
	ImagePath       string    `db:"image_path" json:"image_path"`
	Status          string    `db:"status" json:"status"`
	MarkupText      string    `db:"markup_text" json:"latex_code"`
	SimilarityScore float64   `db:"similarity_score" json:"similarity_score"`
	Iterations      int       `db:"iterations" json:"iterations"`
	Success         bool      `db:"success" json:"success"`
	ThresholdMet    bool      `db:"threshold_met" json:"threshold_met"`
	Threshold       float64   `db:"threshold" json:"threshold"`
	MaxIterations   int       `db:"max_iterations" json:"max_iterations"`
	Error           string    `db:"error" json:"error,omitempty"`
	TraceID         string    `db:"trace_id" json:"trace_id,omitempty"`
	SessionID       string    `db:"session_id" json:"session_id,omitempty"`
	RetainedImage   string    `db:"retained_image" json:"retained_image,omitempty"`
	StartedAt       time.Time `db:"started_at" json:"started_at"`
	DurationMS      int64     `db:"duration_ms" json:"duration_ms"`
}

// IterationRow is one persisted iteration of a run
type IterationRow struct {
	RunID           string  `db:"run_id" json:"-"`
	Iteration       int     `db:"iteration" json:"iteration"`
	Scored          bool    `db:"scored" json:"scored"`
	SimilarityScore float64 `db:"similarity_score" json:"similarity_score"`
	ErrorTag        string  `db:"error_tag" json:"error_tag,omitempty"`
	Error           string  `db:"error" json:"error,omitempty"`
	RenderStage     string  `db:"render_stage" json:"render_stage,omitempty"`
	Degraded        bool    `db:"degraded" json:"degraded"`
	VerdictSource   string  `db:"verdict_source" json:"verdict_source,omitempty"`
	Assessment      string  `db:"assessment" json:"assessment,omitempty"`
	MarkupText      string  `db:"markup_text" json:"latex_code,omitempty"`
	DurationMS      int64   `db:"duration_ms" json:"duration_ms"`
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		image_path TEXT NOT NULL,
		status TEXT NOT NULL,
		markup_text TEXT NOT NULL DEFAULT '',
		similarity_score DOUBLE PRECISION NOT NULL DEFAULT 0,
		iterations INTEGER NOT NULL DEFAULT 0,
		success BOOLEAN NOT NULL DEFAULT FALSE,
		threshold_met BOOLEAN NOT NULL DEFAULT FALSE,
		threshold DOUBLE PRECISION NOT NULL DEFAULT 0,
		max_iterations INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		trace_id TEXT NOT NULL DEFAULT '',
		session_id TEXT NOT NULL DEFAULT '',
		retained_image TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMP NOT NULL,
		duration_ms BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs (started_at)`,
	`CREATE TABLE IF NOT EXISTS iterations (
		run_id TEXT NOT NULL REFERENCES runs (id) ON DELETE CASCADE,
		iteration INTEGER NOT NULL,
		scored BOOLEAN NOT NULL DEFAULT FALSE,
		similarity_score DOUBLE PRECISION NOT NULL DEFAULT 0,
		error_tag TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		render_stage TEXT NOT NULL DEFAULT '',
		degraded BOOLEAN NOT NULL DEFAULT FALSE,
		verdict_source TEXT NOT NULL DEFAULT '',
		assessment TEXT NOT NULL DEFAULT '',
		markup_text TEXT NOT NULL DEFAULT '',
		duration_ms BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (run_id, iteration)
	)`,
}

// Open connects to the configured database and creates the schema
func Open(ctx context.Context, cfg Config) (*Repository, error) {
	var driver string
	switch cfg.Driver {
	case "sqlite", "sqlite3":
		driver = "sqlite3"
		if dir := filepath.Dir(cfg.DSN); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, domain.IOError("create database directory", err)
			}
		}
	case "postgres":
		driver = "postgres"
	default:
		return nil, domain.ConfigError(fmt.Sprintf("unsupported store driver: %s", cfg.Driver), nil)
	}

	db, err := sqlx.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if driver == "sqlite3" {
		db.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	pingCtx, cancel := context.WithTimeout(ctx, DefaultPingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	repo := &Repository{db: db}
	if err := repo.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

// NewRepository wraps an existing connection
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// Close releases the connection pool
func (r *Repository) Close() error {
	return r.db.Close()
}

// Migrate creates the tables if they do not exist
func (r *Repository) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// SaveRun stores a run and its iterations, replacing any earlier copy with the same id
func (r *Repository) SaveRun(ctx context.Context, run *domain.ExtractionRun) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM iterations WHERE run_id = ?`), run.ID); err != nil {
		return fmt.Errorf("clear iterations: %w", err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM runs WHERE id = ?`), run.ID); err != nil {
		return fmt.Errorf("clear run: %w", err)
	}

	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO runs (id, image_path, status, markup_text, similarity_score, iterations,
			success, threshold_met, threshold, max_iterations, error, trace_id, session_id,
			retained_image, started_at, duration_ms)
		VALUES (:id, :image_path, :status, :markup_text, :similarity_score, :iterations,
			:success, :threshold_met, :threshold, :max_iterations, :error, :trace_id, :session_id,
			:retained_image, :started_at, :duration_ms)`, runRow(run))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for _, row := range iterationRows(run) {
		_, err := tx.NamedExecContext(ctx, `
			INSERT INTO iterations (run_id, iteration, scored, similarity_score, error_tag, error,
				render_stage, degraded, verdict_source, assessment, markup_text, duration_ms)
			VALUES (:run_id, :iteration, :scored, :similarity_score, :error_tag, :error,
				:render_stage, :degraded, :verdict_source, :assessment, :markup_text, :duration_ms)`, row)
		if err != nil {
			return fmt.Errorf("insert iteration %d: %w", row.Iteration, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs first
func (r *Repository) ListRuns(ctx context.Context, limit int) ([]RunRow, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	runs := []RunRow{}
	query := r.db.Rebind(`SELECT * FROM runs ORDER BY started_at DESC, id ASC LIMIT ?`)
	if err := r.db.SelectContext(ctx, &runs, query, limit); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// GetRun returns a run and its iterations in order
func (r *Repository) GetRun(ctx context.Context, id string) (*RunRow, []IterationRow, error) {
	run := &RunRow{}
	if err := r.db.GetContext(ctx, run, r.db.Rebind(`SELECT * FROM runs WHERE id = ?`), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("get run: %w", err)
	}

	iterations := []IterationRow{}
	query := r.db.Rebind(`SELECT * FROM iterations WHERE run_id = ? ORDER BY iteration ASC`)
	if err := r.db.SelectContext(ctx, &iterations, query, id); err != nil {
		return nil, nil, fmt.Errorf("get iterations: %w", err)
	}
	return run, iterations, nil
}

func runRow(run *domain.ExtractionRun) RunRow {
	return RunRow{
		ID:              run.ID,
		ImagePath:       run.ImagePath,
		Status:          string(run.Status),
		MarkupText:      run.MarkupText,
		SimilarityScore: run.SimilarityScore,
		Iterations:      run.Iterations(),
		Success:         run.Success,
		ThresholdMet:    run.ThresholdMet,
		Threshold:       run.Config.SimilarityThreshold,
		MaxIterations:   run.Config.MaxIterations,
		Error:           run.ErrorMessage(),
		TraceID:         run.Config.TraceID,
		SessionID:       run.Config.SessionID,
		RetainedImage:   run.RetainedImage,
		StartedAt:       run.StartedAt.UTC(),
		DurationMS:      run.Duration.Milliseconds(),
	}
}

func iterationRows(run *domain.ExtractionRun) []IterationRow {
	rows := make([]IterationRow, 0, len(run.History))
	for _, rec := range run.History {
		row := IterationRow{
			RunID:           run.ID,
			Iteration:       rec.Iteration,
			Scored:          rec.Scored,
			SimilarityScore: rec.SimilarityScore,
			ErrorTag:        string(rec.ErrorTag),
			Error:           rec.Error,
			RenderStage:     string(rec.RenderStage),
			Degraded:        rec.Degraded,
			MarkupText:      rec.MarkupText,
			DurationMS:      rec.Duration.Milliseconds(),
		}
		if rec.Verdict != nil {
			row.VerdictSource = string(rec.Verdict.Source)
			row.Assessment = rec.Verdict.OverallAssessment
		}
		rows = append(rows, row)
	}
	return rows
}
