package installer

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/HerbHall/plughost/internal/store"
)

var journalMigrations = []store.Migration{
	{
		Version:     1,
		Description: "create install_jobs",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE install_jobs (
					id             TEXT    PRIMARY KEY,
					source_path    TEXT    NOT NULL,
					staging_dir    TEXT    NOT NULL,
					outcome        TEXT    NOT NULL,
					error_detail   TEXT    NOT NULL DEFAULT '',
					plugin_id      TEXT    NOT NULL DEFAULT '',
					installed_path TEXT    NOT NULL DEFAULT '',
					processed_path TEXT    NOT NULL DEFAULT '',
					started_at     INTEGER NOT NULL,
					finished_at    INTEGER NOT NULL
				);
				CREATE INDEX idx_install_jobs_finished ON install_jobs(finished_at);
			`)
			return err
		},
	},
}

// Journal keeps a durable history of install jobs in SQLite.
type Journal struct {
	db *store.SQLiteStore
}

// NewJournal applies the journal schema and returns a journal backed by db.
func NewJournal(ctx context.Context, db *store.SQLiteStore) (*Journal, error) {
	if err := db.Migrate(ctx, "installer", journalMigrations); err != nil {
		return nil, fmt.Errorf("migrate install journal: %w", err)
	}
	return &Journal{db: db}, nil
}

// Record inserts or replaces job.
func (j *Journal) Record(ctx context.Context, job *Job) error {
	_, err := j.db.DB().ExecContext(ctx, `
		INSERT OR REPLACE INTO install_jobs
			(id, source_path, staging_dir, outcome, error_detail, plugin_id,
			 installed_path, processed_path, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.SourcePath, job.StagingDir, string(job.Outcome), job.ErrorDetail, job.PluginID,
		job.InstalledPath, job.ProcessedPath, job.StartedAt.UnixNano(), job.FinishedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert install job: %w", err)
	}
	return nil
}

// List returns up to limit jobs, most recent first.
func (j *Journal) List(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.DB().QueryContext(ctx, `
		SELECT id, source_path, staging_dir, outcome, error_detail, plugin_id,
		       installed_path, processed_path, started_at, finished_at
		FROM install_jobs
		ORDER BY finished_at DESC, id
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query install jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var (
			job               Job
			outcome           string
			started, finished int64
		)
		if err := rows.Scan(&job.ID, &job.SourcePath, &job.StagingDir, &outcome, &job.ErrorDetail,
			&job.PluginID, &job.InstalledPath, &job.ProcessedPath, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan install job: %w", err)
		}
		job.Outcome = Outcome(outcome)
		job.StartedAt = time.Unix(0, started).UTC()
		job.FinishedAt = time.Unix(0, finished).UTC()
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
