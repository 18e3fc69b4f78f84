package database

import (
	"context"

	"github.com/maxcherey/insight-etl/internal/insight"
)

// upsertRuns writes collection run rows. The finalize write carries a
// fresher _version, so the completed snapshot wins over the running one.
func (db *DB) upsertRuns(ctx context.Context, rows []insight.Record) error {
	runs, err := typed[*insight.CollectionRun](rows)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO collection_runs (run_id, data_source, status, started_at, completed_at,
			repos_processed, commits_collected, prs_collected, api_calls, errors, settings, _version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (run_id)
		DO UPDATE SET
			status = EXCLUDED.status,
			completed_at = EXCLUDED.completed_at,
			repos_processed = EXCLUDED.repos_processed,
			commits_collected = EXCLUDED.commits_collected,
			prs_collected = EXCLUDED.prs_collected,
			api_calls = EXCLUDED.api_calls,
			errors = EXCLUDED.errors,
			_version = EXCLUDED._version
		WHERE collection_runs._version <= EXCLUDED._version
	`

	argRows := make([][]any, 0, len(runs))
	for _, r := range runs {
		argRows = append(argRows, []any{
			r.RunID, r.DataSource, r.Status, r.StartedAt, r.CompletedAt,
			r.ReposProcessed, r.CommitsCollected, r.PRsCollected, r.APICalls,
			r.Errors, r.Settings, r.Version,
		})
	}
	return db.execBatch(ctx, query, argRows)
}
