package database

import (
	"context"

	"github.com/maxcherey/insight-etl/internal/insight"
)

func (db *DB) upsertBranches(ctx context.Context, rows []insight.Record) error {
	branches, err := typed[*insight.Branch](rows)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO branches (project_key, repo_slug, branch_name, data_source, is_default,
			last_commit_hash, last_commit_date, last_checked_at, _version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (project_key, repo_slug, branch_name, data_source)
		DO UPDATE SET
			is_default = EXCLUDED.is_default,
			last_commit_hash = EXCLUDED.last_commit_hash,
			last_commit_date = EXCLUDED.last_commit_date,
			last_checked_at = EXCLUDED.last_checked_at,
			_version = EXCLUDED._version
		WHERE branches._version <= EXCLUDED._version
	`

	argRows := make([][]any, 0, len(branches))
	for _, b := range branches {
		// is_default is stored as 0/1
		isDefault := 0
		if b.IsDefault {
			isDefault = 1
		}
		argRows = append(argRows, []any{
			b.ProjectKey, b.RepoSlug, b.BranchName, b.DataSource, isDefault,
			b.LastCommitHash, b.LastCommitDate, b.LastCheckedAt, b.Version,
		})
	}
	return db.execBatch(ctx, query, argRows)
}
