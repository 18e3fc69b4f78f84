package database

import (
	"context"
	"fmt"
	"time"
)

// Watermarks are the newest timestamps already stored for one
// repository; collection early-stops at them. Zero values mean no prior
// data: collect everything.
type Watermarks struct {
	MaxCommitDate time.Time
	MaxPRUpdated  time.Time
}

// GetWatermarks reads the per-repository high-watermarks.
func (db *DB) GetWatermarks(ctx context.Context, projectKey, repoSlug, dataSource string) (Watermarks, error) {
	var wm Watermarks

	commitQuery := `
		SELECT max(date)
		FROM commits
		WHERE project_key = $1 AND repo_slug = $2 AND data_source = $3
	`
	var maxCommit *time.Time
	if err := db.pool.QueryRow(ctx, commitQuery, projectKey, repoSlug, dataSource).Scan(&maxCommit); err != nil {
		return wm, fmt.Errorf("failed to read commit watermark: %w", err)
	}
	if maxCommit != nil {
		wm.MaxCommitDate = maxCommit.UTC()
	}

	prQuery := `
		SELECT max(updated_on)
		FROM pull_requests
		WHERE project_key = $1 AND repo_slug = $2 AND data_source = $3
	`
	var maxPR *time.Time
	if err := db.pool.QueryRow(ctx, prQuery, projectKey, repoSlug, dataSource).Scan(&maxPR); err != nil {
		return wm, fmt.Errorf("failed to read pull request watermark: %w", err)
	}
	if maxPR != nil {
		wm.MaxPRUpdated = maxPR.UTC()
	}

	return wm, nil
}

// GetBranchHeads returns the stored last commit hash per branch.
func (db *DB) GetBranchHeads(ctx context.Context, projectKey, repoSlug, dataSource string) (map[string]string, error) {
	query := `
		SELECT branch_name, last_commit_hash
		FROM branches
		WHERE project_key = $1 AND repo_slug = $2 AND data_source = $3
	`
	rows, err := db.pool.Query(ctx, query, projectKey, repoSlug, dataSource)
	if err != nil {
		return nil, fmt.Errorf("failed to read branch heads: %w", err)
	}
	defer rows.Close()

	heads := make(map[string]string)
	for rows.Next() {
		var name, hash string
		if err := rows.Scan(&name, &hash); err != nil {
			return nil, fmt.Errorf("failed to scan branch head: %w", err)
		}
		heads[name] = hash
	}
	return heads, rows.Err()
}
