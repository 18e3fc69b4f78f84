package database

import (
	"context"

	"github.com/maxcherey/insight-etl/internal/insight"
)

// upsertRepositories writes repository rows. first_seen is kept from the
// existing row so the first-sight timestamp survives re-collection; the
// version guard lets the newest snapshot win.
func (db *DB) upsertRepositories(ctx context.Context, rows []insight.Record) error {
	repos, err := typed[*insight.Repository](rows)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO repositories (project_key, repo_slug, data_source, name, uuid, is_private, is_empty,
			size_bytes, language, has_issues, has_wiki, fork_policy, last_commit_date, first_seen, last_updated, _version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (project_key, repo_slug, data_source)
		DO UPDATE SET
			name = EXCLUDED.name,
			uuid = EXCLUDED.uuid,
			is_private = EXCLUDED.is_private,
			is_empty = EXCLUDED.is_empty,
			size_bytes = EXCLUDED.size_bytes,
			language = EXCLUDED.language,
			has_issues = EXCLUDED.has_issues,
			has_wiki = EXCLUDED.has_wiki,
			fork_policy = EXCLUDED.fork_policy,
			last_commit_date = EXCLUDED.last_commit_date,
			last_updated = EXCLUDED.last_updated,
			_version = EXCLUDED._version
		WHERE repositories._version <= EXCLUDED._version
	`

	argRows := make([][]any, 0, len(repos))
	for _, r := range repos {
		argRows = append(argRows, []any{
			r.ProjectKey, r.RepoSlug, r.DataSource, r.Name, r.UUID, r.IsPrivate, r.IsEmpty,
			r.SizeBytes, r.Language, r.HasIssues, r.HasWiki, r.ForkPolicy, r.LastCommitDate,
			r.FirstSeen, r.LastUpdated, r.Version,
		})
	}
	return db.execBatch(ctx, query, argRows)
}
