package database

import (
	"context"

	"github.com/maxcherey/insight-etl/internal/insight"
)

func (db *DB) upsertCommits(ctx context.Context, rows []insight.Record) error {
	commits, err := typed[*insight.Commit](rows)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO commits (project_key, repo_slug, commit_hash, data_source, branch,
			author_name, author_email, committer_name, committer_email, message, date,
			parents, is_merge_commit, files_changed, lines_added, lines_removed,
			language_breakdown, _version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (project_key, repo_slug, commit_hash, data_source)
		DO UPDATE SET
			branch = EXCLUDED.branch,
			author_name = EXCLUDED.author_name,
			author_email = EXCLUDED.author_email,
			committer_name = EXCLUDED.committer_name,
			committer_email = EXCLUDED.committer_email,
			message = EXCLUDED.message,
			date = EXCLUDED.date,
			parents = EXCLUDED.parents,
			is_merge_commit = EXCLUDED.is_merge_commit,
			files_changed = EXCLUDED.files_changed,
			lines_added = EXCLUDED.lines_added,
			lines_removed = EXCLUDED.lines_removed,
			language_breakdown = EXCLUDED.language_breakdown,
			_version = EXCLUDED._version
		WHERE commits._version <= EXCLUDED._version
	`

	argRows := make([][]any, 0, len(commits))
	for _, c := range commits {
		isMerge := 0
		if c.IsMergeCommit {
			isMerge = 1
		}
		argRows = append(argRows, []any{
			c.ProjectKey, c.RepoSlug, c.CommitHash, c.DataSource, c.Branch,
			c.AuthorName, c.AuthorEmail, c.CommitterName, c.CommitterEmail, c.Message, c.Date,
			c.ParentsJSON(), isMerge, c.FilesChanged, c.LinesAdded, c.LinesRemoved,
			c.LanguageBreakdown, c.Version,
		})
	}
	return db.execBatch(ctx, query, argRows)
}
