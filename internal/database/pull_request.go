package database

import (
	"context"

	"github.com/maxcherey/insight-etl/internal/insight"
)

func (db *DB) upsertPullRequests(ctx context.Context, rows []insight.Record) error {
	prs, err := typed[*insight.PullRequest](rows)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO pull_requests (project_key, repo_slug, pr_id, data_source, pr_number,
			title, description, state, author, author_email, created_on, updated_on, closed_on,
			merge_commit_hash, source_branch, destination_branch, commit_count, comment_count,
			task_count, files_changed, lines_added, lines_removed, duration_seconds, _version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18,
			$19, $20, $21, $22, $23, $24)
		ON CONFLICT (project_key, repo_slug, pr_id, data_source)
		DO UPDATE SET
			pr_number = EXCLUDED.pr_number,
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			state = EXCLUDED.state,
			author = EXCLUDED.author,
			author_email = EXCLUDED.author_email,
			created_on = EXCLUDED.created_on,
			updated_on = EXCLUDED.updated_on,
			closed_on = EXCLUDED.closed_on,
			merge_commit_hash = EXCLUDED.merge_commit_hash,
			source_branch = EXCLUDED.source_branch,
			destination_branch = EXCLUDED.destination_branch,
			commit_count = EXCLUDED.commit_count,
			comment_count = EXCLUDED.comment_count,
			task_count = EXCLUDED.task_count,
			files_changed = EXCLUDED.files_changed,
			lines_added = EXCLUDED.lines_added,
			lines_removed = EXCLUDED.lines_removed,
			duration_seconds = EXCLUDED.duration_seconds,
			_version = EXCLUDED._version
		WHERE pull_requests._version <= EXCLUDED._version
	`

	argRows := make([][]any, 0, len(prs))
	for _, p := range prs {
		argRows = append(argRows, []any{
			p.ProjectKey, p.RepoSlug, p.PRID, p.DataSource, p.PRNumber,
			p.Title, p.Description, p.State, p.Author, p.AuthorEmail, p.CreatedOn, p.UpdatedOn,
			p.ClosedOn, p.MergeCommitHash, p.SourceBranch, p.DestinationBranch, p.CommitCount,
			p.CommentCount, p.TaskCount, p.FilesChanged, p.LinesAdded, p.LinesRemoved,
			p.DurationSeconds, p.Version,
		})
	}
	return db.execBatch(ctx, query, argRows)
}

func (db *DB) upsertReviewers(ctx context.Context, rows []insight.Record) error {
	reviewers, err := typed[*insight.Reviewer](rows)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO pr_reviewers (project_key, repo_slug, pr_id, reviewer_uuid, data_source,
			name, email, status, role, approved, reviewed_at, _version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (project_key, repo_slug, pr_id, reviewer_uuid, data_source)
		DO UPDATE SET
			name = EXCLUDED.name,
			email = EXCLUDED.email,
			status = EXCLUDED.status,
			role = EXCLUDED.role,
			approved = EXCLUDED.approved,
			reviewed_at = EXCLUDED.reviewed_at,
			_version = EXCLUDED._version
		WHERE pr_reviewers._version <= EXCLUDED._version
	`

	argRows := make([][]any, 0, len(reviewers))
	for _, r := range reviewers {
		approved := 0
		if r.Approved {
			approved = 1
		}
		argRows = append(argRows, []any{
			r.ProjectKey, r.RepoSlug, r.PRID, r.ReviewerUUID, r.DataSource,
			r.Name, r.Email, r.Status, r.Role, approved, r.ReviewedAt, r.Version,
		})
	}
	return db.execBatch(ctx, query, argRows)
}

func (db *DB) upsertComments(ctx context.Context, rows []insight.Record) error {
	comments, err := typed[*insight.PRComment](rows)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO pr_comments (project_key, repo_slug, pr_id, comment_id, data_source,
			content, author, created_at, updated_at, state, severity, thread_resolved,
			file_path, line_number, _version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (project_key, repo_slug, pr_id, comment_id, data_source)
		DO UPDATE SET
			content = EXCLUDED.content,
			author = EXCLUDED.author,
			created_at = EXCLUDED.created_at,
			updated_at = EXCLUDED.updated_at,
			state = EXCLUDED.state,
			severity = EXCLUDED.severity,
			thread_resolved = EXCLUDED.thread_resolved,
			file_path = EXCLUDED.file_path,
			line_number = EXCLUDED.line_number,
			_version = EXCLUDED._version
		WHERE pr_comments._version <= EXCLUDED._version
	`

	argRows := make([][]any, 0, len(comments))
	for _, c := range comments {
		argRows = append(argRows, []any{
			c.ProjectKey, c.RepoSlug, c.PRID, c.CommentID, c.DataSource,
			c.Content, c.Author, c.CreatedAt, c.UpdatedAt, c.State, c.Severity,
			c.ThreadResolved, c.FilePath, c.LineNumber, c.Version,
		})
	}
	return db.execBatch(ctx, query, argRows)
}

func (db *DB) upsertPRCommits(ctx context.Context, rows []insight.Record) error {
	links, err := typed[*insight.PRCommit](rows)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO pr_commits (project_key, repo_slug, pr_id, commit_hash, data_source,
			commit_order, _version)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (project_key, repo_slug, pr_id, commit_hash, data_source)
		DO UPDATE SET
			commit_order = EXCLUDED.commit_order,
			_version = EXCLUDED._version
		WHERE pr_commits._version <= EXCLUDED._version
	`

	argRows := make([][]any, 0, len(links))
	for _, l := range links {
		argRows = append(argRows, []any{
			l.ProjectKey, l.RepoSlug, l.PRID, l.CommitHash, l.DataSource,
			l.CommitOrder, l.Version,
		})
	}
	return db.execBatch(ctx, query, argRows)
}
