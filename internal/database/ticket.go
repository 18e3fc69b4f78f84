package database

import (
	"context"

	"github.com/maxcherey/insight-etl/internal/insight"
)

// insertTickets writes ticket links. Re-collection produces the same
// rows again, so conflicts are simply skipped.
func (db *DB) insertTickets(ctx context.Context, rows []insight.Record) error {
	tickets, err := typed[*insight.Ticket](rows)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO tickets (external_ticket_id, project_key, repo_slug, pr_id, commit_hash,
			data_source, _version)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (external_ticket_id, project_key, repo_slug, pr_id, commit_hash, data_source)
		DO NOTHING
	`

	argRows := make([][]any, 0, len(tickets))
	for _, t := range tickets {
		argRows = append(argRows, []any{
			t.ExternalTicketID, t.ProjectKey, t.RepoSlug, t.PRID, t.CommitHash,
			t.DataSource, t.Version,
		})
	}
	return db.execBatch(ctx, query, argRows)
}
