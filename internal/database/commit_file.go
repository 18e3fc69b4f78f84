package database

import (
	"context"

	"github.com/maxcherey/insight-etl/internal/insight"
)

func (db *DB) upsertCommitFiles(ctx context.Context, rows []insight.Record) error {
	files, err := typed[*insight.CommitFile](rows)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO commit_files (project_key, repo_slug, commit_hash, file_path, data_source,
			diff_hash, extension, lines_added, lines_removed, is_third_party, scancode_info, _version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (project_key, repo_slug, commit_hash, file_path, data_source)
		DO UPDATE SET
			diff_hash = EXCLUDED.diff_hash,
			extension = EXCLUDED.extension,
			lines_added = EXCLUDED.lines_added,
			lines_removed = EXCLUDED.lines_removed,
			is_third_party = EXCLUDED.is_third_party,
			scancode_info = EXCLUDED.scancode_info,
			_version = EXCLUDED._version
		WHERE commit_files._version <= EXCLUDED._version
	`

	argRows := make([][]any, 0, len(files))
	for _, f := range files {
		argRows = append(argRows, []any{
			f.ProjectKey, f.RepoSlug, f.CommitHash, f.FilePath, f.DataSource,
			f.DiffHash, f.Extension, f.LinesAdded, f.LinesRemoved, f.IsThirdParty,
			f.ScancodeInfo, f.Version,
		})
	}
	return db.execBatch(ctx, query, argRows)
}
