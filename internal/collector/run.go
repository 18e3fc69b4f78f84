package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/maxcherey/insight-etl/internal/database"
	"github.com/maxcherey/insight-etl/internal/insight"
)

// NewRunID builds the unique run identifier for one invocation.
func NewRunID(dataSource string, now time.Time) string {
	return fmt.Sprintf("%s-%s", dataSource, now.UTC().Format("20060102-150405"))
}

// runRecorder writes the collection_runs accounting row at run start
// and finalize. Writes go straight through the store, not the batching
// sink, so the running row is visible immediately.
type runRecorder struct {
	store      database.Store
	runID      string
	dataSource string
	settings   string
	startedAt  time.Time
}

// start writes the running row with zeroed counters.
func (r *runRecorder) start(ctx context.Context) error {
	r.startedAt = time.Now().UTC()
	row := &insight.CollectionRun{
		RunID:      r.runID,
		DataSource: r.dataSource,
		Status:     insight.RunStatusRunning,
		StartedAt:  r.startedAt,
		Settings:   r.settings,
		Version:    insight.NextVersion(),
	}
	if err := r.store.InsertRows(ctx, insight.TableCollectionRuns, []insight.Record{row}); err != nil {
		return fmt.Errorf("failed to record run start: %w", err)
	}
	return nil
}

// finish upserts the final row. The fresh version stamp makes the
// completed snapshot win over the running one.
func (r *runRecorder) finish(ctx context.Context, status string, stats Snapshot) error {
	completed := time.Now().UTC()
	row := &insight.CollectionRun{
		RunID:            r.runID,
		DataSource:       r.dataSource,
		Status:           status,
		StartedAt:        r.startedAt,
		CompletedAt:      &completed,
		ReposProcessed:   stats.ReposProcessed,
		CommitsCollected: stats.CommitsCollected,
		PRsCollected:     stats.PRsCollected,
		APICalls:         stats.APICalls,
		Errors:           stats.Errors,
		Settings:         r.settings,
		Version:          insight.NextVersion(),
	}
	if err := r.store.InsertRows(ctx, insight.TableCollectionRuns, []insight.Record{row}); err != nil {
		return fmt.Errorf("failed to record run finish: %w", err)
	}
	return nil
}
