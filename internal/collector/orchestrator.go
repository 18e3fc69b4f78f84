// Package collector sequences one collection run: projects to
// repositories to commit and pull-request streams, with watermark-based
// early stopping, per-repository error isolation, and run accounting.
package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/maxcherey/insight-etl/internal/config"
	"github.com/maxcherey/insight-etl/internal/database"
	"github.com/maxcherey/insight-etl/internal/insight"
	"github.com/maxcherey/insight-etl/internal/upstream"
)

// WatermarkReader serves the per-repository high-watermarks. These
// lookups are the only reads a run makes against the store.
type WatermarkReader interface {
	GetWatermarks(ctx context.Context, projectKey, repoSlug, dataSource string) (database.Watermarks, error)
}

// Orchestrator drives one run end to end.
type Orchestrator struct {
	log        *zap.Logger
	cfg        config.CollectorConfig
	adapter    upstream.Adapter
	watermarks WatermarkReader
	store      database.Store
	sink       *database.Sink
	stats      *Stats
	runID      string
}

// New wires an orchestrator for one invocation.
func New(log *zap.Logger, cfg config.CollectorConfig, adapter upstream.Adapter, watermarks WatermarkReader, store database.Store) *Orchestrator {
	runID := NewRunID(adapter.Source(), time.Now())
	return &Orchestrator{
		log:        log.With(zap.String("run_id", runID), zap.String("upstream", adapter.Source())),
		cfg:        cfg,
		adapter:    adapter,
		watermarks: watermarks,
		store:      store,
		sink:       database.NewSink(log, store, cfg.BatchSize),
		stats:      &Stats{},
		runID:      runID,
	}
}

// RunID returns this invocation's identifier.
func (o *Orchestrator) RunID() string { return o.runID }

// Stats returns a live snapshot of the run counters.
func (o *Orchestrator) Stats() Snapshot {
	o.stats.SetAPICalls(o.adapter.Calls())
	return o.stats.Snapshot()
}

// Run executes the whole collection. It returns nil only when the run
// finalized with status completed.
func (o *Orchestrator) Run(ctx context.Context) error {
	settings, err := json.Marshal(o.cfg)
	if err != nil {
		settings = []byte("{}")
	}
	recorder := &runRecorder{
		store:      o.store,
		runID:      o.runID,
		dataSource: o.adapter.Source(),
		settings:   string(settings),
	}
	if err := recorder.start(ctx); err != nil {
		return err
	}
	o.log.Info("collection run started")

	runErr := o.collect(ctx)

	// Finalization must proceed even after cancellation: flush what was
	// collected and leave a terminal run row behind.
	finalCtx := context.WithoutCancel(ctx)
	if flushErr := o.sink.FlushAll(finalCtx); flushErr != nil && runErr == nil {
		runErr = flushErr
	}

	status := insight.RunStatusCompleted
	if runErr != nil {
		status = insight.RunStatusFailed
	}
	snapshot := o.Stats()
	if err := recorder.finish(finalCtx, status, snapshot); err != nil {
		o.log.Error("failed to finalize run record", zap.Error(err))
		if runErr == nil {
			runErr = err
		}
	}

	o.log.Info("collection run finished",
		zap.String("status", status),
		zap.Int64("repos_processed", snapshot.ReposProcessed),
		zap.Int64("commits_collected", snapshot.CommitsCollected),
		zap.Int64("prs_collected", snapshot.PRsCollected),
		zap.Int64("api_calls", snapshot.APICalls),
		zap.Int64("errors", snapshot.Errors))
	if runErr != nil {
		return fmt.Errorf("run %s failed: %w", o.runID, runErr)
	}
	return nil
}

// collect walks projects and fans repositories out to a bounded worker
// pool. A failure at the project-listing or sink level aborts; a
// failure inside one repository is isolated.
func (o *Orchestrator) collect(ctx context.Context) error {
	for project, err := range o.adapter.Projects(ctx) {
		if err != nil {
			return fmt.Errorf("failed to list projects: %w", err)
		}
		if err := o.collectProject(ctx, project); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) collectProject(ctx context.Context, project upstream.Project) error {
	var repos []*insight.Repository
	for repo, err := range o.adapter.Repositories(ctx, project) {
		if err != nil {
			if upstream.ErrMapping.Has(err) {
				o.countError(project.Key, "", "mapping", err)
				continue
			}
			return fmt.Errorf("failed to list repositories of %s: %w", project.Key, err)
		}
		if !o.cfg.WantsRepository(repo.ProjectKey, repo.RepoSlug) {
			continue
		}
		// Repository rows go out before any children reference them.
		if err := o.sink.Add(ctx, repo); err != nil {
			return err
		}
		repos = append(repos, repo)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(o.cfg.MaxWorkers)
	for _, repo := range repos {
		group.Go(func() error {
			err := o.collectRepository(groupCtx, project, repo)
			switch {
			case err == nil:
			case database.ErrSink.Has(err) || groupCtx.Err() != nil:
				// Sink failures and cancellation abort the run.
				return err
			default:
				// Everything else is isolated to this repository.
				o.countError(repo.ProjectKey, repo.RepoSlug, "permanent", err)
			}
			o.stats.SetAPICalls(o.adapter.Calls())
			return nil
		})
	}
	return group.Wait()
}

func (o *Orchestrator) collectRepository(ctx context.Context, project upstream.Project, repo *insight.Repository) error {
	log := o.log.With(zap.String("project", repo.ProjectKey), zap.String("repo", repo.RepoSlug))
	log.Info("collecting repository")

	floorCommit, floorPR, err := o.floors(ctx, repo)
	if err != nil {
		return err
	}

	branches, err := o.collectBranches(ctx, repo)
	if err != nil {
		return err
	}

	if o.cfg.CollectCommits {
		if err := o.collectCommits(ctx, log, repo, branches, floorCommit); err != nil {
			return err
		}
	}
	if o.cfg.CollectPRs {
		if err := o.collectPullRequests(ctx, log, repo, floorPR); err != nil {
			return err
		}
	}

	o.stats.AddRepo()
	return nil
}

// floors computes the early-stop thresholds for one repository from the
// stored watermarks and the configured window overrides.
func (o *Orchestrator) floors(ctx context.Context, repo *insight.Repository) (commitFloor, prFloor time.Time, err error) {
	if !o.cfg.ForceRefetch {
		wm, err := o.watermarks.GetWatermarks(ctx, repo.ProjectKey, repo.RepoSlug, repo.DataSource)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("failed to read watermarks: %w", err)
		}
		commitFloor, prFloor = wm.MaxCommitDate, wm.MaxPRUpdated
	}
	if o.cfg.Since != nil {
		commitFloor, prFloor = *o.cfg.Since, *o.cfg.Since
	}
	return commitFloor, prFloor, nil
}

// collectBranches emits every branch row and returns the names to walk
// for commits, honoring the branch selection mode.
func (o *Orchestrator) collectBranches(ctx context.Context, repo *insight.Repository) ([]string, error) {
	var walk []string
	for branch, err := range o.adapter.Branches(ctx, repo.ProjectKey, repo.RepoSlug) {
		if err != nil {
			if upstream.ErrMapping.Has(err) {
				o.countError(repo.ProjectKey, repo.RepoSlug, "mapping", err)
				continue
			}
			return nil, err
		}
		if err := o.sink.Add(ctx, branch); err != nil {
			return nil, err
		}
		if branch.IsDefault {
			// The default branch is walked first.
			walk = append([]string{branch.BranchName}, walk...)
		} else if o.cfg.Branches == config.BranchesAll {
			walk = append(walk, branch.BranchName)
		}
	}
	return walk, nil
}

func (o *Orchestrator) collectCommits(ctx context.Context, log *zap.Logger, repo *insight.Repository, branches []string, floor time.Time) error {
	// One row per hash within the run; the first branch walked claims
	// commits reachable from several branches.
	seen := make(map[string]struct{})

	for _, branch := range branches {
		for bundle, err := range o.adapter.Commits(ctx, repo.ProjectKey, repo.RepoSlug, branch, floor) {
			if err != nil {
				if upstream.ErrMapping.Has(err) {
					o.countError(repo.ProjectKey, repo.RepoSlug, "mapping", err)
					continue
				}
				return err
			}
			commit := bundle.Commit
			// Streams are newest-first; the first commit older than the
			// watermark ends this branch. A commit stamped exactly at
			// the watermark is already stored.
			if !floor.IsZero() {
				if commit.Date.Before(floor) {
					break
				}
				if !commit.Date.After(floor) {
					continue
				}
			}
			if o.cfg.Until != nil && commit.Date.After(*o.cfg.Until) {
				continue
			}
			if _, dup := seen[commit.CommitHash]; dup {
				continue
			}
			seen[commit.CommitHash] = struct{}{}

			if err := o.sink.Add(ctx, commit); err != nil {
				return err
			}
			o.stats.AddCommits(1)

			files := bundle.Files
			if files == nil && !o.adapter.InlineFileStats() {
				files, err = o.adapter.CommitFiles(ctx, repo.ProjectKey, repo.RepoSlug, commit.CommitHash)
				if err != nil {
					if upstream.ErrPermanent.Has(err) {
						o.countError(repo.ProjectKey, repo.RepoSlug, "permanent", err)
						continue
					}
					return err
				}
			}
			for _, file := range files {
				if err := o.sink.Add(ctx, file); err != nil {
					return err
				}
			}
			for _, ticket := range bundle.Tickets {
				if err := o.sink.Add(ctx, ticket); err != nil {
					return err
				}
			}
		}
	}
	log.Debug("commits collected", zap.Int("count", len(seen)))
	return nil
}

func (o *Orchestrator) collectPullRequests(ctx context.Context, log *zap.Logger, repo *insight.Repository, floor time.Time) error {
	count := 0
	for bundle, err := range o.adapter.PullRequests(ctx, repo.ProjectKey, repo.RepoSlug, floor) {
		if err != nil {
			if upstream.ErrMapping.Has(err) {
				o.countError(repo.ProjectKey, repo.RepoSlug, "mapping", err)
				continue
			}
			return err
		}
		pr := bundle.PullRequest
		// Newest-first by update time; stop below the watermark.
		if !floor.IsZero() {
			if pr.UpdatedOn.Before(floor) {
				break
			}
			if !pr.UpdatedOn.After(floor) {
				continue
			}
		}
		if o.cfg.Until != nil && pr.UpdatedOn.After(*o.cfg.Until) {
			continue
		}

		if err := o.sink.Add(ctx, pr); err != nil {
			return err
		}
		count++
		o.stats.AddPRs(1)

		if o.cfg.CollectReviews {
			for _, reviewer := range bundle.Reviewers {
				if err := o.sink.Add(ctx, reviewer); err != nil {
					return err
				}
			}
		}
		if o.cfg.CollectComments {
			for _, comment := range bundle.Comments {
				if err := o.sink.Add(ctx, comment); err != nil {
					return err
				}
			}
		}
		for _, link := range bundle.Commits {
			if err := o.sink.Add(ctx, link); err != nil {
				return err
			}
		}
		for _, ticket := range bundle.Tickets {
			if err := o.sink.Add(ctx, ticket); err != nil {
				return err
			}
		}
	}
	log.Debug("pull requests collected", zap.Int("count", count))
	return nil
}

// countError increments the error counter exactly once per observable
// failure and logs the structured context.
func (o *Orchestrator) countError(projectKey, repoSlug, kind string, err error) {
	o.stats.AddError()
	o.log.Warn("collection error",
		zap.String("project", projectKey),
		zap.String("repo", repoSlug),
		zap.String("kind", kind),
		zap.Error(err))
}
