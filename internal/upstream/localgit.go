package upstream

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.uber.org/zap"

	"github.com/maxcherey/insight-etl/internal/config"
	"github.com/maxcherey/insight-etl/internal/insight"
	"github.com/maxcherey/insight-etl/internal/jira"
)

// LocalGit collects from repositories already cloned on disk, walking
// git history directly instead of an HTTP API. It backs the custom-git
// data source; there are no pull requests to collect.
type LocalGit struct {
	log *zap.Logger
	// repos maps "project/slug" to the clone path.
	repos map[string]string
	calls atomic.Int64
}

// NewLocalGit creates the local clone adapter.
func NewLocalGit(log *zap.Logger, cfg config.UpstreamConfig) *LocalGit {
	return &LocalGit{log: log, repos: cfg.LocalRepos}
}

func (l *LocalGit) Source() string        { return insight.SourceCustomETL }
func (l *LocalGit) InlineFileStats() bool { return true }
func (l *LocalGit) Calls() int64          { return l.calls.Load() }

// open opens one configured clone.
func (l *LocalGit) open(projectKey, repoSlug string) (*gogit.Repository, error) {
	path, ok := l.repos[projectKey+"/"+repoSlug]
	if !ok {
		return nil, ErrPermanent.New("no local clone configured for %s/%s", projectKey, repoSlug)
	}
	repo, err := gogit.PlainOpen(path)
	if err != nil {
		return nil, ErrPermanent.New("failed to open repository %s: %v", path, err)
	}
	return repo, nil
}

// Projects derives the project set from the configured repo keys.
func (l *LocalGit) Projects(ctx context.Context) iter.Seq2[Project, error] {
	return func(yield func(Project, error) bool) {
		seen := make(map[string]struct{})
		var keys []string
		for full := range l.repos {
			project, _, ok := strings.Cut(full, "/")
			if !ok {
				continue
			}
			if _, dup := seen[project]; dup {
				continue
			}
			seen[project] = struct{}{}
			keys = append(keys, project)
		}
		sort.Strings(keys)
		for _, key := range keys {
			if !yield(Project{Key: key, Name: key}, nil) {
				return
			}
		}
	}
}

// Repositories lists the configured clones under one project.
func (l *LocalGit) Repositories(ctx context.Context, project Project) iter.Seq2[*insight.Repository, error] {
	return func(yield func(*insight.Repository, error) bool) {
		var slugs []string
		for full := range l.repos {
			projectKey, slug, ok := strings.Cut(full, "/")
			if !ok || projectKey != project.Key {
				continue
			}
			slugs = append(slugs, slug)
		}
		sort.Strings(slugs)

		for _, slug := range slugs {
			repo, err := l.open(project.Key, slug)
			if err != nil {
				if !yield(nil, err) {
					return
				}
				continue
			}
			now := time.Now().UTC()
			mapped := &insight.Repository{
				ProjectKey:  project.Key,
				RepoSlug:    slug,
				DataSource:  l.Source(),
				Name:        slug,
				IsPrivate:   true,
				FirstSeen:   now,
				LastUpdated: now,
				Version:     insight.NextVersion(),
			}
			if head, err := repo.Head(); err == nil {
				if commit, err := repo.CommitObject(head.Hash()); err == nil {
					when := commit.Author.When.UTC()
					mapped.LastCommitDate = &when
				}
			} else {
				mapped.IsEmpty = true
			}
			if !yield(mapped, nil) {
				return
			}
		}
	}
}

// Branches iterates local branch refs; HEAD's branch is the default.
func (l *LocalGit) Branches(ctx context.Context, projectKey, repoSlug string) iter.Seq2[*insight.Branch, error] {
	return func(yield func(*insight.Branch, error) bool) {
		repo, err := l.open(projectKey, repoSlug)
		if err != nil {
			yield(nil, err)
			return
		}

		defaultBranch := ""
		if head, err := repo.Head(); err == nil && head.Name().IsBranch() {
			defaultBranch = head.Name().Short()
		}

		branches, err := repo.Branches()
		if err != nil {
			yield(nil, ErrPermanent.New("failed to list branches for %s/%s: %v", projectKey, repoSlug, err))
			return
		}
		defer branches.Close()

		stopped := false
		err = branches.ForEach(func(ref *plumbing.Reference) error {
			branch := &insight.Branch{
				ProjectKey:     projectKey,
				RepoSlug:       repoSlug,
				BranchName:     ref.Name().Short(),
				DataSource:     l.Source(),
				IsDefault:      ref.Name().Short() == defaultBranch,
				LastCommitHash: ref.Hash().String(),
				LastCheckedAt:  time.Now().UTC(),
				Version:        insight.NextVersion(),
			}
			if commit, err := repo.CommitObject(ref.Hash()); err == nil {
				when := commit.Author.When.UTC()
				branch.LastCommitDate = &when
			}
			if !yield(branch, nil) {
				stopped = true
				return fmt.Errorf("stop")
			}
			return nil
		})
		if err != nil && !stopped {
			yield(nil, ErrPermanent.New("branch iteration failed for %s/%s: %v", projectKey, repoSlug, err))
		}
	}
}

// Commits walks a branch's history newest-first by committer time, with
// per-file line stats computed from the commit patches.
func (l *LocalGit) Commits(ctx context.Context, projectKey, repoSlug, branch string, since time.Time) iter.Seq2[*CommitBundle, error] {
	return func(yield func(*CommitBundle, error) bool) {
		repo, err := l.open(projectKey, repoSlug)
		if err != nil {
			yield(nil, err)
			return
		}

		ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
		if err != nil {
			yield(nil, ErrPermanent.New("unknown branch %s in %s/%s: %v", branch, projectKey, repoSlug, err))
			return
		}

		commitIter, err := repo.Log(&gogit.LogOptions{
			From:  ref.Hash(),
			Order: gogit.LogOrderCommitterTime,
		})
		if err != nil {
			yield(nil, ErrPermanent.New("failed to read log for %s/%s: %v", projectKey, repoSlug, err))
			return
		}
		defer commitIter.Close()

		stopped := false
		err = commitIter.ForEach(func(c *object.Commit) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if !since.IsZero() && c.Author.When.Before(since) {
				return nil
			}
			bundle := l.mapCommit(c, projectKey, repoSlug, branch)
			if !yield(bundle, nil) {
				stopped = true
				return fmt.Errorf("stop")
			}
			return nil
		})
		if err != nil && !stopped && ctx.Err() == nil {
			yield(nil, ErrPermanent.New("commit walk failed for %s/%s: %v", projectKey, repoSlug, err))
		}
	}
}

func (l *LocalGit) mapCommit(c *object.Commit, projectKey, repoSlug, branch string) *CommitBundle {
	parents := make([]string, 0, len(c.ParentHashes))
	for _, p := range c.ParentHashes {
		parents = append(parents, p.String())
	}

	commit := &insight.Commit{
		ProjectKey:     projectKey,
		RepoSlug:       repoSlug,
		CommitHash:     c.Hash.String(),
		DataSource:     l.Source(),
		Branch:         branch,
		AuthorName:     c.Author.Name,
		AuthorEmail:    c.Author.Email,
		CommitterName:  c.Committer.Name,
		CommitterEmail: c.Committer.Email,
		Message:        c.Message,
		Date:           c.Author.When.UTC().Truncate(time.Millisecond),
		Parents:        parents,
		IsMergeCommit:  len(parents) > 1,
		Version:        insight.NextVersion(),
	}

	bundle := &CommitBundle{Commit: commit}

	// go-git Stats() builds patches and counts stats
	stats, err := c.Stats()
	if err == nil {
		commit.FilesChanged = len(stats)
		for _, stat := range stats {
			commit.LinesAdded += stat.Addition
			commit.LinesRemoved += stat.Deletion
			bundle.Files = append(bundle.Files, &insight.CommitFile{
				ProjectKey:   projectKey,
				RepoSlug:     repoSlug,
				CommitHash:   c.Hash.String(),
				FilePath:     stat.Name,
				DataSource:   l.Source(),
				DiffHash:     diffHash(fmt.Sprintf("%s+%d-%d", stat.Name, stat.Addition, stat.Deletion)),
				Extension:    fileExtension(stat.Name),
				LinesAdded:   stat.Addition,
				LinesRemoved: stat.Deletion,
				Version:      insight.NextVersion(),
			})
		}
	}

	for _, key := range jira.Extract(c.Message) {
		bundle.Tickets = append(bundle.Tickets, &insight.Ticket{
			ExternalTicketID: key,
			ProjectKey:       projectKey,
			RepoSlug:         repoSlug,
			CommitHash:       c.Hash.String(),
			DataSource:       l.Source(),
			Version:          insight.NextVersion(),
		})
	}
	return bundle
}

// CommitFiles recomputes the file stats of one commit.
func (l *LocalGit) CommitFiles(ctx context.Context, projectKey, repoSlug, commitHash string) ([]*insight.CommitFile, error) {
	repo, err := l.open(projectKey, repoSlug)
	if err != nil {
		return nil, err
	}
	commit, err := repo.CommitObject(plumbing.NewHash(commitHash))
	if err != nil {
		return nil, ErrPermanent.New("unknown commit %s in %s/%s: %v", commitHash, projectKey, repoSlug, err)
	}
	return l.mapCommit(commit, projectKey, repoSlug, "").Files, nil
}

// PullRequests yields nothing: local clones carry no review data.
func (l *LocalGit) PullRequests(ctx context.Context, projectKey, repoSlug string, since time.Time) iter.Seq2[*PullRequestBundle, error] {
	return func(yield func(*PullRequestBundle, error) bool) {}
}
