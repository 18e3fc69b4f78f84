package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/maxcherey/insight-etl/internal/config"
	"github.com/maxcherey/insight-etl/internal/insight"
	"github.com/maxcherey/insight-etl/internal/jira"
)

// GitHub collects from github.com (or a GHE instance) for a single
// organization, which acts as the one virtual project. When a token is
// present and use_graphql is enabled the adapter takes the bulk GraphQL
// path: commits arrive with line/file counts and pull requests with
// nested reviews, comments, and commits in one round trip per page. The
// REST fallback makes one list call plus per-item detail calls.
type GitHub struct {
	log        *zap.Logger
	rest       *Client
	gql        *Client
	org        string
	useGraphQL bool
}

// NewGitHub creates the GitHub adapter.
func NewGitHub(log *zap.Logger, cfg config.UpstreamConfig) *GitHub {
	base := strings.TrimRight(cfg.URL, "/")
	return &GitHub{
		log: log,
		rest: NewClient(log, ClientOptions{
			BaseURL:    base,
			Token:      cfg.Token,
			MaxRetries: cfg.MaxRetries,
			Timeout:    cfg.HTTPTimeout,
		}),
		gql: NewClient(log, ClientOptions{
			BaseURL:    base,
			Token:      cfg.Token,
			MaxRetries: cfg.MaxRetries,
			Timeout:    cfg.HTTPTimeout,
			RetryBody:  graphQLRateLimited,
		}),
		org:        cfg.Org,
		useGraphQL: cfg.UseGraphQL && cfg.Token != "",
	}
}

func (g *GitHub) Source() string        { return insight.SourceGitHub }
func (g *GitHub) InlineFileStats() bool { return true }
func (g *GitHub) Calls() int64          { return g.rest.Calls() + g.gql.Calls() }

// restList pages through a GitHub REST collection (page/per_page style),
// yielding raw array elements until a short page arrives.
func (g *GitHub) restList(ctx context.Context, path string, query url.Values) iter.Seq2[json.RawMessage, error] {
	return func(yield func(json.RawMessage, error) bool) {
		page := 1
		for {
			q := url.Values{}
			for key, vals := range query {
				q[key] = vals
			}
			q.Set("per_page", strconv.Itoa(restPageSize))
			q.Set("page", strconv.Itoa(page))

			var items []json.RawMessage
			if err := g.rest.GetJSON(ctx, path, q, &items); err != nil {
				yield(nil, err)
				return
			}
			for _, item := range items {
				if !yield(item, nil) {
					return
				}
			}
			if len(items) < restPageSize {
				return
			}
			page++
		}
	}
}

// GitHub REST response shapes.

type ghRepo struct {
	ID            int64   `json:"id"`
	NodeID        string  `json:"node_id"`
	Name          string  `json:"name"`
	Private       bool    `json:"private"`
	Size          int64   `json:"size"` // kilobytes
	Language      *string `json:"language"`
	HasIssues     bool    `json:"has_issues"`
	HasWiki       bool    `json:"has_wiki"`
	DefaultBranch string  `json:"default_branch"`
	PushedAt      string  `json:"pushed_at"`
}

type ghBranch struct {
	Name   string `json:"name"`
	Commit struct {
		SHA string `json:"sha"`
	} `json:"commit"`
}

type ghUser struct {
	Login  string `json:"login"`
	NodeID string `json:"node_id"`
}

type ghCommit struct {
	SHA    string `json:"sha"`
	Commit struct {
		Author struct {
			Name  string `json:"name"`
			Email string `json:"email"`
			Date  string `json:"date"`
		} `json:"author"`
		Committer struct {
			Name  string `json:"name"`
			Email string `json:"email"`
			Date  string `json:"date"`
		} `json:"committer"`
		Message string `json:"message"`
	} `json:"commit"`
	Author  *ghUser `json:"author"`
	Parents []struct {
		SHA string `json:"sha"`
	} `json:"parents"`
	Stats *struct {
		Additions int `json:"additions"`
		Deletions int `json:"deletions"`
	} `json:"stats"`
	Files []struct {
		Filename  string `json:"filename"`
		Additions int    `json:"additions"`
		Deletions int    `json:"deletions"`
		Patch     string `json:"patch"`
	} `json:"files"`
}

type ghPullRequest struct {
	ID             int64   `json:"id"`
	Number         int64   `json:"number"`
	Title          string  `json:"title"`
	Body           string  `json:"body"`
	State          string  `json:"state"`
	MergedAt       *string `json:"merged_at"`
	MergeCommitSHA *string `json:"merge_commit_sha"`
	CreatedAt      string  `json:"created_at"`
	UpdatedAt      string  `json:"updated_at"`
	ClosedAt       *string `json:"closed_at"`
	User           ghUser  `json:"user"`
	Head           struct {
		Ref string `json:"ref"`
	} `json:"head"`
	Base struct {
		Ref string `json:"ref"`
	} `json:"base"`
	Additions    int `json:"additions"`
	Deletions    int `json:"deletions"`
	ChangedFiles int `json:"changed_files"`
	Commits      int `json:"commits"`
	Comments     int `json:"comments"`
}

type ghReview struct {
	ID          int64  `json:"id"`
	User        ghUser `json:"user"`
	State       string `json:"state"`
	SubmittedAt string `json:"submitted_at"`
}

type ghComment struct {
	ID        int64  `json:"id"`
	User      ghUser `json:"user"`
	Body      string `json:"body"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
	Path      string `json:"path"`
	Line      *int   `json:"line"`
}

// Projects yields the single virtual project: the organization.
func (g *GitHub) Projects(ctx context.Context) iter.Seq2[Project, error] {
	return func(yield func(Project, error) bool) {
		yield(Project{Key: g.org, Name: g.org}, nil)
	}
}

// Repositories lists the organization's repositories.
func (g *GitHub) Repositories(ctx context.Context, project Project) iter.Seq2[*insight.Repository, error] {
	return func(yield func(*insight.Repository, error) bool) {
		path := fmt.Sprintf("/orgs/%s/repos", g.org)
		for value, err := range g.restList(ctx, path, nil) {
			if err != nil {
				yield(nil, err)
				return
			}
			var r ghRepo
			if err := json.Unmarshal(value, &r); err != nil {
				if !yield(nil, ErrMapping.New("undecodable repository in %s: %v", g.org, err)) {
					return
				}
				continue
			}
			repo := g.mapRepo(&r)
			if !yield(repo, nil) {
				return
			}
		}
	}
}

func (g *GitHub) mapRepo(r *ghRepo) *insight.Repository {
	now := time.Now().UTC()
	sizeBytes := r.Size * 1024
	hasIssues, hasWiki := r.HasIssues, r.HasWiki
	repo := &insight.Repository{
		ProjectKey:  g.org,
		RepoSlug:    r.Name,
		DataSource:  g.Source(),
		Name:        r.Name,
		UUID:        r.NodeID,
		IsPrivate:   r.Private,
		IsEmpty:     r.PushedAt == "",
		SizeBytes:   &sizeBytes,
		HasIssues:   &hasIssues,
		HasWiki:     &hasWiki,
		FirstSeen:   now,
		LastUpdated: now,
		Version:     insight.NextVersion(),
	}
	if r.Language != nil {
		repo.Language = *r.Language
	}
	if t, err := parseTime(r.PushedAt); err == nil {
		repo.LastCommitDate = &t
	}
	return repo
}

// Branches lists branches, marking the repository's default branch.
func (g *GitHub) Branches(ctx context.Context, projectKey, repoSlug string) iter.Seq2[*insight.Branch, error] {
	return func(yield func(*insight.Branch, error) bool) {
		var repo ghRepo
		if err := g.rest.GetJSON(ctx, fmt.Sprintf("/repos/%s/%s", g.org, repoSlug), nil, &repo); err != nil {
			yield(nil, err)
			return
		}

		path := fmt.Sprintf("/repos/%s/%s/branches", g.org, repoSlug)
		for value, err := range g.restList(ctx, path, nil) {
			if err != nil {
				yield(nil, err)
				return
			}
			var br ghBranch
			if err := json.Unmarshal(value, &br); err != nil {
				if !yield(nil, ErrMapping.New("undecodable branch in %s/%s: %v", g.org, repoSlug, err)) {
					return
				}
				continue
			}
			branch := &insight.Branch{
				ProjectKey:     projectKey,
				RepoSlug:       repoSlug,
				BranchName:     br.Name,
				DataSource:     g.Source(),
				IsDefault:      br.Name == repo.DefaultBranch,
				LastCommitHash: br.Commit.SHA,
				LastCheckedAt:  time.Now().UTC(),
				Version:        insight.NextVersion(),
			}
			if !yield(branch, nil) {
				return
			}
		}
	}
}

// Commits streams a branch's history newest-first, choosing the bulk or
// fallback path.
func (g *GitHub) Commits(ctx context.Context, projectKey, repoSlug, branch string, since time.Time) iter.Seq2[*CommitBundle, error] {
	if g.useGraphQL {
		return g.commitsGraphQL(ctx, repoSlug, branch, since)
	}
	return g.commitsREST(ctx, projectKey, repoSlug, branch, since)
}

func (g *GitHub) commitsREST(ctx context.Context, projectKey, repoSlug, branch string, since time.Time) iter.Seq2[*CommitBundle, error] {
	return func(yield func(*CommitBundle, error) bool) {
		path := fmt.Sprintf("/repos/%s/%s/commits", g.org, repoSlug)
		query := url.Values{}
		if branch != "" {
			query.Set("sha", branch)
		}
		if !since.IsZero() {
			query.Set("since", since.UTC().Format(time.RFC3339))
		}
		for value, err := range g.restList(ctx, path, query) {
			if err != nil {
				yield(nil, err)
				return
			}
			var c ghCommit
			if err := json.Unmarshal(value, &c); err != nil {
				if !yield(nil, ErrMapping.New("undecodable commit in %s/%s: %v", g.org, repoSlug, err)) {
					return
				}
				continue
			}
			// The list payload has no stats; fetch the commit detail for
			// line counts and files.
			var detail ghCommit
			if err := g.rest.GetJSON(ctx, fmt.Sprintf("/repos/%s/%s/commits/%s", g.org, repoSlug, c.SHA), nil, &detail); err != nil {
				yield(nil, err)
				return
			}
			bundle, err := g.mapCommit(&detail, projectKey, repoSlug, branch)
			if err != nil {
				if !yield(nil, err) {
					return
				}
				continue
			}
			if !yield(bundle, nil) {
				return
			}
		}
	}
}

func (g *GitHub) mapCommit(c *ghCommit, projectKey, repoSlug, branch string) (*CommitBundle, error) {
	if c.SHA == "" {
		return nil, ErrMapping.New("commit without hash in %s/%s", projectKey, repoSlug)
	}
	date, err := parseTime(c.Commit.Author.Date)
	if err != nil {
		return nil, ErrMapping.New("commit %s: %v", c.SHA, err)
	}

	parents := make([]string, 0, len(c.Parents))
	for _, p := range c.Parents {
		parents = append(parents, p.SHA)
	}

	commit := &insight.Commit{
		ProjectKey:     projectKey,
		RepoSlug:       repoSlug,
		CommitHash:     c.SHA,
		DataSource:     g.Source(),
		Branch:         branch,
		AuthorName:     c.Commit.Author.Name,
		AuthorEmail:    c.Commit.Author.Email,
		CommitterName:  c.Commit.Committer.Name,
		CommitterEmail: c.Commit.Committer.Email,
		Message:        c.Commit.Message,
		Date:           date,
		Parents:        parents,
		IsMergeCommit:  len(parents) > 1,
		FilesChanged:   len(c.Files),
		Version:        insight.NextVersion(),
	}
	if c.Stats != nil {
		commit.LinesAdded = c.Stats.Additions
		commit.LinesRemoved = c.Stats.Deletions
	}

	bundle := &CommitBundle{Commit: commit}
	for _, f := range c.Files {
		bundle.Files = append(bundle.Files, &insight.CommitFile{
			ProjectKey:   projectKey,
			RepoSlug:     repoSlug,
			CommitHash:   c.SHA,
			FilePath:     f.Filename,
			DataSource:   g.Source(),
			DiffHash:     diffHash(f.Patch),
			Extension:    fileExtension(f.Filename),
			LinesAdded:   f.Additions,
			LinesRemoved: f.Deletions,
			Version:      insight.NextVersion(),
		})
	}

	for _, key := range jira.Extract(c.Commit.Message) {
		bundle.Tickets = append(bundle.Tickets, &insight.Ticket{
			ExternalTicketID: key,
			ProjectKey:       projectKey,
			RepoSlug:         repoSlug,
			CommitHash:       c.SHA,
			DataSource:       g.Source(),
			Version:          insight.NextVersion(),
		})
	}
	return bundle, nil
}

// CommitFiles serves the per-item fallback for callers that need file
// rows when the commit stream carried only counts.
func (g *GitHub) CommitFiles(ctx context.Context, projectKey, repoSlug, commitHash string) ([]*insight.CommitFile, error) {
	var detail ghCommit
	if err := g.rest.GetJSON(ctx, fmt.Sprintf("/repos/%s/%s/commits/%s", g.org, repoSlug, commitHash), nil, &detail); err != nil {
		return nil, err
	}
	bundle, err := g.mapCommit(&detail, projectKey, repoSlug, "")
	if err != nil {
		return nil, err
	}
	return bundle.Files, nil
}

// PullRequests streams pull requests newest-first by update time.
func (g *GitHub) PullRequests(ctx context.Context, projectKey, repoSlug string, since time.Time) iter.Seq2[*PullRequestBundle, error] {
	if g.useGraphQL {
		return g.pullRequestsGraphQL(ctx, repoSlug, since)
	}
	return g.pullRequestsREST(ctx, projectKey, repoSlug)
}

func (g *GitHub) pullRequestsREST(ctx context.Context, projectKey, repoSlug string) iter.Seq2[*PullRequestBundle, error] {
	return func(yield func(*PullRequestBundle, error) bool) {
		path := fmt.Sprintf("/repos/%s/%s/pulls", g.org, repoSlug)
		query := url.Values{}
		query.Set("state", "all")
		query.Set("sort", "updated")
		query.Set("direction", "desc")
		for value, err := range g.restList(ctx, path, query) {
			if err != nil {
				yield(nil, err)
				return
			}
			var pr ghPullRequest
			if err := json.Unmarshal(value, &pr); err != nil {
				if !yield(nil, ErrMapping.New("undecodable pull request in %s/%s: %v", g.org, repoSlug, err)) {
					return
				}
				continue
			}
			bundle, err := g.buildPullRequestREST(ctx, projectKey, repoSlug, pr.Number)
			if err != nil {
				if !yield(nil, err) {
					return
				}
				continue
			}
			if !yield(bundle, nil) {
				return
			}
		}
	}
}

// buildPullRequestREST assembles one PR from the detail endpoint plus
// its reviews, comments, and commits sub-resources.
func (g *GitHub) buildPullRequestREST(ctx context.Context, projectKey, repoSlug string, number int64) (*PullRequestBundle, error) {
	base := fmt.Sprintf("/repos/%s/%s/pulls/%d", g.org, repoSlug, number)

	var pr ghPullRequest
	if err := g.rest.GetJSON(ctx, base, nil, &pr); err != nil {
		return nil, err
	}
	mapped, err := g.mapPullRequest(projectKey, repoSlug, &pr)
	if err != nil {
		return nil, err
	}
	bundle := &PullRequestBundle{PullRequest: mapped}

	for value, err := range g.restList(ctx, base+"/reviews", nil) {
		if err != nil {
			return nil, err
		}
		var review ghReview
		if err := json.Unmarshal(value, &review); err != nil {
			continue
		}
		bundle.Reviewers = append(bundle.Reviewers, g.mapReviewer(projectKey, repoSlug, mapped.PRID, &review))
	}

	// Inline review comments and general issue comments both land in
	// the comment table.
	for _, sub := range []string{base + "/comments", fmt.Sprintf("/repos/%s/%s/issues/%d/comments", g.org, repoSlug, number)} {
		for value, err := range g.restList(ctx, sub, nil) {
			if err != nil {
				return nil, err
			}
			var comment ghComment
			if err := json.Unmarshal(value, &comment); err != nil {
				continue
			}
			bundle.Comments = append(bundle.Comments, g.mapComment(projectKey, repoSlug, mapped.PRID, &comment))
		}
	}

	order := 0
	for value, err := range g.restList(ctx, base+"/commits", nil) {
		if err != nil {
			return nil, err
		}
		var c ghCommit
		if err := json.Unmarshal(value, &c); err != nil || c.SHA == "" {
			continue
		}
		bundle.Commits = append(bundle.Commits, &insight.PRCommit{
			ProjectKey:  projectKey,
			RepoSlug:    repoSlug,
			PRID:        mapped.PRID,
			CommitHash:  c.SHA,
			DataSource:  g.Source(),
			CommitOrder: order,
			Version:     insight.NextVersion(),
		})
		order++
	}
	mapped.CommitCount = len(bundle.Commits)
	mapped.CommentCount = len(bundle.Comments)

	bundle.Tickets = g.prTickets(projectKey, repoSlug, mapped)
	return bundle, nil
}

func (g *GitHub) mapPullRequest(projectKey, repoSlug string, pr *ghPullRequest) (*insight.PullRequest, error) {
	created, err := parseTime(pr.CreatedAt)
	if err != nil {
		return nil, ErrMapping.New("pull request %d: %v", pr.Number, err)
	}
	updated, err := parseTime(pr.UpdatedAt)
	if err != nil {
		return nil, ErrMapping.New("pull request %d: %v", pr.Number, err)
	}

	mapped := &insight.PullRequest{
		ProjectKey: projectKey,
		RepoSlug:   repoSlug,
		// GitHub distinguishes the global database id from the per-repo
		// sequential number; both are kept.
		PRID:              pr.ID,
		PRNumber:          pr.Number,
		DataSource:        g.Source(),
		Title:             pr.Title,
		Description:       pr.Body,
		State:             githubPRState(pr),
		Author:            pr.User.Login,
		CreatedOn:         created,
		UpdatedOn:         updated,
		SourceBranch:      pr.Head.Ref,
		DestinationBranch: pr.Base.Ref,
		FilesChanged:      pr.ChangedFiles,
		LinesAdded:        pr.Additions,
		LinesRemoved:      pr.Deletions,
		CommitCount:       pr.Commits,
		CommentCount:      pr.Comments,
		Version:           insight.NextVersion(),
	}
	if pr.ClosedAt != nil {
		if closed, err := parseTime(*pr.ClosedAt); err == nil {
			mapped.SetClosed(closed)
		}
	}
	if pr.MergeCommitSHA != nil {
		mapped.MergeCommitHash = *pr.MergeCommitSHA
	}
	return mapped, nil
}

// githubPRState maps merged/state onto the unified state set.
func githubPRState(pr *ghPullRequest) string {
	if pr.MergedAt != nil {
		return insight.PRStateMerged
	}
	if strings.EqualFold(pr.State, "open") {
		return insight.PRStateOpen
	}
	return insight.PRStateClosed
}

func (g *GitHub) mapReviewer(projectKey, repoSlug string, prID int64, review *ghReview) *insight.Reviewer {
	uuid := review.User.NodeID
	if uuid == "" {
		uuid = review.User.Login
	}
	reviewer := &insight.Reviewer{
		ProjectKey:   projectKey,
		RepoSlug:     repoSlug,
		PRID:         prID,
		ReviewerUUID: uuid,
		DataSource:   g.Source(),
		Name:         review.User.Login,
		// GitHub does not expose reviewer emails.
		Status:   review.State,
		Role:     "REVIEWER",
		Approved: insight.ApprovedStatus(review.State),
		Version:  insight.NextVersion(),
	}
	if t, err := parseTime(review.SubmittedAt); err == nil {
		reviewer.ReviewedAt = &t
	}
	return reviewer
}

func (g *GitHub) mapComment(projectKey, repoSlug string, prID int64, comment *ghComment) *insight.PRComment {
	mapped := &insight.PRComment{
		ProjectKey: projectKey,
		RepoSlug:   repoSlug,
		PRID:       prID,
		CommentID:  comment.ID,
		DataSource: g.Source(),
		Content:    comment.Body,
		Author:     comment.User.Login,
		FilePath:   comment.Path,
		LineNumber: comment.Line,
		Version:    insight.NextVersion(),
	}
	if t, err := parseTime(comment.CreatedAt); err == nil {
		mapped.CreatedAt = t
	}
	if t, err := parseTime(comment.UpdatedAt); err == nil {
		mapped.UpdatedAt = &t
	}
	return mapped
}

func (g *GitHub) prTickets(projectKey, repoSlug string, pr *insight.PullRequest) []*insight.Ticket {
	var tickets []*insight.Ticket
	for _, key := range jira.Extract(pr.Title, pr.Description) {
		tickets = append(tickets, &insight.Ticket{
			ExternalTicketID: key,
			ProjectKey:       projectKey,
			RepoSlug:         repoSlug,
			PRID:             pr.PRID,
			DataSource:       g.Source(),
			Version:          insight.NextVersion(),
		})
	}
	return tickets
}
