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

// Bitbucket collects from a Bitbucket Server (REST API 1.0) instance.
// Commit streams do not carry file stats; the orchestrator fetches them
// per commit through CommitFiles (one diff call each).
type Bitbucket struct {
	log    *zap.Logger
	client *Client
}

// NewBitbucket creates the Bitbucket Server adapter.
func NewBitbucket(log *zap.Logger, cfg config.UpstreamConfig) *Bitbucket {
	return &Bitbucket{
		log: log,
		client: NewClient(log, ClientOptions{
			BaseURL:    strings.TrimRight(cfg.URL, "/") + "/rest/api/1.0",
			Token:      cfg.Token,
			MaxRetries: cfg.MaxRetries,
			Timeout:    cfg.HTTPTimeout,
		}),
	}
}

func (b *Bitbucket) Source() string        { return insight.SourceBitbucketServer }
func (b *Bitbucket) InlineFileStats() bool { return false }
func (b *Bitbucket) Calls() int64          { return b.client.Calls() }

// Bitbucket Server response shapes. Timestamps are millisecond epochs.

type bbProject struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

type bbRepo struct {
	ID     int64  `json:"id"`
	Slug   string `json:"slug"`
	Name   string `json:"name"`
	State  string `json:"state"`
	Public bool   `json:"public"`
}

type bbBranch struct {
	ID           string `json:"id"`
	DisplayID    string `json:"displayId"`
	LatestCommit string `json:"latestCommit"`
	IsDefault    bool   `json:"isDefault"`
}

type bbPerson struct {
	Name         string `json:"name"`
	DisplayName  string `json:"displayName"`
	EmailAddress string `json:"emailAddress"`
	Slug         string `json:"slug"`
}

type bbCommit struct {
	ID                 string   `json:"id"`
	AuthorTimestamp    int64    `json:"authorTimestamp"`
	CommitterTimestamp int64    `json:"committerTimestamp"`
	Author             bbPerson `json:"author"`
	Committer          bbPerson `json:"committer"`
	Message            string   `json:"message"`
	Parents            []struct {
		ID string `json:"id"`
	} `json:"parents"`
	Properties struct {
		JiraKey []string `json:"jira-key"`
	} `json:"properties"`
}

type bbRef struct {
	ID           string `json:"id"`
	DisplayID    string `json:"displayId"`
	LatestCommit string `json:"latestCommit"`
}

type bbParticipant struct {
	User     bbPerson `json:"user"`
	Role     string   `json:"role"`
	Approved bool     `json:"approved"`
	Status   string   `json:"status"`
}

type bbPullRequest struct {
	ID          int64           `json:"id"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	State       string          `json:"state"`
	CreatedDate int64           `json:"createdDate"`
	UpdatedDate int64           `json:"updatedDate"`
	ClosedDate  int64           `json:"closedDate"`
	FromRef     bbRef           `json:"fromRef"`
	ToRef       bbRef           `json:"toRef"`
	Author      bbParticipant   `json:"author"`
	Reviewers   []bbParticipant `json:"reviewers"`
	Properties  struct {
		CommentCount  int `json:"commentCount"`
		OpenTaskCount int `json:"openTaskCount"`
		MergeCommit   *struct {
			ID string `json:"id"`
		} `json:"mergeCommit"`
	} `json:"properties"`
}

type bbComment struct {
	ID             int64       `json:"id"`
	Text           string      `json:"text"`
	Author         bbPerson    `json:"author"`
	CreatedDate    int64       `json:"createdDate"`
	UpdatedDate    int64       `json:"updatedDate"`
	Severity       string      `json:"severity"`
	State          string      `json:"state"`
	ThreadResolved *bool       `json:"threadResolved"`
	Comments       []bbComment `json:"comments"`
}

type bbActivity struct {
	Action        string     `json:"action"`
	Comment       *bbComment `json:"comment"`
	CommentAnchor *struct {
		Path string `json:"path"`
		Line int    `json:"line"`
	} `json:"commentAnchor"`
}

type bbChange struct {
	Path struct {
		ToString string `json:"toString"`
	} `json:"path"`
}

type bbDiffLine struct {
	Line string `json:"line"`
}

type bbDiffResponse struct {
	Diffs []struct {
		Source *struct {
			ToString string `json:"toString"`
		} `json:"source"`
		Destination *struct {
			ToString string `json:"toString"`
		} `json:"destination"`
		Hunks []struct {
			Segments []struct {
				Type  string       `json:"type"`
				Lines []bbDiffLine `json:"lines"`
			} `json:"segments"`
		} `json:"hunks"`
	} `json:"diffs"`
}

// Projects lists every project on the server.
func (b *Bitbucket) Projects(ctx context.Context) iter.Seq2[Project, error] {
	return func(yield func(Project, error) bool) {
		for value, err := range offsetValues(ctx, b.client, "/projects", nil, restPageSize) {
			if err != nil {
				yield(Project{}, err)
				return
			}
			var p bbProject
			if err := json.Unmarshal(value, &p); err != nil {
				yield(Project{}, ErrMapping.New("undecodable project: %v", err))
				return
			}
			if !yield(Project{Key: p.Key, Name: p.Name}, nil) {
				return
			}
		}
	}
}

// Repositories lists the repositories of one project.
func (b *Bitbucket) Repositories(ctx context.Context, project Project) iter.Seq2[*insight.Repository, error] {
	return func(yield func(*insight.Repository, error) bool) {
		path := fmt.Sprintf("/projects/%s/repos", project.Key)
		for value, err := range offsetValues(ctx, b.client, path, nil, restPageSize) {
			if err != nil {
				yield(nil, err)
				return
			}
			var r bbRepo
			if err := json.Unmarshal(value, &r); err != nil {
				if !yield(nil, ErrMapping.New("undecodable repository in %s: %v", project.Key, err)) {
					return
				}
				continue
			}
			now := time.Now().UTC()
			repo := &insight.Repository{
				ProjectKey:  project.Key,
				RepoSlug:    r.Slug,
				DataSource:  b.Source(),
				Name:        r.Name,
				UUID:        strconv.FormatInt(r.ID, 10),
				IsPrivate:   !r.Public,
				FirstSeen:   now,
				LastUpdated: now,
				Version:     insight.NextVersion(),
			}
			if !yield(repo, nil) {
				return
			}
		}
	}
}

// Branches lists the branches of a repository, marking the default.
func (b *Bitbucket) Branches(ctx context.Context, projectKey, repoSlug string) iter.Seq2[*insight.Branch, error] {
	return func(yield func(*insight.Branch, error) bool) {
		path := fmt.Sprintf("/projects/%s/repos/%s/branches", projectKey, repoSlug)
		for value, err := range offsetValues(ctx, b.client, path, nil, restPageSize) {
			if err != nil {
				yield(nil, err)
				return
			}
			var br bbBranch
			if err := json.Unmarshal(value, &br); err != nil {
				if !yield(nil, ErrMapping.New("undecodable branch in %s/%s: %v", projectKey, repoSlug, err)) {
					return
				}
				continue
			}
			branch := &insight.Branch{
				ProjectKey:     projectKey,
				RepoSlug:       repoSlug,
				BranchName:     br.DisplayID,
				DataSource:     b.Source(),
				IsDefault:      br.IsDefault,
				LastCommitHash: br.LatestCommit,
				LastCheckedAt:  time.Now().UTC(),
				Version:        insight.NextVersion(),
			}
			if !yield(branch, nil) {
				return
			}
		}
	}
}

// Commits streams a branch's history newest-first.
func (b *Bitbucket) Commits(ctx context.Context, projectKey, repoSlug, branch string, since time.Time) iter.Seq2[*CommitBundle, error] {
	return func(yield func(*CommitBundle, error) bool) {
		path := fmt.Sprintf("/projects/%s/repos/%s/commits", projectKey, repoSlug)
		query := url.Values{}
		if branch != "" {
			query.Set("until", "refs/heads/"+branch)
		}
		for value, err := range offsetValues(ctx, b.client, path, query, restPageSize) {
			if err != nil {
				yield(nil, err)
				return
			}
			bundle, err := b.mapCommit(value, projectKey, repoSlug, branch)
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

func (b *Bitbucket) mapCommit(value json.RawMessage, projectKey, repoSlug, branch string) (*CommitBundle, error) {
	var c bbCommit
	if err := json.Unmarshal(value, &c); err != nil {
		return nil, ErrMapping.New("undecodable commit in %s/%s: %v", projectKey, repoSlug, err)
	}
	if c.ID == "" {
		return nil, ErrMapping.New("commit without hash in %s/%s", projectKey, repoSlug)
	}
	if c.AuthorTimestamp == 0 {
		return nil, ErrMapping.New("commit %s without author timestamp", c.ID)
	}

	parents := make([]string, 0, len(c.Parents))
	for _, p := range c.Parents {
		parents = append(parents, p.ID)
	}

	commit := &insight.Commit{
		ProjectKey:     projectKey,
		RepoSlug:       repoSlug,
		CommitHash:     c.ID,
		DataSource:     b.Source(),
		Branch:         branch,
		AuthorName:     c.Author.Name,
		AuthorEmail:    c.Author.EmailAddress,
		CommitterName:  c.Committer.Name,
		CommitterEmail: c.Committer.EmailAddress,
		Message:        c.Message,
		Date:           msToTime(c.AuthorTimestamp),
		Parents:        parents,
		IsMergeCommit:  len(parents) > 1,
		Version:        insight.NextVersion(),
	}

	// Ticket keys come from the message and from the jira-key property
	// the server computes; both are unioned and deduplicated.
	keys := jira.Union(jira.Extract(c.Message), c.Properties.JiraKey...)
	tickets := make([]*insight.Ticket, 0, len(keys))
	for _, key := range keys {
		tickets = append(tickets, &insight.Ticket{
			ExternalTicketID: key,
			ProjectKey:       projectKey,
			RepoSlug:         repoSlug,
			CommitHash:       c.ID,
			DataSource:       b.Source(),
			Version:          insight.NextVersion(),
		})
	}

	return &CommitBundle{Commit: commit, Tickets: tickets}, nil
}

// CommitFiles fetches the diff of one commit and derives per-file line
// stats plus a content hash.
func (b *Bitbucket) CommitFiles(ctx context.Context, projectKey, repoSlug, commitHash string) ([]*insight.CommitFile, error) {
	path := fmt.Sprintf("/projects/%s/repos/%s/commits/%s/diff", projectKey, repoSlug, commitHash)

	var diff bbDiffResponse
	if err := b.client.GetJSON(ctx, path, nil, &diff); err != nil {
		return nil, err
	}

	files := make([]*insight.CommitFile, 0, len(diff.Diffs))
	for _, d := range diff.Diffs {
		filePath := ""
		if d.Destination != nil {
			filePath = d.Destination.ToString
		} else if d.Source != nil {
			filePath = d.Source.ToString
		}
		if filePath == "" {
			continue
		}

		var added, removed int
		var content strings.Builder
		for _, hunk := range d.Hunks {
			for _, segment := range hunk.Segments {
				for _, line := range segment.Lines {
					content.WriteString(segment.Type)
					content.WriteByte(':')
					content.WriteString(line.Line)
					content.WriteByte('\n')
				}
				switch segment.Type {
				case "ADDED":
					added += len(segment.Lines)
				case "REMOVED":
					removed += len(segment.Lines)
				}
			}
		}

		files = append(files, &insight.CommitFile{
			ProjectKey:   projectKey,
			RepoSlug:     repoSlug,
			CommitHash:   commitHash,
			FilePath:     filePath,
			DataSource:   b.Source(),
			DiffHash:     diffHash(content.String()),
			Extension:    fileExtension(filePath),
			LinesAdded:   added,
			LinesRemoved: removed,
			Version:      insight.NextVersion(),
		})
	}
	return files, nil
}

// PullRequests streams pull requests newest-first by update date, each
// with reviewers, comments, commit links, and extracted tickets.
func (b *Bitbucket) PullRequests(ctx context.Context, projectKey, repoSlug string, since time.Time) iter.Seq2[*PullRequestBundle, error] {
	return func(yield func(*PullRequestBundle, error) bool) {
		path := fmt.Sprintf("/projects/%s/repos/%s/pull-requests", projectKey, repoSlug)
		query := url.Values{}
		query.Set("state", "ALL")
		query.Set("order", "NEWEST")
		for value, err := range offsetValues(ctx, b.client, path, query, restPageSize) {
			if err != nil {
				yield(nil, err)
				return
			}
			var pr bbPullRequest
			if err := json.Unmarshal(value, &pr); err != nil {
				if !yield(nil, ErrMapping.New("undecodable pull request in %s/%s: %v", projectKey, repoSlug, err)) {
					return
				}
				continue
			}
			bundle, err := b.buildPullRequest(ctx, projectKey, repoSlug, &pr)
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

func (b *Bitbucket) buildPullRequest(ctx context.Context, projectKey, repoSlug string, pr *bbPullRequest) (*PullRequestBundle, error) {
	if pr.CreatedDate == 0 {
		return nil, ErrMapping.New("pull request %d without created date in %s/%s", pr.ID, projectKey, repoSlug)
	}

	mapped := &insight.PullRequest{
		ProjectKey: projectKey,
		RepoSlug:   repoSlug,
		// On Bitbucket Server the sequential number is the identifier.
		PRID:              pr.ID,
		PRNumber:          pr.ID,
		DataSource:        b.Source(),
		Title:             pr.Title,
		Description:       pr.Description,
		State:             pr.State,
		Author:            pr.Author.User.DisplayName,
		AuthorEmail:       pr.Author.User.EmailAddress,
		CreatedOn:         msToTime(pr.CreatedDate),
		UpdatedOn:         msToTime(pr.UpdatedDate),
		SourceBranch:      pr.FromRef.DisplayID,
		DestinationBranch: pr.ToRef.DisplayID,
		TaskCount:         pr.Properties.OpenTaskCount,
		Version:           insight.NextVersion(),
	}
	if pr.ClosedDate > 0 {
		mapped.SetClosed(msToTime(pr.ClosedDate))
	}
	if pr.Properties.MergeCommit != nil {
		mapped.MergeCommitHash = pr.Properties.MergeCommit.ID
	}

	bundle := &PullRequestBundle{PullRequest: mapped}

	for _, reviewer := range pr.Reviewers {
		uuid := reviewer.User.Slug
		if uuid == "" {
			uuid = reviewer.User.Name
		}
		bundle.Reviewers = append(bundle.Reviewers, &insight.Reviewer{
			ProjectKey:   projectKey,
			RepoSlug:     repoSlug,
			PRID:         pr.ID,
			ReviewerUUID: uuid,
			DataSource:   b.Source(),
			Name:         reviewer.User.DisplayName,
			Email:        reviewer.User.EmailAddress,
			Status:       reviewer.Status,
			Role:         "REVIEWER",
			Approved:     insight.ApprovedStatus(reviewer.Status),
			// Bitbucket does not report when the review happened.
			Version: insight.NextVersion(),
		})
	}

	comments, err := b.pullRequestComments(ctx, projectKey, repoSlug, pr.ID)
	if err != nil {
		return nil, err
	}
	bundle.Comments = comments
	mapped.CommentCount = len(comments)

	links, err := b.pullRequestCommits(ctx, projectKey, repoSlug, pr.ID)
	if err != nil {
		return nil, err
	}
	bundle.Commits = links
	mapped.CommitCount = len(links)

	filesChanged, err := b.pullRequestChangeCount(ctx, projectKey, repoSlug, pr.ID)
	if err != nil {
		return nil, err
	}
	mapped.FilesChanged = filesChanged

	for _, key := range jira.Extract(pr.Title, pr.Description) {
		bundle.Tickets = append(bundle.Tickets, &insight.Ticket{
			ExternalTicketID: key,
			ProjectKey:       projectKey,
			RepoSlug:         repoSlug,
			PRID:             pr.ID,
			DataSource:       b.Source(),
			Version:          insight.NextVersion(),
		})
	}

	return bundle, nil
}

// pullRequestComments walks the activity feed and flattens comment
// threads into rows.
func (b *Bitbucket) pullRequestComments(ctx context.Context, projectKey, repoSlug string, prID int64) ([]*insight.PRComment, error) {
	path := fmt.Sprintf("/projects/%s/repos/%s/pull-requests/%d/activities", projectKey, repoSlug, prID)

	var comments []*insight.PRComment
	for value, err := range offsetValues(ctx, b.client, path, nil, restPageSize) {
		if err != nil {
			return nil, err
		}
		var activity bbActivity
		if err := json.Unmarshal(value, &activity); err != nil {
			b.log.Warn("skipping undecodable activity",
				zap.String("project", projectKey), zap.String("repo", repoSlug),
				zap.Int64("pr_id", prID), zap.Error(err))
			continue
		}
		if activity.Action != "COMMENTED" || activity.Comment == nil {
			continue
		}
		filePath := ""
		var lineNumber *int
		if activity.CommentAnchor != nil {
			filePath = activity.CommentAnchor.Path
			if activity.CommentAnchor.Line > 0 {
				line := activity.CommentAnchor.Line
				lineNumber = &line
			}
		}
		comments = b.flattenComment(comments, activity.Comment, projectKey, repoSlug, prID, filePath, lineNumber)
	}
	return comments, nil
}

func (b *Bitbucket) flattenComment(out []*insight.PRComment, c *bbComment, projectKey, repoSlug string, prID int64, filePath string, lineNumber *int) []*insight.PRComment {
	mapped := &insight.PRComment{
		ProjectKey:     projectKey,
		RepoSlug:       repoSlug,
		PRID:           prID,
		CommentID:      c.ID,
		DataSource:     b.Source(),
		Content:        c.Text,
		Author:         c.Author.DisplayName,
		CreatedAt:      msToTime(c.CreatedDate),
		State:          c.State,
		Severity:       c.Severity,
		ThreadResolved: c.ThreadResolved,
		FilePath:       filePath,
		LineNumber:     lineNumber,
		Version:        insight.NextVersion(),
	}
	if c.UpdatedDate > 0 {
		t := msToTime(c.UpdatedDate)
		mapped.UpdatedAt = &t
	}
	out = append(out, mapped)
	for i := range c.Comments {
		out = b.flattenComment(out, &c.Comments[i], projectKey, repoSlug, prID, filePath, lineNumber)
	}
	return out
}

// pullRequestCommits links the PR to its commits, preserving response order.
func (b *Bitbucket) pullRequestCommits(ctx context.Context, projectKey, repoSlug string, prID int64) ([]*insight.PRCommit, error) {
	path := fmt.Sprintf("/projects/%s/repos/%s/pull-requests/%d/commits", projectKey, repoSlug, prID)

	var links []*insight.PRCommit
	order := 0
	for value, err := range offsetValues(ctx, b.client, path, nil, restPageSize) {
		if err != nil {
			return nil, err
		}
		var c bbCommit
		if err := json.Unmarshal(value, &c); err != nil || c.ID == "" {
			continue
		}
		links = append(links, &insight.PRCommit{
			ProjectKey:  projectKey,
			RepoSlug:    repoSlug,
			PRID:        prID,
			CommitHash:  c.ID,
			DataSource:  b.Source(),
			CommitOrder: order,
			Version:     insight.NextVersion(),
		})
		order++
	}
	return links, nil
}

func (b *Bitbucket) pullRequestChangeCount(ctx context.Context, projectKey, repoSlug string, prID int64) (int, error) {
	path := fmt.Sprintf("/projects/%s/repos/%s/pull-requests/%d/changes", projectKey, repoSlug, prID)

	count := 0
	for value, err := range offsetValues(ctx, b.client, path, nil, restPageSize) {
		if err != nil {
			return 0, err
		}
		var change bbChange
		if err := json.Unmarshal(value, &change); err != nil {
			continue
		}
		count++
	}
	return count, nil
}
