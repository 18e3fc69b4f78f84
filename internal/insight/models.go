package insight

import (
	"encoding/json"
	"time"
)

// Data source discriminators written on every row.
const (
	SourceBitbucketServer = "insight_bitbucket_server"
	SourceGitHub          = "insight_github"
	SourceGitLab          = "insight_gitlab"
	SourceCustomETL       = "custom_etl"
)

// Destination table names.
const (
	TableRepositories   = "repositories"
	TableBranches       = "branches"
	TableCommits        = "commits"
	TableCommitFiles    = "commit_files"
	TablePullRequests   = "pull_requests"
	TablePRReviewers    = "pr_reviewers"
	TablePRComments     = "pr_comments"
	TablePRCommits      = "pr_commits"
	TableTickets        = "tickets"
	TableCollectionRuns = "collection_runs"
)

// FlushOrder lists every destination table in dependency order: parents
// before the children that reference them.
var FlushOrder = []string{
	TableRepositories,
	TableBranches,
	TableCommits,
	TableCommitFiles,
	TablePullRequests,
	TablePRReviewers,
	TablePRComments,
	TablePRCommits,
	TableTickets,
	TableCollectionRuns,
}

// PullRequest states.
const (
	PRStateOpen     = "OPEN"
	PRStateMerged   = "MERGED"
	PRStateClosed   = "CLOSED"
	PRStateDeclined = "DECLINED"
)

// Record is implemented by every row shape the sink can carry.
type Record interface {
	Table() string
}

// Repository is the parent row every other entity references through
// (project_key, repo_slug, data_source).
type Repository struct {
	ProjectKey     string     `json:"project_key"`
	RepoSlug       string     `json:"repo_slug"`
	DataSource     string     `json:"data_source"`
	Name           string     `json:"name"`
	UUID           string     `json:"uuid,omitempty"`
	IsPrivate      bool       `json:"is_private"`
	IsEmpty        bool       `json:"is_empty"`
	SizeBytes      *int64     `json:"size_bytes,omitempty"`
	Language       string     `json:"language,omitempty"`
	HasIssues      *bool      `json:"has_issues,omitempty"`
	HasWiki        *bool      `json:"has_wiki,omitempty"`
	ForkPolicy     *string    `json:"fork_policy,omitempty"`
	LastCommitDate *time.Time `json:"last_commit_date,omitempty"`
	FirstSeen      time.Time  `json:"first_seen"`
	LastUpdated    time.Time  `json:"last_updated"`
	Version        int64      `json:"_version"`
}

func (*Repository) Table() string { return TableRepositories }

// Branch is one ref of a repository. IsDefault marks the branch the
// upstream reports as default.
type Branch struct {
	ProjectKey     string     `json:"project_key"`
	RepoSlug       string     `json:"repo_slug"`
	BranchName     string     `json:"branch_name"`
	DataSource     string     `json:"data_source"`
	IsDefault      bool       `json:"is_default"`
	LastCommitHash string     `json:"last_commit_hash,omitempty"`
	LastCommitDate *time.Time `json:"last_commit_date,omitempty"`
	LastCheckedAt  time.Time  `json:"last_checked_at"`
	Version        int64      `json:"_version"`
}

func (*Branch) Table() string { return TableBranches }

// Commit is a single commit. Parents holds the parent hashes; the
// adapter derives IsMergeCommit from their count.
type Commit struct {
	ProjectKey        string    `json:"project_key"`
	RepoSlug          string    `json:"repo_slug"`
	CommitHash        string    `json:"commit_hash"`
	DataSource        string    `json:"data_source"`
	Branch            string    `json:"branch,omitempty"`
	AuthorName        string    `json:"author_name"`
	AuthorEmail       string    `json:"author_email"`
	CommitterName     string    `json:"committer_name,omitempty"`
	CommitterEmail    string    `json:"committer_email,omitempty"`
	Message           string    `json:"message"`
	Date              time.Time `json:"date"`
	Parents           []string  `json:"parents"`
	IsMergeCommit     bool      `json:"is_merge_commit"`
	FilesChanged      int       `json:"files_changed"`
	LinesAdded        int       `json:"lines_added"`
	LinesRemoved      int       `json:"lines_removed"`
	LanguageBreakdown string    `json:"language_breakdown,omitempty"`
	Version           int64     `json:"_version"`
}

func (*Commit) Table() string { return TableCommits }

// ParentsJSON serializes the parent hashes for storage.
func (c *Commit) ParentsJSON() string {
	if len(c.Parents) == 0 {
		return "[]"
	}
	b, err := json.Marshal(c.Parents)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// CommitFile is one changed file within a commit.
type CommitFile struct {
	ProjectKey   string  `json:"project_key"`
	RepoSlug     string  `json:"repo_slug"`
	CommitHash   string  `json:"commit_hash"`
	FilePath     string  `json:"file_path"`
	DataSource   string  `json:"data_source"`
	DiffHash     string  `json:"diff_hash,omitempty"`
	Extension    string  `json:"extension,omitempty"`
	LinesAdded   int     `json:"lines_added"`
	LinesRemoved int     `json:"lines_removed"`
	IsThirdParty *bool   `json:"is_third_party,omitempty"`
	ScancodeInfo *string `json:"scancode_info,omitempty"`
	Version      int64   `json:"_version"`
}

func (*CommitFile) Table() string { return TableCommitFiles }

// PullRequest keeps both the upstream identifier (PRID) and the per-repo
// sequential number (PRNumber). They are equal on Bitbucket Server.
type PullRequest struct {
	ProjectKey        string     `json:"project_key"`
	RepoSlug          string     `json:"repo_slug"`
	PRID              int64      `json:"pr_id"`
	PRNumber          int64      `json:"pr_number"`
	DataSource        string     `json:"data_source"`
	Title             string     `json:"title"`
	Description       string     `json:"description,omitempty"`
	State             string     `json:"state"`
	Author            string     `json:"author"`
	AuthorEmail       string     `json:"author_email,omitempty"`
	CreatedOn         time.Time  `json:"created_on"`
	UpdatedOn         time.Time  `json:"updated_on"`
	ClosedOn          *time.Time `json:"closed_on,omitempty"`
	MergeCommitHash   string     `json:"merge_commit_hash,omitempty"`
	SourceBranch      string     `json:"source_branch,omitempty"`
	DestinationBranch string     `json:"destination_branch,omitempty"`
	CommitCount       int        `json:"commit_count"`
	CommentCount      int        `json:"comment_count"`
	TaskCount         int        `json:"task_count"`
	FilesChanged      int        `json:"files_changed"`
	LinesAdded        int        `json:"lines_added"`
	LinesRemoved      int        `json:"lines_removed"`
	DurationSeconds   int64      `json:"duration_seconds"`
	Version           int64      `json:"_version"`
}

func (*PullRequest) Table() string { return TablePullRequests }

// SetClosed records the close timestamp and the open-to-close duration.
func (p *PullRequest) SetClosed(closedOn time.Time) {
	t := closedOn
	p.ClosedOn = &t
	p.DurationSeconds = int64(closedOn.Sub(p.CreatedOn).Seconds())
}

// Reviewer is one review participant of a pull request.
type Reviewer struct {
	ProjectKey   string     `json:"project_key"`
	RepoSlug     string     `json:"repo_slug"`
	PRID         int64      `json:"pr_id"`
	ReviewerUUID string     `json:"reviewer_uuid"`
	DataSource   string     `json:"data_source"`
	Name         string     `json:"name"`
	Email        string     `json:"email,omitempty"`
	Status       string     `json:"status"`
	Role         string     `json:"role"`
	Approved     bool       `json:"approved"`
	ReviewedAt   *time.Time `json:"reviewed_at,omitempty"`
	Version      int64      `json:"_version"`
}

func (*Reviewer) Table() string { return TablePRReviewers }

// ApprovedStatus reports whether a review status counts as an approval.
// GitHub sometimes returns the state lowercased; both casings count.
func ApprovedStatus(status string) bool {
	return status == "APPROVED" || status == "approved"
}

// PRComment is one comment on a pull request, inline or general.
type PRComment struct {
	ProjectKey     string     `json:"project_key"`
	RepoSlug       string     `json:"repo_slug"`
	PRID           int64      `json:"pr_id"`
	CommentID      int64      `json:"comment_id"`
	DataSource     string     `json:"data_source"`
	Content        string     `json:"content"`
	Author         string     `json:"author"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      *time.Time `json:"updated_at,omitempty"`
	State          string     `json:"state,omitempty"`
	Severity       string     `json:"severity,omitempty"`
	ThreadResolved *bool      `json:"thread_resolved,omitempty"`
	FilePath       string     `json:"file_path,omitempty"`
	LineNumber     *int       `json:"line_number,omitempty"`
	Version        int64      `json:"_version"`
}

func (*PRComment) Table() string { return TablePRComments }

// PRCommit links a commit to the pull request containing it.
// CommitOrder preserves the upstream response order, 0-indexed.
type PRCommit struct {
	ProjectKey  string `json:"project_key"`
	RepoSlug    string `json:"repo_slug"`
	PRID        int64  `json:"pr_id"`
	CommitHash  string `json:"commit_hash"`
	DataSource  string `json:"data_source"`
	CommitOrder int    `json:"commit_order"`
	Version     int64  `json:"_version"`
}

func (*PRCommit) Table() string { return TablePRCommits }

// Ticket links an issue-tracker key to exactly one of a pull request
// (PRID > 0) or a commit (CommitHash != "").
type Ticket struct {
	ExternalTicketID string `json:"external_ticket_id"`
	ProjectKey       string `json:"project_key"`
	RepoSlug         string `json:"repo_slug"`
	PRID             int64  `json:"pr_id"`
	CommitHash       string `json:"commit_hash"`
	DataSource       string `json:"data_source"`
	Version          int64  `json:"_version"`
}

func (*Ticket) Table() string { return TableTickets }

// CollectionRun statuses.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// CollectionRun is the accounting row for one orchestrator invocation.
type CollectionRun struct {
	RunID            string     `json:"run_id"`
	DataSource       string     `json:"data_source"`
	Status           string     `json:"status"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	ReposProcessed   int64      `json:"repos_processed"`
	CommitsCollected int64      `json:"commits_collected"`
	PRsCollected     int64      `json:"prs_collected"`
	APICalls         int64      `json:"api_calls"`
	Errors           int64      `json:"errors"`
	Settings         string     `json:"settings,omitempty"`
	Version          int64      `json:"_version"`
}

func (*CollectionRun) Table() string { return TableCollectionRuns }
