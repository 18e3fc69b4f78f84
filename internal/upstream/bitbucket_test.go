package upstream

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/maxcherey/insight-etl/internal/config"
	"github.com/maxcherey/insight-etl/internal/insight"
)

func newTestBitbucket(t *testing.T, handler http.Handler) (*Bitbucket, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	adapter := NewBitbucket(zap.NewNop(), config.UpstreamConfig{
		URL:        server.URL,
		Token:      "token",
		MaxRetries: 1,
	})
	adapter.client.limiter.SetLimit(1000)
	return adapter, server
}

func TestBitbucketProjectsAndRepositories(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/api/1.0/projects", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"values": [{"key": "TEST", "name": "Test Project"}], "isLastPage": true}`)
	})
	mux.HandleFunc("/rest/api/1.0/projects/TEST/repos", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"values": [{"id": 7, "slug": "test-core", "name": "Test Core", "public": false}], "isLastPage": true}`)
	})

	adapter, _ := newTestBitbucket(t, mux)
	ctx := context.Background()

	var projects []Project
	for p, err := range adapter.Projects(ctx) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		projects = append(projects, p)
	}
	if len(projects) != 1 || projects[0].Key != "TEST" {
		t.Fatalf("unexpected projects %v", projects)
	}

	var repos []*insight.Repository
	for repo, err := range adapter.Repositories(ctx, projects[0]) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		repos = append(repos, repo)
	}
	if len(repos) != 1 {
		t.Fatalf("expected one repository, got %d", len(repos))
	}
	repo := repos[0]
	if repo.ProjectKey != "TEST" || repo.RepoSlug != "test-core" {
		t.Errorf("unexpected identity %s/%s", repo.ProjectKey, repo.RepoSlug)
	}
	if repo.DataSource != insight.SourceBitbucketServer {
		t.Errorf("unexpected data source %s", repo.DataSource)
	}
	if !repo.IsPrivate {
		t.Errorf("non-public repository must map to private")
	}
	if repo.UUID != "7" {
		t.Errorf("unexpected uuid %s", repo.UUID)
	}
	if repo.Version == 0 {
		t.Errorf("version stamp missing")
	}
}

func TestBitbucketCommitMapping(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/api/1.0/projects/TEST/repos/test-core/commits", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("until"); got != "refs/heads/main" {
			t.Errorf("expected branch ref in until, got %q", got)
		}
		fmt.Fprint(w, `{
			"values": [
				{"id": "c2", "authorTimestamp": 2000000,
				 "author": {"name": "alice", "emailAddress": "alice@example.com"},
				 "committer": {"name": "alice", "emailAddress": "alice@example.com"},
				 "message": "ABC-7 second commit",
				 "parents": [{"id": "c1"}],
				 "properties": {"jira-key": ["ABC-7", "XYZ-9"]}},
				{"id": "c1", "authorTimestamp": 1000000,
				 "author": {"name": "alice", "emailAddress": "alice@example.com"},
				 "committer": {"name": "alice", "emailAddress": "alice@example.com"},
				 "message": "initial",
				 "parents": []}
			],
			"isLastPage": true
		}`)
	})

	adapter, _ := newTestBitbucket(t, mux)

	var bundles []*CommitBundle
	for bundle, err := range adapter.Commits(context.Background(), "TEST", "test-core", "main", time.Time{}) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		bundles = append(bundles, bundle)
	}
	if len(bundles) != 2 {
		t.Fatalf("expected 2 commits, got %d", len(bundles))
	}

	c2 := bundles[0].Commit
	if c2.CommitHash != "c2" {
		t.Errorf("expected newest-first order, got %s first", c2.CommitHash)
	}
	if !c2.Date.Equal(time.UnixMilli(2000000).UTC()) {
		t.Errorf("millisecond timestamp not preserved: %v", c2.Date)
	}
	if c2.IsMergeCommit {
		t.Errorf("single-parent commit flagged as merge")
	}
	if c2.ParentsJSON() != `["c1"]` {
		t.Errorf("unexpected parents %s", c2.ParentsJSON())
	}

	// Message extraction unioned with the server-side jira-key property.
	if len(bundles[0].Tickets) != 2 {
		t.Fatalf("expected 2 tickets, got %d", len(bundles[0].Tickets))
	}
	for _, ticket := range bundles[0].Tickets {
		if ticket.CommitHash != "c2" || ticket.PRID != 0 {
			t.Errorf("commit ticket must reference the commit only: %+v", ticket)
		}
	}
	if len(bundles[1].Tickets) != 0 {
		t.Errorf("expected no tickets on c1, got %d", len(bundles[1].Tickets))
	}
}

func TestBitbucketPaginationIsLazy(t *testing.T) {
	var pages atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/api/1.0/projects/TEST/repos/test-core/commits", func(w http.ResponseWriter, r *http.Request) {
		pages.Add(1)
		start := r.URL.Query().Get("start")
		if start == "0" {
			fmt.Fprint(w, `{"values": [
				{"id": "c3", "authorTimestamp": 3000000, "message": "m"},
				{"id": "c2", "authorTimestamp": 2000000, "message": "m"}
			], "isLastPage": false, "nextPageStart": 2}`)
			return
		}
		fmt.Fprint(w, `{"values": [{"id": "c1", "authorTimestamp": 1000000, "message": "m"}], "isLastPage": true}`)
	})

	adapter, _ := newTestBitbucket(t, mux)

	// Consume only the first record, as early stopping does.
	for bundle, err := range adapter.Commits(context.Background(), "TEST", "test-core", "", time.Time{}) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if bundle.Commit.CommitHash == "c3" {
			break
		}
	}
	if got := pages.Load(); got != 1 {
		t.Errorf("breaking early must not fetch further pages, got %d", got)
	}

	// Full consumption walks both pages.
	pages.Store(0)
	count := 0
	for _, err := range adapter.Commits(context.Background(), "TEST", "test-core", "", time.Time{}) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		count++
	}
	if count != 3 {
		t.Errorf("expected 3 commits across pages, got %d", count)
	}
	if got := pages.Load(); got != 2 {
		t.Errorf("expected 2 page requests, got %d", got)
	}
}

func TestBitbucketCommitFiles(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/api/1.0/projects/TEST/repos/test-core/commits/c2/diff", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"diffs": [{
			"destination": {"toString": "pkg/main.go"},
			"hunks": [{"segments": [
				{"type": "ADDED", "lines": [{"line": "a"}, {"line": "b"}]},
				{"type": "REMOVED", "lines": [{"line": "c"}]},
				{"type": "CONTEXT", "lines": [{"line": "d"}]}
			]}]
		}]}`)
	})

	adapter, _ := newTestBitbucket(t, mux)

	files, err := adapter.CommitFiles(context.Background(), "TEST", "test-core", "c2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("expected one file, got %d", len(files))
	}
	f := files[0]
	if f.FilePath != "pkg/main.go" || f.Extension != "go" {
		t.Errorf("unexpected file %s (%s)", f.FilePath, f.Extension)
	}
	if f.LinesAdded != 2 || f.LinesRemoved != 1 {
		t.Errorf("unexpected line counts +%d -%d", f.LinesAdded, f.LinesRemoved)
	}
	if len(f.DiffHash) != 64 {
		t.Errorf("expected a sha-256 hex digest, got %q", f.DiffHash)
	}
}

func TestBitbucketPullRequestBundle(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/api/1.0/projects/TEST/repos/test-core/pull-requests", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("order"); got != "NEWEST" {
			t.Errorf("expected order=NEWEST, got %q", got)
		}
		fmt.Fprint(w, `{"values": [{
			"id": 42, "title": "ABC-1 fix parser", "description": "closes ABC-1",
			"state": "MERGED",
			"createdDate": 1000000, "updatedDate": 5000000, "closedDate": 4000000,
			"fromRef": {"displayId": "feature/x"}, "toRef": {"displayId": "main"},
			"author": {"user": {"displayName": "Alice", "emailAddress": "alice@example.com"}},
			"reviewers": [
				{"user": {"displayName": "Bob", "slug": "bob", "emailAddress": "bob@example.com"}, "approved": true, "status": "APPROVED"},
				{"user": {"displayName": "Carol", "slug": "carol"}, "approved": false, "status": "NEEDS_WORK"}
			],
			"properties": {"commentCount": 1, "openTaskCount": 2, "mergeCommit": {"id": "mc1"}}
		}], "isLastPage": true}`)
	})
	mux.HandleFunc("/rest/api/1.0/projects/TEST/repos/test-core/pull-requests/42/activities", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"values": [
			{"action": "COMMENTED",
			 "comment": {"id": 9, "text": "looks good", "author": {"displayName": "Bob"},
			             "createdDate": 2000000, "severity": "NORMAL", "state": "OPEN",
			             "comments": [{"id": 10, "text": "thanks", "author": {"displayName": "Alice"}, "createdDate": 2500000}]},
			 "commentAnchor": {"path": "pkg/main.go", "line": 14}},
			{"action": "MERGED"}
		], "isLastPage": true}`)
	})
	mux.HandleFunc("/rest/api/1.0/projects/TEST/repos/test-core/pull-requests/42/commits", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"values": [{"id": "c1"}, {"id": "c2"}], "isLastPage": true}`)
	})
	mux.HandleFunc("/rest/api/1.0/projects/TEST/repos/test-core/pull-requests/42/changes", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"values": [{"path": {"toString": "pkg/main.go"}}, {"path": {"toString": "pkg/util.go"}}], "isLastPage": true}`)
	})

	adapter, _ := newTestBitbucket(t, mux)

	var bundles []*PullRequestBundle
	for bundle, err := range adapter.PullRequests(context.Background(), "TEST", "test-core", time.Time{}) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		bundles = append(bundles, bundle)
	}
	if len(bundles) != 1 {
		t.Fatalf("expected one pull request, got %d", len(bundles))
	}

	pr := bundles[0].PullRequest
	if pr.PRID != 42 || pr.PRNumber != 42 {
		t.Errorf("pr_id and pr_number must both be the bitbucket id, got %d/%d", pr.PRID, pr.PRNumber)
	}
	if pr.State != insight.PRStateMerged {
		t.Errorf("unexpected state %s", pr.State)
	}
	if pr.MergeCommitHash != "mc1" {
		t.Errorf("unexpected merge commit %s", pr.MergeCommitHash)
	}
	if pr.DurationSeconds != 3000 {
		t.Errorf("expected duration 3000s, got %d", pr.DurationSeconds)
	}
	if pr.TaskCount != 2 || pr.FilesChanged != 2 {
		t.Errorf("unexpected counts tasks=%d files=%d", pr.TaskCount, pr.FilesChanged)
	}

	reviewers := bundles[0].Reviewers
	if len(reviewers) != 2 {
		t.Fatalf("expected 2 reviewers, got %d", len(reviewers))
	}
	if !reviewers[0].Approved || reviewers[0].ReviewerUUID != "bob" || reviewers[0].Role != "REVIEWER" {
		t.Errorf("unexpected approving reviewer %+v", reviewers[0])
	}
	if reviewers[1].Approved {
		t.Errorf("NEEDS_WORK must not count as approved")
	}
	if reviewers[0].ReviewedAt != nil {
		t.Errorf("bitbucket reviews carry no timestamp")
	}

	comments := bundles[0].Comments
	if len(comments) != 2 {
		t.Fatalf("expected the thread flattened to 2 comments, got %d", len(comments))
	}
	if comments[0].FilePath != "pkg/main.go" || comments[0].LineNumber == nil || *comments[0].LineNumber != 14 {
		t.Errorf("inline anchor lost: %+v", comments[0])
	}
	if comments[1].CommentID != 10 {
		t.Errorf("nested reply not flattened: %+v", comments[1])
	}
	if pr.CommentCount != 2 {
		t.Errorf("comment count must follow collected comments, got %d", pr.CommentCount)
	}

	links := bundles[0].Commits
	if len(links) != 2 || links[0].CommitOrder != 0 || links[1].CommitOrder != 1 {
		t.Errorf("commit order must preserve the response order: %+v", links)
	}
	if pr.CommitCount != 2 {
		t.Errorf("unexpected commit count %d", pr.CommitCount)
	}

	tickets := bundles[0].Tickets
	if len(tickets) != 1 || tickets[0].ExternalTicketID != "ABC-1" {
		t.Fatalf("expected one deduplicated ticket, got %+v", tickets)
	}
	if tickets[0].PRID != 42 || tickets[0].CommitHash != "" {
		t.Errorf("pr ticket must reference the pull request only: %+v", tickets[0])
	}
}
