package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/maxcherey/insight-etl/internal/config"
	"github.com/maxcherey/insight-etl/internal/insight"
)

func newTestGitHub(t *testing.T, handler http.Handler, useGraphQL bool) *GitHub {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	adapter := NewGitHub(zap.NewNop(), config.UpstreamConfig{
		URL:        server.URL,
		Token:      "token",
		Org:        "acme",
		UseGraphQL: useGraphQL,
		MaxRetries: 1,
	})
	adapter.rest.limiter.SetLimit(1000)
	adapter.gql.limiter.SetLimit(1000)
	return adapter
}

func TestGitHubSingleVirtualProject(t *testing.T) {
	adapter := newTestGitHub(t, http.NewServeMux(), false)

	var projects []Project
	for p, err := range adapter.Projects(context.Background()) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		projects = append(projects, p)
	}
	if len(projects) != 1 || projects[0].Key != "acme" {
		t.Fatalf("expected the org as the single project, got %v", projects)
	}
}

func TestGitHubRepositoryMapping(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/orgs/acme/repos", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{
			"id": 1, "node_id": "R_abc", "name": "widget", "private": true,
			"size": 2, "language": "Go", "has_issues": true, "has_wiki": false,
			"default_branch": "main", "pushed_at": "2025-11-22T10:07:07Z"
		}]`)
	})

	adapter := newTestGitHub(t, mux, false)

	var repos []*insight.Repository
	for repo, err := range adapter.Repositories(context.Background(), Project{Key: "acme"}) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		repos = append(repos, repo)
	}
	if len(repos) != 1 {
		t.Fatalf("expected one repository, got %d", len(repos))
	}
	repo := repos[0]
	if repo.DataSource != insight.SourceGitHub || repo.UUID != "R_abc" {
		t.Errorf("unexpected mapping %+v", repo)
	}
	if repo.SizeBytes == nil || *repo.SizeBytes != 2048 {
		t.Errorf("size must be converted from kilobytes")
	}
	if repo.Language != "Go" {
		t.Errorf("unexpected language %s", repo.Language)
	}
	if repo.HasIssues == nil || !*repo.HasIssues || repo.HasWiki == nil || *repo.HasWiki {
		t.Errorf("issue/wiki flags lost")
	}
	if repo.LastCommitDate == nil {
		t.Errorf("pushed_at must map to last commit date")
	}
	if repo.IsEmpty {
		t.Errorf("pushed repository is not empty")
	}
}

func TestGitHubCommitsREST(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widget/commits", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"sha": "abc", "commit": {"author": {"name": "Alice", "email": "", "date": "2025-01-02T03:04:05Z"}, "message": "fix"}, "parents": [{"sha": "p1"}, {"sha": "p2"}]}]`)
	})
	mux.HandleFunc("/repos/acme/widget/commits/abc", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"sha": "abc",
			"commit": {"author": {"name": "Alice", "email": "", "date": "2025-01-02T03:04:05Z"},
			           "committer": {"name": "Alice", "email": "", "date": "2025-01-02T03:04:05Z"},
			           "message": "fix"},
			"parents": [{"sha": "p1"}, {"sha": "p2"}],
			"stats": {"additions": 5, "deletions": 2},
			"files": [{"filename": "a.go", "additions": 5, "deletions": 2, "patch": "@@"}]
		}`)
	})

	adapter := newTestGitHub(t, mux, false)

	var bundles []*CommitBundle
	for bundle, err := range adapter.Commits(context.Background(), "acme", "widget", "main", time.Time{}) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		bundles = append(bundles, bundle)
	}
	if len(bundles) != 1 {
		t.Fatalf("expected one commit, got %d", len(bundles))
	}
	commit := bundles[0].Commit
	if !commit.IsMergeCommit {
		t.Errorf("two-parent commit must be a merge")
	}
	if commit.AuthorEmail != "" {
		t.Errorf("missing upstream email must stay empty, got %q", commit.AuthorEmail)
	}
	if commit.LinesAdded != 5 || commit.LinesRemoved != 2 || commit.FilesChanged != 1 {
		t.Errorf("detail stats not mapped: %+v", commit)
	}
	if len(bundles[0].Files) != 1 || bundles[0].Files[0].Extension != "go" {
		t.Errorf("file rows not built from the detail response")
	}
}

// graphQLHandler routes by operation content.
func graphQLHandler(t *testing.T, respond func(query string, variables map[string]any) string) http.Handler {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/graphql", func(w http.ResponseWriter, r *http.Request) {
		var req graphQLRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("undecodable graphql request: %v", err)
		}
		fmt.Fprint(w, respond(req.Query, req.Variables))
	})
	return mux
}

func TestGitHubPullRequestsGraphQL(t *testing.T) {
	handler := graphQLHandler(t, func(query string, variables map[string]any) string {
		return `{"data": {"repository": {"pullRequests": {
			"pageInfo": {"hasNextPage": false, "endCursor": ""},
			"nodes": [{
				"databaseId": 3018797339,
				"number": 4,
				"title": "PLTFRM-84867 feat: cli",
				"body": "",
				"state": "MERGED",
				"merged": true,
				"mergeCommit": {"oid": "abc123"},
				"createdAt": "2025-11-17T19:45:14Z",
				"updatedAt": "2025-11-22T10:07:07Z",
				"closedAt": "2025-11-22T10:07:07Z",
				"author": {"login": "alice"},
				"headRefName": "feat/cli",
				"baseRefName": "main",
				"additions": 10,
				"deletions": 3,
				"changedFiles": 2,
				"totalCommentsCount": 1,
				"reviews": {"nodes": [{"author": {"login": "bob"}, "state": "approved", "submittedAt": "2025-11-18T08:00:00Z"}]},
				"comments": {"nodes": [{"databaseId": 77, "author": {"login": "bob"}, "body": "nice", "createdAt": "2025-11-18T08:01:00Z", "updatedAt": "2025-11-18T08:01:00Z"}]},
				"commits": {"nodes": [{"commit": {"oid": "s1"}}, {"commit": {"oid": "s2"}}]}
			}]
		}}}}`
	})

	adapter := newTestGitHub(t, handler, true)

	var bundles []*PullRequestBundle
	for bundle, err := range adapter.PullRequests(context.Background(), "acme", "widget", time.Time{}) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		bundles = append(bundles, bundle)
	}
	if len(bundles) != 1 {
		t.Fatalf("expected one pull request, got %d", len(bundles))
	}

	pr := bundles[0].PullRequest
	if pr.PRID != 3018797339 {
		t.Errorf("pr_id must be the database id, got %d", pr.PRID)
	}
	if pr.PRNumber != 4 {
		t.Errorf("pr_number must be the sequential number, got %d", pr.PRNumber)
	}
	if pr.State != insight.PRStateMerged {
		t.Errorf("merged pull request must map to MERGED, got %s", pr.State)
	}
	if pr.DurationSeconds != 397313 {
		t.Errorf("expected duration 397313, got %d", pr.DurationSeconds)
	}
	if pr.MergeCommitHash != "abc123" {
		t.Errorf("unexpected merge commit %s", pr.MergeCommitHash)
	}

	// Lowercase review state still counts as an approval; the original
	// casing is preserved in the status.
	if len(bundles[0].Reviewers) != 1 {
		t.Fatalf("expected one reviewer, got %d", len(bundles[0].Reviewers))
	}
	reviewer := bundles[0].Reviewers[0]
	if !reviewer.Approved || reviewer.Status != "approved" {
		t.Errorf("unexpected reviewer %+v", reviewer)
	}
	if reviewer.Email != "" {
		t.Errorf("github reviewers have no email")
	}

	links := bundles[0].Commits
	if len(links) != 2 || links[0].CommitOrder != 0 || links[1].CommitOrder != 1 {
		t.Errorf("commit order not preserved: %+v", links)
	}
	if pr.CommitCount != 2 {
		t.Errorf("unexpected commit count %d", pr.CommitCount)
	}

	tickets := bundles[0].Tickets
	if len(tickets) != 1 {
		t.Fatalf("expected one ticket, got %d", len(tickets))
	}
	if tickets[0].ExternalTicketID != "PLTFRM-84867" || tickets[0].PRID != 3018797339 || tickets[0].CommitHash != "" {
		t.Errorf("unexpected ticket %+v", tickets[0])
	}
}

func TestGitHubCommitsGraphQLPagination(t *testing.T) {
	pages := 0
	handler := graphQLHandler(t, func(query string, variables map[string]any) string {
		pages++
		if _, resumed := variables["after"]; !resumed {
			return `{"data": {"repository": {"ref": {"target": {"history": {
				"pageInfo": {"hasNextPage": true, "endCursor": "CUR"},
				"nodes": [{"oid": "c2", "message": "m", "additions": 1, "deletions": 0,
				           "changedFilesIfAvailable": 1,
				           "author": {"name": "a", "email": "", "date": "2025-01-02T00:00:00Z"},
				           "committer": {"name": "a", "email": ""},
				           "parents": {"nodes": [{"oid": "c1"}]}}]
			}}}}}}`
		}
		return `{"data": {"repository": {"ref": {"target": {"history": {
			"pageInfo": {"hasNextPage": false, "endCursor": ""},
			"nodes": [{"oid": "c1", "message": "m", "additions": 1, "deletions": 0,
			           "changedFilesIfAvailable": 1,
			           "author": {"name": "a", "email": "", "date": "2025-01-01T00:00:00Z"},
			           "committer": {"name": "a", "email": ""},
			           "parents": {"nodes": []}}]
		}}}}}}`
	})

	adapter := newTestGitHub(t, handler, true)

	var hashes []string
	for bundle, err := range adapter.Commits(context.Background(), "acme", "widget", "main", time.Time{}) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		hashes = append(hashes, bundle.Commit.CommitHash)
	}
	if len(hashes) != 2 || hashes[0] != "c2" || hashes[1] != "c1" {
		t.Errorf("unexpected commit stream %v", hashes)
	}
	if pages != 2 {
		t.Errorf("expected 2 cursor pages, got %d", pages)
	}
}

func TestGitHubEmptyRepositoryGraphQL(t *testing.T) {
	handler := graphQLHandler(t, func(query string, variables map[string]any) string {
		return `{"data": {"repository": {"ref": null}}}`
	})

	adapter := newTestGitHub(t, handler, true)

	count := 0
	for _, err := range adapter.Commits(context.Background(), "acme", "widget", "main", time.Time{}) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		count++
	}
	if count != 0 {
		t.Errorf("empty repository must stream zero commits, got %d", count)
	}
}

func TestGitHubGraphQLSchemaErrorIsPermanent(t *testing.T) {
	handler := graphQLHandler(t, func(query string, variables map[string]any) string {
		return `{"errors": [{"type": "UNDEFINED_FIELD", "message": "Field 'nope' doesn't exist"}]}`
	})

	adapter := newTestGitHub(t, handler, true)

	var streamErr error
	for _, err := range adapter.PullRequests(context.Background(), "acme", "widget", time.Time{}) {
		if err != nil {
			streamErr = err
			break
		}
	}
	if streamErr == nil || !ErrPermanent.Has(streamErr) {
		t.Errorf("expected a permanent error, got %v", streamErr)
	}
}

func TestGitHubPRStateREST(t *testing.T) {
	merged := "2025-01-01T00:00:00Z"
	tests := []struct {
		pr   ghPullRequest
		want string
	}{
		{ghPullRequest{MergedAt: &merged, State: "closed"}, insight.PRStateMerged},
		{ghPullRequest{State: "open"}, insight.PRStateOpen},
		{ghPullRequest{State: "closed"}, insight.PRStateClosed},
	}
	for _, tt := range tests {
		if got := githubPRState(&tt.pr); got != tt.want {
			t.Errorf("githubPRState(%+v) = %s, want %s", tt.pr, got, tt.want)
		}
	}
}
