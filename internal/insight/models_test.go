package insight

import (
	"testing"
	"time"
)

func TestNextVersionMonotonic(t *testing.T) {
	prev := NextVersion()
	for i := 0; i < 1000; i++ {
		v := NextVersion()
		if v < prev {
			t.Fatalf("version went backwards: %d after %d", v, prev)
		}
		prev = v
	}
}

func TestParentsJSON(t *testing.T) {
	c := &Commit{}
	if got := c.ParentsJSON(); got != "[]" {
		t.Errorf("expected empty array, got %s", got)
	}

	c.Parents = []string{"aaa", "bbb"}
	if got := c.ParentsJSON(); got != `["aaa","bbb"]` {
		t.Errorf("unexpected parents JSON: %s", got)
	}
}

func TestSetClosedDuration(t *testing.T) {
	created, err := time.Parse(time.RFC3339, "2025-11-17T19:45:14Z")
	if err != nil {
		t.Fatalf("failed to parse created: %v", err)
	}
	closed, err := time.Parse(time.RFC3339, "2025-11-22T10:07:07Z")
	if err != nil {
		t.Fatalf("failed to parse closed: %v", err)
	}

	pr := &PullRequest{CreatedOn: created}
	pr.SetClosed(closed)

	if pr.ClosedOn == nil || !pr.ClosedOn.Equal(closed) {
		t.Errorf("closed_on not recorded")
	}
	if pr.DurationSeconds != 397313 {
		t.Errorf("expected duration 397313, got %d", pr.DurationSeconds)
	}
}

func TestSetClosedFloorsSubsecond(t *testing.T) {
	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	pr := &PullRequest{CreatedOn: created}
	pr.SetClosed(created.Add(90*time.Second + 700*time.Millisecond))
	if pr.DurationSeconds != 90 {
		t.Errorf("expected floored duration 90, got %d", pr.DurationSeconds)
	}
}

func TestApprovedStatus(t *testing.T) {
	tests := []struct {
		status string
		want   bool
	}{
		{"APPROVED", true},
		{"approved", true},
		{"Approved", false},
		{"UNAPPROVED", false},
		{"CHANGES_REQUESTED", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := ApprovedStatus(tt.status); got != tt.want {
			t.Errorf("ApprovedStatus(%q) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestFlushOrderCoversAllTables(t *testing.T) {
	records := []Record{
		&Repository{}, &Branch{}, &Commit{}, &CommitFile{}, &PullRequest{},
		&Reviewer{}, &PRComment{}, &PRCommit{}, &Ticket{}, &CollectionRun{},
	}
	order := make(map[string]int, len(FlushOrder))
	for i, table := range FlushOrder {
		order[table] = i
	}
	if len(order) != len(records) {
		t.Fatalf("flush order lists %d tables, expected %d", len(order), len(records))
	}
	for _, record := range records {
		if _, ok := order[record.Table()]; !ok {
			t.Errorf("table %s missing from flush order", record.Table())
		}
	}
	// Parents flush before the children referencing them.
	if order[TableRepositories] != 0 {
		t.Errorf("repositories must flush first")
	}
	if order[TableCommits] > order[TableCommitFiles] {
		t.Errorf("commits must flush before commit files")
	}
	if order[TablePullRequests] > order[TablePRReviewers] {
		t.Errorf("pull requests must flush before reviewers")
	}
}
