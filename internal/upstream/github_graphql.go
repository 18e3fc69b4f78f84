package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"iter"
	"strings"
	"time"

	"github.com/maxcherey/insight-etl/internal/insight"
	"github.com/maxcherey/insight-etl/internal/jira"
)

// graphQLRequest is the POST body for the v4 API.
type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type graphQLEnvelope struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphQLError  `json:"errors"`
}

// graphQLRateLimited reports whether a 200 body carries a rate-limit
// error, which the client must treat like a 429.
func graphQLRateLimited(body []byte) bool {
	if !bytes.Contains(body, []byte(`"errors"`)) {
		return false
	}
	var envelope graphQLEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return false
	}
	for _, e := range envelope.Errors {
		if e.Type == "RATE_LIMITED" || strings.Contains(strings.ToLower(e.Message), "rate limit") {
			return true
		}
	}
	return false
}

// graphQL runs one query and decodes data into out. Non-rate-limit
// errors in the envelope are permanent (schema or query problems).
func (g *GitHub) graphQL(ctx context.Context, query string, variables map[string]any, out any) error {
	var envelope graphQLEnvelope
	if err := g.gql.PostJSON(ctx, "/graphql", graphQLRequest{Query: query, Variables: variables}, &envelope); err != nil {
		return err
	}
	if len(envelope.Errors) > 0 {
		return ErrPermanent.New("graphql: %s", envelope.Errors[0].Message)
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return ErrPermanent.New("graphql: undecodable data: %v", err)
		}
	}
	return nil
}

const commitHistoryQuery = `
query($owner: String!, $name: String!, $ref: String!, $first: Int!, $after: String, $since: GitTimestamp) {
  repository(owner: $owner, name: $name) {
    ref(qualifiedName: $ref) {
      target {
        ... on Commit {
          history(first: $first, after: $after, since: $since) {
            pageInfo { hasNextPage endCursor }
            nodes {
              oid
              message
              additions
              deletions
              changedFilesIfAvailable
              author { name email date }
              committer { name email }
              parents(first: 50) { nodes { oid } }
            }
          }
        }
      }
    }
  }
}`

type gqlCommitHistory struct {
	Repository struct {
		Ref *struct {
			Target struct {
				History struct {
					PageInfo pageInfo `json:"pageInfo"`
					Nodes    []struct {
						OID                     string `json:"oid"`
						Message                 string `json:"message"`
						Additions               int    `json:"additions"`
						Deletions               int    `json:"deletions"`
						ChangedFilesIfAvailable int    `json:"changedFilesIfAvailable"`
						Author                  struct {
							Name  string `json:"name"`
							Email string `json:"email"`
							Date  string `json:"date"`
						} `json:"author"`
						Committer struct {
							Name  string `json:"name"`
							Email string `json:"email"`
						} `json:"committer"`
						Parents struct {
							Nodes []struct {
								OID string `json:"oid"`
							} `json:"nodes"`
						} `json:"parents"`
					} `json:"nodes"`
				} `json:"history"`
			} `json:"target"`
		} `json:"ref"`
	} `json:"repository"`
}

// commitsGraphQL streams commit history through the bulk path: line and
// file counts arrive inline, so no per-commit calls are needed.
func (g *GitHub) commitsGraphQL(ctx context.Context, repoSlug, branch string, since time.Time) iter.Seq2[*CommitBundle, error] {
	return func(yield func(*CommitBundle, error) bool) {
		variables := map[string]any{
			"owner": g.org,
			"name":  repoSlug,
			"ref":   "refs/heads/" + branch,
			"first": graphqlCommitPage,
		}
		if !since.IsZero() {
			variables["since"] = since.UTC().Format(time.RFC3339)
		}
		for {
			var result gqlCommitHistory
			if err := g.graphQL(ctx, commitHistoryQuery, variables, &result); err != nil {
				yield(nil, err)
				return
			}
			if result.Repository.Ref == nil {
				// Empty repository or unknown branch.
				return
			}
			history := result.Repository.Ref.Target.History
			for _, node := range history.Nodes {
				date, err := parseTime(node.Author.Date)
				if err != nil {
					if !yield(nil, ErrMapping.New("commit %s: %v", node.OID, err)) {
						return
					}
					continue
				}
				parents := make([]string, 0, len(node.Parents.Nodes))
				for _, p := range node.Parents.Nodes {
					parents = append(parents, p.OID)
				}
				commit := &insight.Commit{
					ProjectKey:     g.org,
					RepoSlug:       repoSlug,
					CommitHash:     node.OID,
					DataSource:     g.Source(),
					Branch:         branch,
					AuthorName:     node.Author.Name,
					AuthorEmail:    node.Author.Email,
					CommitterName:  node.Committer.Name,
					CommitterEmail: node.Committer.Email,
					Message:        node.Message,
					Date:           date,
					Parents:        parents,
					IsMergeCommit:  len(parents) > 1,
					FilesChanged:   node.ChangedFilesIfAvailable,
					LinesAdded:     node.Additions,
					LinesRemoved:   node.Deletions,
					Version:        insight.NextVersion(),
				}
				bundle := &CommitBundle{Commit: commit}
				for _, key := range jira.Extract(node.Message) {
					bundle.Tickets = append(bundle.Tickets, &insight.Ticket{
						ExternalTicketID: key,
						ProjectKey:       g.org,
						RepoSlug:         repoSlug,
						CommitHash:       node.OID,
						DataSource:       g.Source(),
						Version:          insight.NextVersion(),
					})
				}
				if !yield(bundle, nil) {
					return
				}
			}
			if !history.PageInfo.HasNextPage {
				return
			}
			variables["after"] = history.PageInfo.EndCursor
		}
	}
}

const pullRequestsQuery = `
query($owner: String!, $name: String!, $first: Int!, $after: String) {
  repository(owner: $owner, name: $name) {
    pullRequests(first: $first, after: $after, orderBy: {field: UPDATED_AT, direction: DESC}) {
      pageInfo { hasNextPage endCursor }
      nodes {
        databaseId
        number
        title
        body
        state
        merged
        mergeCommit { oid }
        createdAt
        updatedAt
        closedAt
        author { login }
        headRefName
        baseRefName
        additions
        deletions
        changedFiles
        totalCommentsCount
        reviews(first: 50) {
          nodes {
            author { login }
            state
            submittedAt
          }
        }
        comments(first: 100) {
          nodes {
            databaseId
            author { login }
            body
            createdAt
            updatedAt
          }
        }
        commits(first: 100) {
          nodes { commit { oid } }
        }
      }
    }
  }
}`

type gqlPullRequests struct {
	Repository struct {
		PullRequests struct {
			PageInfo pageInfo      `json:"pageInfo"`
			Nodes    []gqlPullNode `json:"nodes"`
		} `json:"pullRequests"`
	} `json:"repository"`
}

type gqlActor struct {
	Login string `json:"login"`
}

type gqlPullNode struct {
	DatabaseID  int64  `json:"databaseId"`
	Number      int64  `json:"number"`
	Title       string `json:"title"`
	Body        string `json:"body"`
	State       string `json:"state"`
	Merged      bool   `json:"merged"`
	MergeCommit *struct {
		OID string `json:"oid"`
	} `json:"mergeCommit"`
	CreatedAt          string    `json:"createdAt"`
	UpdatedAt          string    `json:"updatedAt"`
	ClosedAt           *string   `json:"closedAt"`
	Author             *gqlActor `json:"author"`
	HeadRefName        string    `json:"headRefName"`
	BaseRefName        string    `json:"baseRefName"`
	Additions          int       `json:"additions"`
	Deletions          int       `json:"deletions"`
	ChangedFiles       int       `json:"changedFiles"`
	TotalCommentsCount int       `json:"totalCommentsCount"`
	Reviews            struct {
		Nodes []struct {
			Author      *gqlActor `json:"author"`
			State       string    `json:"state"`
			SubmittedAt string    `json:"submittedAt"`
		} `json:"nodes"`
	} `json:"reviews"`
	Comments struct {
		Nodes []struct {
			DatabaseID int64     `json:"databaseId"`
			Author     *gqlActor `json:"author"`
			Body       string    `json:"body"`
			CreatedAt  string    `json:"createdAt"`
			UpdatedAt  string    `json:"updatedAt"`
		} `json:"nodes"`
	} `json:"comments"`
	Commits struct {
		Nodes []struct {
			Commit struct {
				OID string `json:"oid"`
			} `json:"commit"`
		} `json:"nodes"`
	} `json:"commits"`
}

// pullRequestsGraphQL streams pull requests with reviews, comments, and
// commits nested in the same page.
func (g *GitHub) pullRequestsGraphQL(ctx context.Context, repoSlug string, since time.Time) iter.Seq2[*PullRequestBundle, error] {
	return func(yield func(*PullRequestBundle, error) bool) {
		variables := map[string]any{
			"owner": g.org,
			"name":  repoSlug,
			"first": graphqlPRPage,
		}
		for {
			var result gqlPullRequests
			if err := g.graphQL(ctx, pullRequestsQuery, variables, &result); err != nil {
				yield(nil, err)
				return
			}
			page := result.Repository.PullRequests
			for i := range page.Nodes {
				bundle, err := g.mapPullNode(repoSlug, &page.Nodes[i])
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
			if !page.PageInfo.HasNextPage {
				return
			}
			variables["after"] = page.PageInfo.EndCursor
		}
	}
}

func (g *GitHub) mapPullNode(repoSlug string, node *gqlPullNode) (*PullRequestBundle, error) {
	created, err := parseTime(node.CreatedAt)
	if err != nil {
		return nil, ErrMapping.New("pull request %d: %v", node.Number, err)
	}
	updated, err := parseTime(node.UpdatedAt)
	if err != nil {
		return nil, ErrMapping.New("pull request %d: %v", node.Number, err)
	}

	state := insight.PRStateClosed
	switch {
	case node.Merged:
		state = insight.PRStateMerged
	case strings.EqualFold(node.State, "open"):
		state = insight.PRStateOpen
	}

	author := ""
	if node.Author != nil {
		author = node.Author.Login
	}

	mapped := &insight.PullRequest{
		ProjectKey:        g.org,
		RepoSlug:          repoSlug,
		PRID:              node.DatabaseID,
		PRNumber:          node.Number,
		DataSource:        g.Source(),
		Title:             node.Title,
		Description:       node.Body,
		State:             state,
		Author:            author,
		CreatedOn:         created,
		UpdatedOn:         updated,
		SourceBranch:      node.HeadRefName,
		DestinationBranch: node.BaseRefName,
		FilesChanged:      node.ChangedFiles,
		LinesAdded:        node.Additions,
		LinesRemoved:      node.Deletions,
		CommentCount:      node.TotalCommentsCount,
		Version:           insight.NextVersion(),
	}
	if node.ClosedAt != nil {
		if closed, err := parseTime(*node.ClosedAt); err == nil {
			mapped.SetClosed(closed)
		}
	}
	if node.MergeCommit != nil {
		mapped.MergeCommitHash = node.MergeCommit.OID
	}

	bundle := &PullRequestBundle{PullRequest: mapped}

	for _, review := range node.Reviews.Nodes {
		login := ""
		if review.Author != nil {
			login = review.Author.Login
		}
		reviewer := &insight.Reviewer{
			ProjectKey:   g.org,
			RepoSlug:     repoSlug,
			PRID:         node.DatabaseID,
			ReviewerUUID: login,
			DataSource:   g.Source(),
			Name:         login,
			Status:       review.State,
			Role:         "REVIEWER",
			Approved:     insight.ApprovedStatus(review.State),
			Version:      insight.NextVersion(),
		}
		if t, err := parseTime(review.SubmittedAt); err == nil {
			reviewer.ReviewedAt = &t
		}
		bundle.Reviewers = append(bundle.Reviewers, reviewer)
	}

	for _, comment := range node.Comments.Nodes {
		login := ""
		if comment.Author != nil {
			login = comment.Author.Login
		}
		mappedComment := &insight.PRComment{
			ProjectKey: g.org,
			RepoSlug:   repoSlug,
			PRID:       node.DatabaseID,
			CommentID:  comment.DatabaseID,
			DataSource: g.Source(),
			Content:    comment.Body,
			Author:     login,
			Version:    insight.NextVersion(),
		}
		if t, err := parseTime(comment.CreatedAt); err == nil {
			mappedComment.CreatedAt = t
		}
		if t, err := parseTime(comment.UpdatedAt); err == nil {
			mappedComment.UpdatedAt = &t
		}
		bundle.Comments = append(bundle.Comments, mappedComment)
	}

	for i, c := range node.Commits.Nodes {
		bundle.Commits = append(bundle.Commits, &insight.PRCommit{
			ProjectKey:  g.org,
			RepoSlug:    repoSlug,
			PRID:        node.DatabaseID,
			CommitHash:  c.Commit.OID,
			DataSource:  g.Source(),
			CommitOrder: i,
			Version:     insight.NextVersion(),
		})
	}
	mapped.CommitCount = len(bundle.Commits)

	bundle.Tickets = g.prTickets(g.org, repoSlug, mapped)
	return bundle, nil
}
