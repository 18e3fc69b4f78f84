package upstream

import (
	"context"
	"encoding/json"
	"iter"
	"net/url"
	"strconv"
)

// Default page sizes per dialect.
const (
	restPageSize      = 100
	graphqlCommitPage = 100
	graphqlPRPage     = 50
)

// offsetPage is the Bitbucket Server paged-response envelope.
type offsetPage struct {
	Values        []json.RawMessage `json:"values"`
	IsLastPage    bool              `json:"isLastPage"`
	NextPageStart *int              `json:"nextPageStart"`
}

// offsetValues streams raw records across start/limit pages. The next
// page is requested only once the previous one has been fully consumed,
// so a caller that stops early never pays for pages it does not read.
func offsetValues(ctx context.Context, c *Client, path string, query url.Values, limit int) iter.Seq2[json.RawMessage, error] {
	return func(yield func(json.RawMessage, error) bool) {
		start := 0
		for {
			q := url.Values{}
			for key, vals := range query {
				q[key] = vals
			}
			q.Set("limit", strconv.Itoa(limit))
			q.Set("start", strconv.Itoa(start))

			var page offsetPage
			if err := c.GetJSON(ctx, path, q, &page); err != nil {
				yield(nil, err)
				return
			}
			for _, value := range page.Values {
				if !yield(value, nil) {
					return
				}
			}
			if page.IsLastPage || page.NextPageStart == nil {
				return
			}
			start = *page.NextPageStart
		}
	}
}

// pageInfo is the GraphQL connection cursor envelope.
type pageInfo struct {
	HasNextPage bool   `json:"hasNextPage"`
	EndCursor   string `json:"endCursor"`
}
