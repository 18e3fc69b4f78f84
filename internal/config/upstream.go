package config

import (
	"net/url"
	"strings"
	"time"

	"github.com/maxcherey/insight-etl/internal/insight"
)

// UpstreamConfig identifies the source-control server to collect from
// and how hard the client may lean on it.
type UpstreamConfig struct {
	URL        string
	Token      string
	DataSource string
	// Org is the organization that acts as the single virtual project
	// for GitHub collection.
	Org         string
	UseGraphQL  bool
	MaxRetries  int
	HTTPTimeout time.Duration
	// LocalRepos maps "project/slug" to an on-disk clone path for the
	// custom-git source. Ignored by the API-backed sources.
	LocalRepos map[string]string
}

func loadUpstreamConfig() UpstreamConfig {
	return UpstreamConfig{
		URL:         getEnv("UPSTREAM_URL", ""),
		Token:       getEnv("UPSTREAM_TOKEN", ""),
		DataSource:  getEnv("DATA_SOURCE", insight.SourceBitbucketServer),
		Org:         getEnv("GITHUB_ORG", ""),
		UseGraphQL:  getEnvBool("USE_GRAPHQL", true),
		MaxRetries:  getEnvInt("MAX_RETRIES", 3),
		HTTPTimeout: getEnvDuration("HTTP_TIMEOUT", 60*time.Second),
		LocalRepos:  parseLocalRepos(getEnv("LOCAL_REPOS", "")),
	}
}

func (c UpstreamConfig) validate() error {
	if c.DataSource == insight.SourceCustomETL {
		if len(c.LocalRepos) == 0 {
			return Error.New("LOCAL_REPOS is required for the %s source", insight.SourceCustomETL)
		}
		return nil
	}
	if c.URL == "" {
		return Error.New("UPSTREAM_URL is required")
	}
	if _, err := url.ParseRequestURI(c.URL); err != nil {
		return Error.New("invalid UPSTREAM_URL %q: %v", c.URL, err)
	}
	if c.Token == "" {
		return Error.New("UPSTREAM_TOKEN is required")
	}
	if c.DataSource == insight.SourceGitHub && c.Org == "" {
		return Error.New("GITHUB_ORG is required for the %s source", insight.SourceGitHub)
	}
	return nil
}

// parseLocalRepos parses "PROJ/slug=/path/to/clone" pairs separated by commas.
func parseLocalRepos(value string) map[string]string {
	if value == "" {
		return nil
	}
	repos := make(map[string]string)
	for _, pair := range strings.Split(value, ",") {
		key, path, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || key == "" || path == "" {
			continue
		}
		repos[key] = path
	}
	return repos
}
