package config

import (
	"strings"
	"time"
)

// Branch selection modes.
const (
	BranchesDefault = "default"
	BranchesAll     = "all"
)

// CollectorConfig controls what one run collects and how.
type CollectorConfig struct {
	Since           *time.Time
	Until           *time.Time
	Repositories    []string // "project/slug" filters; empty collects everything
	CollectCommits  bool
	CollectPRs      bool
	CollectReviews  bool
	CollectComments bool
	Branches        string // "default" or "all"
	ForceRefetch    bool
	BatchSize       int
	MaxWorkers      int
}

func loadCollectorConfig() CollectorConfig {
	return CollectorConfig{
		Since:           getEnvTime("SINCE"),
		Until:           getEnvTime("UNTIL"),
		Repositories:    splitList(getEnv("REPOSITORIES", "")),
		CollectCommits:  getEnvBool("COLLECT_COMMITS", true),
		CollectPRs:      getEnvBool("COLLECT_PRS", true),
		CollectReviews:  getEnvBool("COLLECT_REVIEWS", true),
		CollectComments: getEnvBool("COLLECT_COMMENTS", true),
		Branches:        getEnv("BRANCHES", BranchesDefault),
		ForceRefetch:    getEnvBool("FORCE_REFETCH", false),
		BatchSize:       getEnvInt("BATCH_SIZE", 1000),
		MaxWorkers:      getEnvInt("MAX_WORKERS", 5),
	}
}

// WantsRepository reports whether "project/slug" passes the repository
// filter. An empty filter admits everything.
func (c CollectorConfig) WantsRepository(projectKey, repoSlug string) bool {
	if len(c.Repositories) == 0 {
		return true
	}
	full := projectKey + "/" + repoSlug
	for _, want := range c.Repositories {
		if strings.EqualFold(want, full) {
			return true
		}
	}
	return false
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
