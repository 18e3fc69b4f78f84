package collector

import "sync/atomic"

// Stats tracks run counters. Counter fields use atomic operations so
// concurrent repository workers can increment them without a lock.
// Counters only ever grow during a run.
type Stats struct {
	reposProcessed   atomic.Int64
	commitsCollected atomic.Int64
	prsCollected     atomic.Int64
	apiCalls         atomic.Int64
	errors           atomic.Int64
}

func (s *Stats) AddRepo()           { s.reposProcessed.Add(1) }
func (s *Stats) AddCommits(n int64) { s.commitsCollected.Add(n) }
func (s *Stats) AddPRs(n int64)     { s.prsCollected.Add(n) }
func (s *Stats) AddError()          { s.errors.Add(1) }

// SetAPICalls records the adapter's request count; it never regresses.
func (s *Stats) SetAPICalls(n int64) {
	for {
		current := s.apiCalls.Load()
		if n <= current || s.apiCalls.CompareAndSwap(current, n) {
			return
		}
	}
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	ReposProcessed   int64 `json:"repos_processed"`
	CommitsCollected int64 `json:"commits_collected"`
	PRsCollected     int64 `json:"prs_collected"`
	APICalls         int64 `json:"api_calls"`
	Errors           int64 `json:"errors"`
}

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		ReposProcessed:   s.reposProcessed.Load(),
		CommitsCollected: s.commitsCollected.Load(),
		PRsCollected:     s.prsCollected.Load(),
		APICalls:         s.apiCalls.Load(),
		Errors:           s.errors.Load(),
	}
}
