package distributed

import "time"

// Options tunes the distributed overlay (spec.md §4.G).
type Options struct {
	// ChildLimit bounds how many children we admit simultaneously.
	ChildLimit int

	// BroadcastQueueDepth bounds each child's outbound relay queue; the
	// oldest pending message is dropped when a slow child falls behind
	// (spec.md §4.G "Search relay").
	BroadcastQueueDepth int

	// DeduplicateSearchRequests, when true, discards a relayed search whose
	// (username, token) pair has already been seen recently.
	DeduplicateSearchRequests bool

	// DedupCacheSize bounds the recently-seen (username, token) LRU.
	DedupCacheSize int

	// ParentRaceTimeout bounds how long we wait, per NetInfo round, for a
	// candidate to answer with BranchLevel + BranchRoot before giving up.
	ParentRaceTimeout time.Duration
}

// DefaultOptions returns the defaults spec.md §4.G names explicitly
// (child limit, queue depth) plus reasonable values for the rest.
func DefaultOptions() Options {
	return Options{
		ChildLimit:                10,
		BroadcastQueueDepth:       100,
		DeduplicateSearchRequests: true,
		DedupCacheSize:            4096,
		ParentRaceTimeout:         10 * time.Second,
	}
}
