package transfer

import "time"

// SearchOptions tunes one search call (spec.md §6.4 "Search").
type SearchOptions struct {
	MinimumResponseFileCount int
	FileFilter               func(FileEntry) bool
	ResponseLimit            int
	SearchTimeout            time.Duration
}

// DefaultSearchOptions returns spec.md §4.H.1's stated default.
func DefaultSearchOptions() SearchOptions {
	return SearchOptions{SearchTimeout: 5 * time.Second}
}

// DownloadOptions tunes one download call.
type DownloadOptions struct {
	// PeerResponseTimeout bounds the wait for the peer's initial
	// TransferResponse (spec.md §4.H.2 "default 30s").
	PeerResponseTimeout time.Duration
	// ReadGapTimeout bounds how long an in-progress transfer may go
	// without forward progress (spec.md §4.H.2 "default 15s").
	ReadGapTimeout time.Duration
	ReadBufferSize int
}

// DefaultDownloadOptions returns spec.md §4.H.2's stated defaults.
func DefaultDownloadOptions() DownloadOptions {
	return DownloadOptions{
		PeerResponseTimeout: 30 * time.Second,
		ReadGapTimeout:      15 * time.Second,
		ReadBufferSize:      16384,
	}
}

// Options tunes the engine as a whole.
type Options struct {
	// StateChanged and ProgressUpdated are invoked synchronously from the
	// engine's goroutines in addition to the event bus (spec.md §6.4
	// "Transfer: state-changed callback, progress-updated callback").
	StateChanged    func(*Transfer)
	ProgressUpdated func(*Transfer)

	// DelayedResponseTTL bounds how long an owed-but-undeliverable search
	// response is retained (spec.md §4.H.5 "discard after 180 seconds").
	DelayedResponseTTL time.Duration
}

// DefaultOptions returns no-op callbacks and the stated 180s TTL.
func DefaultOptions() Options {
	return Options{
		StateChanged:       func(*Transfer) {},
		ProgressUpdated:    func(*Transfer) {},
		DelayedResponseTTL: 180 * time.Second,
	}
}
