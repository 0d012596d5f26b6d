// Package transfer implements the highest-entropy subsystem described in
// spec.md §4.H: search, download, and upload state machines, place-in-queue
// handling, and delayed search-response delivery. It is the frame handler
// connmgr.Manager dispatches peer-dialect messages to (see Engine.HandlerFor),
// mirroring the teacher's model-as-connection-handler shape generalized from
// file-sync block requests to Soulseek's search/transfer message set.
package transfer

import "time"

// Direction distinguishes which side of a transfer is sending bytes.
type Direction int

const (
	Download Direction = iota
	Upload
)

func (d Direction) String() string {
	if d == Upload {
		return "upload"
	}
	return "download"
}

// State is a transfer's position in its lifecycle (spec.md §4.H.2).
type State int

const (
	None State = iota
	Queued
	Initializing
	InProgress
	Completed
)

func (s State) String() string {
	switch s {
	case None:
		return "none"
	case Queued:
		return "queued"
	case Initializing:
		return "initializing"
	case InProgress:
		return "in-progress"
	case Completed:
		return "completed"
	default:
		return "unknown"
	}
}

// CompletionReason refines the terminal Completed state.
type CompletionReason int

const (
	NotCompleted CompletionReason = iota
	Succeeded
	Cancelled
	TimedOut
	Errored
	Rejected
)

func (r CompletionReason) String() string {
	switch r {
	case Succeeded:
		return "succeeded"
	case Cancelled:
		return "cancelled"
	case TimedOut:
		return "timed-out"
	case Errored:
		return "errored"
	case Rejected:
		return "rejected"
	default:
		return "not-completed"
	}
}

// Transfer is the engine's record of one in-flight or completed transfer
// (spec.md §3 "Transfer").
type Transfer struct {
	Direction    Direction
	State        State
	Reason       CompletionReason
	LocalToken   uint32
	RemoteToken  uint32
	Username     string
	Filename     string
	Size         int64
	Transferred  int64
	StartedAt    time.Time
	EndedAt      time.Time
	AverageSpeed float64 // bytes/sec

	err error
}

// Err returns the error associated with a Completed.Errored/Rejected
// transfer, or nil.
func (t *Transfer) Err() error { return t.err }

func (t *Transfer) key() transferKey {
	return transferKey{username: t.Username, filename: t.Filename, direction: t.Direction}
}

type transferKey struct {
	username  string
	filename  string
	direction Direction
}

// FileAttr is one typed file attribute carried by a SearchResponse entry
// (spec.md §3 "File entries carry ... typed attributes"). Code follows the
// Open Question decision recorded in DESIGN.md.
type FileAttr struct {
	Code  int
	Value uint32
}

const (
	AttrBitrate    = 0
	AttrDuration   = 1
	AttrVBR        = 2
	AttrSampleRate = 4
	AttrBitDepth   = 5
)

// FileEntry is one file within a SearchResponse or BrowseResponse.
type FileEntry struct {
	Filename  string
	Size      int64
	Extension string
	Attrs     []FileAttr
}

// SearchResponse is a peer's answer to an outstanding search (spec.md §3
// "SearchResponse").
type SearchResponse struct {
	Username        string
	Token           uint32
	Files           []FileEntry
	FreeUploadSlots bool
	UploadSpeed     uint32
	QueueLength     uint32
}

// Directory groups files under one path for BrowseResponse (spec.md §6.2
// "browse").
type Directory struct {
	Name  string
	Files []FileEntry
}

// BrowseResponse is a peer's share listing.
type BrowseResponse struct {
	Directories []Directory
}

// UserInfoResponse is a peer's profile/info response.
type UserInfoResponse struct {
	Description   string
	HasPicture    bool
	Picture       []byte
	UploadSlots   int
	QueueLength   int
	HasFreeSlot   bool
}
