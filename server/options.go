package server

import "time"

// Login protocol constants (spec.md §4.F): the legacy Soulseek client
// version/minor_version pair sent with every login, replicated bit-exact.
const (
	LoginVersion      = 181
	LoginMinorVersion = 1
)

// SharesResolver reports the embedder's current share counts, sent via
// SetSharedCounts immediately after a successful login (spec.md §4.F
// "Outbound shared-count advertisement").
type SharesResolver func() (dirs, files int)

// Options tunes the server session's automatic behaviors (spec.md §4.F
// "Automatic behaviors (options-gated)"). Only AutoAckPrivateMessages is
// read by the session; AutoAckPrivilegeNotifications and
// AutoAcceptPrivateRoomInvites have no effect.
type Options struct {
	AutoAckPrivateMessages        bool
	AutoAckPrivilegeNotifications bool
	AutoAcceptPrivateRoomInvites  bool

	LoginTimeout time.Duration

	Shares SharesResolver
}

// DefaultOptions returns sensible defaults: all auto-ack behaviors on,
// matching the reference client's default posture.
func DefaultOptions() Options {
	return Options{
		AutoAckPrivateMessages:        true,
		AutoAckPrivilegeNotifications: true,
		AutoAcceptPrivateRoomInvites:  true,
		LoginTimeout:                  15 * time.Second,
		Shares:                        func() (int, int) { return 0, 0 },
	}
}
