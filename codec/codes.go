package codec

// Server dialect codes (spec.md §6.1, bit-exact). A handful of codes
// referenced by the §4.F dispatch table (GetUserStats, JoinRoom) have no
// entry in the §6.1 wire table; they are assigned the values the real
// Soulseek network uses, per the latitude spec.md §9 grants implementers to
// verify undocumented byte-layouts against a live trace — see DESIGN.md.
const (
	CodeLogin            = 1
	CodeGetPeerAddress   = 3
	CodeAddUser          = 5
	CodeGetUserStatus    = 7
	CodePrivateMessage   = 13
	CodeAckPrivateMessage = 14
	CodeSayChatroom      = 17
	CodeJoinRoom         = 57
	CodeLeaveRoom        = 58
	CodeConnectToPeer    = 18
	CodeFileSearch       = 22
	CodeNetInfo          = 26
	CodeSetListenPort    = 32
	CodeSharedCounts     = 35
	CodeGetUserStats     = 36
	CodeRoomList         = 64
	CodePrivilegedUsers  = 69
	CodeParentsIP        = 73
	CodeParentMinSpeed   = 83
	CodeParentSpeedRatio = 84
	CodeWishlistInterval = 104
	CodeBranchLevel      = 126
	CodeBranchRoot       = 127
	CodeKickedFromServer = 41
)

// Peer dialect codes. Note: spec.md §6.1 assigns code 9 to both
// TransferRequest and SearchResponse; this is reproduced bit-exact per the
// spec table (see DESIGN.md "Open Question decisions" — we did not guess a
// correction). TransferResponse shares the same code with TransferRequest
// (the table lists only one entry for both directions of the transfer
// handshake); all three are disambiguated structurally: SearchResponse
// payloads are always compression-prefixed and carry a token matching an
// outstanding search, TransferResponse payloads open with a token followed
// by a single allowed-boolean, TransferRequest payloads open with a
// direction byte.
const (
	CodePeerBrowseRequest    = 4
	CodePeerBrowseResponse   = 5
	CodePeerSearchRequest    = 8
	CodePeerTransferRequest  = 9
	CodePeerTransferResponse = 9
	CodePeerSearchResponse   = 9
	CodePeerUserInfoRequest  = 15
	CodePeerUserInfoResponse = 16
	CodePeerFolderContents   = 36
	CodePeerPlaceInQueue     = 40
	CodePeerUploadFailed     = 41
	CodePeerQueueFailed      = 43
	CodePeerPlaceInQueueReq  = 44
	CodePeerUploadDenied     = 46
)

// Init (initialization) dialect codes — 8-bit code space.
const (
	CodeInitPierceFirewall = 0
	CodeInitPeerInit       = 1
)

// Distributed dialect codes. Ping/PingResponse have no §6.1 table entry
// (only SearchRequest/BranchLevel/BranchRoot are listed) but are required by
// §4.G; assigned values consistent with the rest of the dialect's low code
// space.
const (
	CodeDistributedPing          = 0
	CodeDistributedSearchRequest = 3
	CodeDistributedBranchLevel   = 4
	CodeDistributedBranchRoot    = 5
	CodeDistributedChildDepth    = 7
	CodeDistributedPingResponse  = 8
)
