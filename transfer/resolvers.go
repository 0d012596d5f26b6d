package transfer

import "context"

// Resolvers are the embedder-supplied delegates the engine invokes to
// answer peer requests (spec.md §6.3). Every field defaults to a no-op/
// rejecting implementation via DefaultResolvers so embedders only need to
// override what they care about.
type Resolvers struct {
	BrowseResponse func(ctx context.Context, username string) (BrowseResponse, error)
	UserInfo       func(ctx context.Context, username string) (UserInfoResponse, error)

	// SearchResponse answers a query the embedder might have matching
	// files for; ok=false declines to respond (spec.md §4.G/§4.H "search
	// relay"/"search_response_resolver").
	SearchResponse func(ctx context.Context, username string, token uint32, query string) (resp SearchResponse, ok bool)

	// EnqueueDownload decides whether to accept an inbound request to
	// download filename from us. A non-nil *Error's Reason is relayed to
	// the peer as the rejection reason; any other non-nil error is relayed
	// as "Rejected" (spec.md §4.H.3 "QueueDownload").
	EnqueueDownload func(ctx context.Context, username, filename string) error

	// PlaceInQueue answers a peer's place-in-queue request; ok=false
	// means "no opinion" and no response is sent.
	PlaceInQueue func(ctx context.Context, username, filename string) (position int, ok bool)
}

// DefaultResolvers returns resolvers that answer browse and user-info
// requests with empty responses and decline search, enqueue-download and
// place-in-queue requests, matching the reference posture of "share nothing
// until configured."
func DefaultResolvers() Resolvers {
	return Resolvers{
		BrowseResponse: func(context.Context, string) (BrowseResponse, error) {
			return BrowseResponse{}, nil
		},
		UserInfo: func(context.Context, string) (UserInfoResponse, error) {
			return UserInfoResponse{}, nil
		},
		SearchResponse: func(context.Context, string, uint32, string) (SearchResponse, bool) {
			return SearchResponse{}, false
		},
		EnqueueDownload: func(context.Context, string, string) error {
			return &Error{Kind: ErrTransferRejected, Reason: "no shares configured"}
		},
		PlaceInQueue: func(context.Context, string, string) (int, bool) {
			return 0, false
		},
	}
}
