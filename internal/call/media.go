package call

import (
	"context"

	"github.com/servicehub/chatcore/internal/events"
)

// MediaState is the state of the real-time media transport, as opposed to
// the signaling phase.
type MediaState string

const (
	MediaNone         MediaState = "none"
	MediaNegotiating  MediaState = "negotiating"
	MediaConnected    MediaState = "connected"
	MediaDisconnected MediaState = "disconnected"
	MediaFailed       MediaState = "failed"
)

// MediaSession is one peer connection with its local audio track. Callbacks
// may be invoked from any goroutine.
type MediaSession interface {
	// CreateOffer returns the local offer SDP; local candidates trickle
	// through OnICECandidate.
	CreateOffer(ctx context.Context) (string, error)
	// AcceptOffer applies a remote offer and returns the answer SDP.
	AcceptOffer(ctx context.Context, offer string) (string, error)
	SetAnswer(answer string) error
	AddICECandidate(c events.Candidate) error
	OnICECandidate(fn func(events.Candidate))
	OnStateChange(fn func(MediaState))
	// Close stops local tracks and closes the peer connection.
	Close() error
}

// MediaFactory opens a media session, acquiring the microphone. An error is
// unrecoverable for the call.
type MediaFactory func(ctx context.Context) (MediaSession, error)
