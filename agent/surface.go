package agent

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrAdmissionDenied    = errors.New("admission to the meeting was denied")
	ErrAdmissionTimeout   = errors.New("timed out waiting for meeting admission")
	ErrMeetingGone        = errors.New("meeting has ended")
	ErrUnsupportedSurface = errors.New("unsupported meeting platform")
)

// Frame is one capture tick from the meeting surface: a slice of
// samples per currently active audio source, all at Rate.
type Frame struct {
	Tracks [][]float32
	Rate   int
}

// Surface abstracts the meeting platform the agent sits in. The agent
// only ever talks to this interface, so the connection loop and the
// audio pipeline can be driven by a fake in tests.
type Surface interface {
	// Join navigates into the meeting under the given display name.
	Join(ctx context.Context, meetingURL, displayName string) error

	// AwaitAdmission blocks until the bot is let in, the host denies
	// it, or ctx expires.
	AwaitAdmission(ctx context.Context) error

	// Capture starts audio capture and yields frames until the surface
	// stops producing or ctx is cancelled.
	Capture(ctx context.Context) (<-chan Frame, error)

	// Occupancy reports the current participant count, including the
	// bot itself. Returns ErrMeetingGone once the meeting is over.
	Occupancy(ctx context.Context) (int, error)

	// Leave exits the meeting. Safe to call in any state.
	Leave()
}

// NewSurface resolves a platform name from the worker configuration.
// Browser-driven capture is not built into this binary; the google_meet
// surface ships in the containerized bot image.
func NewSurface(platform string) (Surface, error) {
	switch platform {
	case "google_meet":
		return nil, fmt.Errorf("%w: google_meet capture requires the browser bot image", ErrUnsupportedSurface)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedSurface, platform)
	}
}
