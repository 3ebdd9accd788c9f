package session

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"scribe.town/metrics"
	"scribe.town/worker"
)

// ErrInvalidInput is returned for meeting targets that are not valid
// Google Meet links.
var ErrInvalidInput = errors.New("invalid meeting link")

const meetLinkPrefix = "https://meet.google.com/"

var meetIDPattern = regexp.MustCompile(`meet\.google\.com/([a-zA-Z0-9-]+)`)

// Initiator validates a join request and registers a session record.
// It starts no resources: the worker launches when the client attaches
// to the event stream.
type Initiator struct {
	Registry *Registry

	// IntakeURL is the websocket endpoint the worker connects back to,
	// without the connectionId parameter, e.g.
	// "ws://host.docker.internal:3000/ws/bot-audio-intake".
	IntakeURL string

	Token string
	Leave worker.LeaveTimeouts
}

// Start validates the meeting link, generates a fresh session
// identifier, builds the worker configuration, and registers the
// record. It returns the identifier the client uses for every other
// endpoint.
func (ini *Initiator) Start(meetLink string) (string, error) {
	if !strings.HasPrefix(meetLink, meetLinkPrefix) {
		return "", fmt.Errorf("%w: must start with %s", ErrInvalidInput, meetLinkPrefix)
	}

	match := meetIDPattern.FindStringSubmatch(meetLink)
	if match == nil || match[1] == "" {
		return "", fmt.Errorf("%w: could not extract meeting id", ErrInvalidInput)
	}
	nativeID := match[1]

	id := uuid.NewString()

	cfg := worker.Config{
		Platform:        "google_meet",
		MeetingURL:      meetLink,
		BotName:         "Scribe-" + id[:8],
		Token:           ini.Token,
		ConnectionID:    id,
		NativeMeetingID: nativeID,
		WSURL:           fmt.Sprintf("%s?connectionId=%s", ini.IntakeURL, id),
		AutomaticLeave:  ini.Leave,
	}

	ini.Registry.Create(id, cfg)
	metrics.SessionsStarted.Inc()

	return id, nil
}
