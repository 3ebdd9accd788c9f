package fanout

// Event is one unit of output for a session: a transcript segment, a
// status or error notice, or a raw log line from the worker. The JSON
// shape is the wire format on the event stream; unknown types pass
// through to the client untouched.
type Event struct {
	Type        string `json:"type"`
	Source      string `json:"source,omitempty"`
	Message     string `json:"message,omitempty"`
	Segment     string `json:"segment,omitempty"`
	IsFinal     bool   `json:"isFinal,omitempty"`
	SpeechFinal bool   `json:"speechFinal,omitempty"`
}

const (
	TypeTranscript = "transcript"
	TypeStatus     = "status"
	TypeError      = "error"
	TypeLog        = "log"
)

func Status(source, message string) Event {
	return Event{Type: TypeStatus, Source: source, Message: message}
}

func Error(source, message string) Event {
	return Event{Type: TypeError, Source: source, Message: message}
}

func Log(source, message string) Event {
	return Event{Type: TypeLog, Source: source, Message: message}
}

func Transcript(segment string, isFinal, speechFinal bool) Event {
	return Event{
		Type:        TypeTranscript,
		Segment:     segment,
		IsFinal:     isFinal,
		SpeechFinal: speechFinal,
	}
}
