package worker

import (
	"strings"
	"testing"
)

func TestConfigRoundTrip(t *testing.T) {
	cfg := Config{
		Platform:        "google_meet",
		MeetingURL:      "https://meet.google.com/abc-defg-hij",
		BotName:         "Scribe-deadbeef",
		ConnectionID:    "deadbeef-0000",
		NativeMeetingID: "abc-defg-hij",
		WSURL:           "ws://localhost:8080/ws/bot-audio-intake?connectionId=deadbeef-0000",
		AutomaticLeave: LeaveTimeouts{
			WaitingRoomTimeout:  300000,
			NoOneJoinedTimeout:  300000,
			EveryoneLeftTimeout: 300000,
		},
	}

	raw, err := cfg.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(raw, `"waitingRoomTimeout":300000`) {
		t.Errorf("payload missing leave timeouts: %s", raw)
	}

	t.Setenv(ConfigEnv, raw)
	got, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	if got != cfg {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, cfg)
	}
}

func TestConfigFromEnvMissing(t *testing.T) {
	t.Setenv(ConfigEnv, "")
	if _, err := ConfigFromEnv(); err == nil {
		t.Fatal("expected an error when config env is unset")
	}
}

func TestConfigFromEnvRequiresConnectionID(t *testing.T) {
	t.Setenv(ConfigEnv, `{"platform":"google_meet"}`)
	if _, err := ConfigFromEnv(); err == nil {
		t.Fatal("expected an error for a config without connectionId")
	}
}
