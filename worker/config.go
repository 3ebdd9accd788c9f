package worker

import (
	"encoding/json"
	"fmt"
	"os"
)

// ConfigEnv is the environment variable carrying the serialized Config
// into the worker process.
const ConfigEnv = "BOT_CONFIG"

// LeaveTimeouts are the automatic-leave thresholds for the worker audio
// agent, in milliseconds.
type LeaveTimeouts struct {
	WaitingRoomTimeout  int `json:"waitingRoomTimeout"`
	NoOneJoinedTimeout  int `json:"noOneJoinedTimeout"`
	EveryoneLeftTimeout int `json:"everyoneLeftTimeout"`
}

// Config is the immutable per-session worker configuration. It is built
// once when a session is initiated and never mutated afterwards.
type Config struct {
	Platform        string        `json:"platform"`
	MeetingURL      string        `json:"meetingUrl"`
	BotName         string        `json:"botName"`
	Token           string        `json:"token,omitempty"`
	ConnectionID    string        `json:"connectionId"`
	NativeMeetingID string        `json:"nativeMeetingId"`
	WSURL           string        `json:"wsUrl"`
	AutomaticLeave  LeaveTimeouts `json:"automaticLeave"`
}

// Marshal renders the config the way the worker expects to find it in
// its environment.
func (c Config) Marshal() (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal worker config: %w", err)
	}
	return string(data), nil
}

// ConfigFromEnv reads and decodes the config inside the worker process.
func ConfigFromEnv() (Config, error) {
	raw := os.Getenv(ConfigEnv)
	if raw == "" {
		return Config{}, fmt.Errorf("%s is not set", ConfigEnv)
	}

	var cfg Config
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return Config{}, fmt.Errorf("decode %s: %w", ConfigEnv, err)
	}
	if cfg.ConnectionID == "" {
		return Config{}, fmt.Errorf("%s has no connectionId", ConfigEnv)
	}
	return cfg, nil
}
