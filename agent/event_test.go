package agent

import (
	"bufio"
	"bytes"
	"encoding/json"
	"testing"
)

func TestReporterWritesJSONLines(t *testing.T) {
	var buf bytes.Buffer
	r := NewReporter(&buf)

	r.Info("joined %s", "abc-defg-hij")
	r.Error("something broke")

	scanner := bufio.NewScanner(&buf)
	var events []Event
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("line %q is not valid json: %v", scanner.Text(), err)
		}
		events = append(events, ev)
	}

	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Type != "info" || events[0].Message != "joined abc-defg-hij" {
		t.Errorf("event 0 = %+v", events[0])
	}
	if events[1].Type != "error" || events[1].Source != eventSource {
		t.Errorf("event 1 = %+v", events[1])
	}
	if events[0].Timestamp == "" {
		t.Error("event 0 has no timestamp")
	}
}
