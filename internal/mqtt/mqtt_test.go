package mqtt

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/sweeney/humidistat/internal/logic"
)

func statusPtr(s logic.Status) *logic.Status { return &s }

func sampleDecision() logic.DecisionEvent {
	return logic.DecisionEvent{
		Timestamp:   time.Date(2026, 3, 10, 13, 5, 0, 0, time.UTC),
		Zone:        3,
		Status:      logic.StatusOff,
		Previous:    statusPtr(logic.StatusOn),
		Humidity:    66,
		Thresholds:  logic.Thresholds{Target: 60, Up: 5, Down: 5},
		ReadingTime: time.Date(2026, 3, 10, 13, 2, 0, 0, time.UTC),
		Dispatched:  true,
	}
}

func TestFormatPayloadExactJSON(t *testing.T) {
	payload, err := FormatPayload(sampleDecision())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := `{"decision":{"timestamp":"2026-03-10T13:05:00Z","zone":3,"status":"OFF","previous":"ON",` +
		`"humidity":66,"target":60,"hysteresis_up":5,"hysteresis_down":5,` +
		`"reading_time":"2026-03-10T13:02:00Z","dispatched":true}}`
	if string(payload) != expected {
		t.Errorf("unexpected payload:\ngot:  %s\nwant: %s", payload, expected)
	}
}

func TestFormatPayloadFirstDecisionHasNullPrevious(t *testing.T) {
	ev := sampleDecision()
	ev.Previous = nil
	ev.Status = logic.StatusOn
	ev.Dispatched = false
	ev.DispatchError = "context deadline exceeded"

	payload, err := FormatPayload(ev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var parsed map[string]map[string]any
	if err := json.Unmarshal(payload, &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	d := parsed["decision"]
	if v, ok := d["previous"]; !ok || v != nil {
		t.Errorf("expected explicit null previous, got %v (present=%v)", v, ok)
	}
	if d["dispatched"] != false {
		t.Errorf("expected dispatched=false, got %v", d["dispatched"])
	}
	if d["dispatch_error"] != "context deadline exceeded" {
		t.Errorf("unexpected dispatch_error: %v", d["dispatch_error"])
	}
}

func TestFormatPayloadTimezoneConversion(t *testing.T) {
	ev := sampleDecision()
	ev.Timestamp = time.Date(2026, 3, 10, 15, 5, 0, 0, time.FixedZone("EET", 2*3600))

	payload, _ := FormatPayload(ev)
	var parsed Payload
	if err := json.Unmarshal(payload, &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if parsed.Decision.Timestamp != "2026-03-10T13:05:00Z" {
		t.Errorf("expected UTC timestamp, got %s", parsed.Decision.Timestamp)
	}
}

func TestFormatSystemPayloadExactJSON(t *testing.T) {
	event := SystemEvent{
		Timestamp: time.Date(2026, 2, 10, 8, 30, 0, 0, time.UTC),
		Event:     EventShutdown,
		Reason:    "SIGTERM",
	}

	payload, err := FormatSystemPayload(event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := `{"system":{"timestamp":"2026-02-10T08:30:00Z","event":"SHUTDOWN","reason":"SIGTERM"}}`
	if string(payload) != expected {
		t.Errorf("unexpected payload:\ngot:  %s\nwant: %s", payload, expected)
	}
}

func TestFormatSystemPayloadOmitsEmptyReason(t *testing.T) {
	payload, _ := FormatSystemPayload(SystemEvent{
		Timestamp: time.Date(2026, 2, 10, 14, 30, 0, 0, time.UTC),
		Event:     EventReconnected,
	})

	expected := `{"system":{"timestamp":"2026-02-10T14:30:00Z","event":"RECONNECTED"}}`
	if string(payload) != expected {
		t.Errorf("unexpected payload:\ngot:  %s\nwant: %s", payload, expected)
	}
}

func TestFormatSystemPayloadRawPassthrough(t *testing.T) {
	raw := []byte(`{"status":{"event":"STARTUP"}}`)
	payload, err := FormatSystemPayload(SystemEvent{Event: EventStartup, RawPayload: raw})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(payload) != string(raw) {
		t.Errorf("expected raw payload, got %s", payload)
	}
}

func TestTopics(t *testing.T) {
	if TopicDecisions != "humidistat/controller/decisions" {
		t.Errorf("unexpected decisions topic %s", TopicDecisions)
	}
	if TopicSystem != "humidistat/controller/system" {
		t.Errorf("unexpected system topic %s", TopicSystem)
	}
}

func TestFakePublisher(t *testing.T) {
	fake := NewFakePublisher()

	if err := fake.PublishDecision(sampleDecision()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := fake.PublishSystem(SystemEvent{Event: EventStartup}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if fake.DecisionCount() != 1 || len(fake.Payloads) != 1 {
		t.Errorf("expected one decision and payload, got %d/%d", fake.DecisionCount(), len(fake.Payloads))
	}
	if names := fake.SystemEventNames(); len(names) != 1 || names[0] != EventStartup {
		t.Errorf("unexpected system events %v", names)
	}
}

func TestFakePublisherErrors(t *testing.T) {
	fake := NewFakePublisher()
	fake.PublishError = errors.New("broker down")
	fake.PublishSystemError = errors.New("broker down")

	if err := fake.PublishDecision(sampleDecision()); err == nil {
		t.Error("expected decision error")
	}
	if err := fake.PublishSystem(SystemEvent{Event: EventShutdown}); err == nil {
		t.Error("expected system error")
	}
	if fake.DecisionCount() != 0 || len(fake.SystemEvents) != 0 {
		t.Error("failed publishes must not be recorded")
	}
}

func TestFakePublisherResetAndClose(t *testing.T) {
	fake := NewFakePublisher()
	fake.Connected = true
	fake.PublishDecision(sampleDecision())
	fake.Close()

	if !fake.Closed || !fake.IsConnected() {
		t.Fatal("expected closed and connected flags")
	}

	fake.Reset()
	if fake.Closed || fake.IsConnected() || fake.DecisionCount() != 0 {
		t.Error("reset did not clear state")
	}
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = NopPublisher{}
	if err := p.PublishDecision(sampleDecision()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := p.PublishSystem(SystemEvent{Event: EventStartup}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if (NopPublisher{}).IsConnected() {
		t.Error("nop publisher is never connected")
	}
}
