package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/lbianco/butlerd/internal/agent"
	"github.com/lbianco/butlerd/internal/config"
)

func TestTopicPaths(t *testing.T) {
	p := New(config.MQTTConfig{
		BrokerURL:   "tcp://mqtt.lan:1883",
		TopicPrefix: "butlerd",
	}, slog.Default())

	if got := p.availabilityTopic(); got != "butlerd/availability" {
		t.Errorf("availabilityTopic() = %q", got)
	}
	if got := p.turnTopic(); got != "butlerd/turns" {
		t.Errorf("turnTopic() = %q", got)
	}
}

func TestTurnEventJSON(t *testing.T) {
	data, err := json.Marshal(TurnEvent{
		RequestID:        "req-1",
		SessionKey:       "alice",
		Model:            "claude-sonnet-4-20250514",
		InputTokens:      100,
		OutputTokens:     20,
		CapabilitiesUsed: []string{"web_search"},
		DurationMs:       1500,
	})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	for _, key := range []string{"request_id", "session", "model", "input_tokens", "output_tokens", "capabilities_used", "duration_ms"} {
		if _, ok := decoded[key]; !ok {
			t.Errorf("missing key %q in %s", key, data)
		}
	}

	// capabilities_used is omitted when no capability ran.
	data, _ = json.Marshal(TurnEvent{RequestID: "req-2"})
	if _, ok := decoded["nonexistent"]; ok {
		t.Fatal("unreachable")
	}
	var plain map[string]any
	json.Unmarshal(data, &plain)
	if _, ok := plain["capabilities_used"]; ok {
		t.Errorf("capabilities_used should be omitted when empty: %s", data)
	}
}

func TestNilSafety(t *testing.T) {
	var p *Publisher

	// Must not panic.
	p.TurnCompleted(context.Background(), &agent.TurnResult{SessionKey: "x", Duration: time.Second})
	if err := p.Stop(context.Background()); err != nil {
		t.Errorf("Stop on nil publisher: %v", err)
	}

	// Constructed but never started: also a no-op.
	started := New(config.MQTTConfig{TopicPrefix: "butlerd"}, slog.Default())
	started.TurnCompleted(context.Background(), &agent.TurnResult{SessionKey: "y"})
}
