package bus

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/huntsman-array/huntsman-drp/internal/config"
)

func TestSubject(t *testing.T) {
	if got := Subject("ingestor"); got != "huntsman.events.ingestor" {
		t.Errorf("Subject = %q", got)
	}
}

func TestEventJSONShape(t *testing.T) {
	ev := Event{
		Service:   "screener",
		State:     "running",
		Processed: 12,
		Failed:    1,
		Queued:    3,
		Time:      time.Date(2021, 3, 14, 19, 30, 0, 0, time.UTC),
	}
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"service", "state", "processed", "failed", "queued", "time"} {
		if _, ok := decoded[key]; !ok {
			t.Errorf("encoded event missing %q: %s", key, data)
		}
	}

	var back Event
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("round trip: %v", err)
	}
	if back != ev {
		t.Errorf("round trip changed event: %+v != %+v", back, ev)
	}
}

func TestNilPublisherIsSafe(t *testing.T) {
	var p *Publisher
	p.Publish(Event{Service: "ingestor", State: "running"})
	p.Close()
}

func TestConnectDisabled(t *testing.T) {
	cfg := &config.Config{NATS: config.NATSConfig{Enabled: false}}

	p, err := Connect(cfg, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if p != nil {
		t.Fatal("disabled bus should yield a nil publisher")
	}
	p.Publish(Event{Service: "ingestor"})
	p.Close()
}
