package alert

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"mockexchange/internal/infrastructure/health"
	"mockexchange/pkg/logging"
)

type mockChannel struct {
	name string
	mu   sync.Mutex
	sent []Payload
}

func (m *mockChannel) Name() string { return m.name }

func (m *mockChannel) Send(ctx context.Context, alert Payload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, alert)
	return nil
}

func (m *mockChannel) getSent() []Payload {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]Payload, len(m.sent))
	copy(res, m.sent)
	return res
}

func waitForAlerts(t *testing.T, ch *mockChannel, n int) []Payload {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if sent := ch.getSent(); len(sent) >= n {
			return sent
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Expected %d alerts, got %d", n, len(ch.getSent()))
	return nil
}

func TestManagerBroadcastsToAllChannels(t *testing.T) {
	m := NewManager(logging.NewNopLogger())

	ch1 := &mockChannel{name: "mock1"}
	ch2 := &mockChannel{name: "mock2"}
	m.AddChannel(ch1)
	m.AddChannel(ch2)

	m.Alert(context.Background(), "Reservation mismatch", "used rails drifted", Error,
		map[string]string{"asset": "USDT"})

	sent1 := waitForAlerts(t, ch1, 1)
	waitForAlerts(t, ch2, 1)

	payload := sent1[0]
	if payload.Title != "Reservation mismatch" {
		t.Errorf("Expected title 'Reservation mismatch', got %q", payload.Title)
	}
	if payload.Level != Error {
		t.Errorf("Expected level ERROR, got %s", payload.Level)
	}
	if payload.Fields["asset"] != "USDT" {
		t.Errorf("Expected field asset=USDT, got %q", payload.Fields["asset"])
	}
}

func TestHealthWatcherAlertsOnTransitions(t *testing.T) {
	checks := health.NewManager(nil)
	failing := false
	checks.Register("store", func() error {
		if failing {
			return fmt.Errorf("connection lost")
		}
		return nil
	})

	m := NewManager(logging.NewNopLogger())
	ch := &mockChannel{name: "mock"}
	m.AddChannel(ch)

	w := NewHealthWatcher(checks, m, time.Second, logging.NewNopLogger())
	ctx := context.Background()

	// Healthy: no alert.
	w.evaluate(ctx)
	if len(ch.getSent()) != 0 {
		t.Fatalf("Expected no alerts while healthy, got %d", len(ch.getSent()))
	}

	// Degradation fires exactly one alert, repeats do not.
	failing = true
	w.evaluate(ctx)
	w.evaluate(ctx)
	sent := waitForAlerts(t, ch, 1)
	if len(sent) != 1 {
		t.Fatalf("Expected 1 alert, got %d", len(sent))
	}
	if sent[0].Level != Error {
		t.Errorf("Expected ERROR, got %s", sent[0].Level)
	}

	// Recovery fires one more.
	failing = false
	w.evaluate(ctx)
	sent = waitForAlerts(t, ch, 2)
	if sent[1].Level != Info {
		t.Errorf("Expected INFO on recovery, got %s", sent[1].Level)
	}
}
