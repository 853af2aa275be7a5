package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"
)

type captureSender struct {
	mu   sync.Mutex
	msgs []string
	got  chan struct{}
}

func (c *captureSender) SendAlert(_ context.Context, chatID int64, _ int, text string) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, text)
	c.mu.Unlock()
	select {
	case c.got <- struct{}{}:
	default:
	}
	return nil
}

func TestFormatAlert(t *testing.T) {
	t.Parallel()

	line := []byte(`{"level":"warn","time":"x","message":"delivery failed","recipient":"42","comp":"broadcast"}`)
	got := formatAlert(line)
	want := "[WARN] delivery failed\n- comp=broadcast\n- recipient=42"
	if got != want {
		t.Fatalf("formatAlert() = %q, want %q", got, want)
	}

	raw := formatAlert([]byte("  not json  "))
	if raw != "not json" {
		t.Fatalf("raw line = %q", raw)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"0123456789abcdef", 12, "012345678..."},
		{"abcdef", 3, "abc"},
		{"abc", 0, "abc"},
	}
	for _, tc := range cases {
		if got := truncate(tc.in, tc.n); got != tc.want {
			t.Fatalf("truncate(%q,%d) = %q, want %q", tc.in, tc.n, got, tc.want)
		}
	}
}

func TestAlertSinkRespectsMinLevel(t *testing.T) {
	sender := &captureSender{got: make(chan struct{}, 4)}
	svc, log := New(Config{
		Level: "DEBUG",
		Alert: AlertConfig{Enabled: true, ChatID: 99, MinLevel: "WARN", RatePerSec: 10},
	}, sender)
	defer svc.Close()

	log.Info("routine")
	log.Warn("role lookup failed", String("role", "krein"))

	select {
	case <-sender.got:
	case <-time.After(2 * time.Second):
		t.Fatal("alert not delivered")
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.msgs) != 1 {
		t.Fatalf("alerts = %d, want 1: %v", len(sender.msgs), sender.msgs)
	}
	if !strings.HasPrefix(sender.msgs[0], "[WARN] role lookup failed") {
		t.Fatalf("unexpected alert %q", sender.msgs[0])
	}
}

func TestWithCarriesFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWriter(&buf, "DEBUG").With(String("comp", "scheduler"))
	log.Info("armed", Int("pending", 2))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m["comp"] != "scheduler" || m["pending"] != float64(2) || m["message"] != "armed" {
		t.Fatalf("unexpected line %v", m)
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()

	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Error("dropped")
	if Nop().IsZero() {
		t.Fatal("Nop should not be zero")
	}
}
