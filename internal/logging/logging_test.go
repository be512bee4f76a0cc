package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestLevelParsing(t *testing.T) {
	cases := []struct {
		level       string
		debugOn     bool
		infoEnabled bool
	}{
		{"debug", true, true},
		{"info", false, true},
		{"warn", false, false},
		{"error", false, false},
		{"", false, true},
		{"bogus", false, true},
	}
	for _, tc := range cases {
		logger := New(tc.level, "text")
		if got := logger.Enabled(context.Background(), slog.LevelDebug); got != tc.debugOn {
			t.Errorf("level %q: debug enabled = %v, want %v", tc.level, got, tc.debugOn)
		}
		if got := logger.Enabled(context.Background(), slog.LevelInfo); got != tc.infoEnabled {
			t.Errorf("level %q: info enabled = %v, want %v", tc.level, got, tc.infoEnabled)
		}
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	if RequestID(ctx) != "" {
		t.Error("expected no request ID on a fresh context")
	}

	ctx = WithRequestID(ctx, "req-1")
	ctx = WithRequestID(ctx, "req-2")
	if got := RequestID(ctx); got != "req-2" {
		t.Errorf("request ID: got %q, want req-2", got)
	}
}

func TestDealIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	if DealID(ctx) != 0 {
		t.Error("expected zero deal ID on a fresh context")
	}
	if got := DealID(WithDealID(ctx, 77)); got != 77 {
		t.Errorf("deal ID: got %d, want 77", got)
	}
}

func TestFromContextFallsBackToDefault(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Fatal("expected the default logger")
	}

	custom := New("debug", "json")
	if got := FromContext(WithLogger(context.Background(), custom)); got != custom {
		t.Error("expected the context logger back")
	}
}

func TestLTagsRecordsFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))

	ctx := WithLogger(context.Background(), base)
	ctx = WithRequestID(ctx, "req-abc")
	ctx = WithDealID(ctx, 42)

	L(ctx).Info("transition applied")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("parse log line: %v", err)
	}
	if record["request_id"] != "req-abc" {
		t.Errorf("request_id: got %v", record["request_id"])
	}
	if record["deal_id"] != float64(42) {
		t.Errorf("deal_id: got %v", record["deal_id"])
	}
}

func TestLWithoutTagsIsQuiet(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))

	L(WithLogger(context.Background(), base)).Info("plain")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("parse log line: %v", err)
	}
	if _, present := record["request_id"]; present {
		t.Error("request_id should be absent")
	}
	if _, present := record["deal_id"]; present {
		t.Error("deal_id should be absent")
	}
}
