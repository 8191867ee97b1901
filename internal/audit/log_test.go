package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"peopledesk.org/internal/obs"
)

type stubStore struct {
	events []Event
	err    error
}

func (s *stubStore) Append(_ context.Context, e *Event) error {
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, *e)
	return nil
}

func (s *stubStore) List(_ context.Context, limit int) ([]Event, error) {
	return s.events, nil
}

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	logger := obs.Logger()
	original := logger.Writer()
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	t.Cleanup(func() { logger.SetOutput(original) })
	return &buf
}

func TestRecordPersistsAndLogs(t *testing.T) {
	buf := captureLog(t)
	store := &stubStore{}
	fixed := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	l := NewLogger(store, func() time.Time { return fixed })

	ctx := WithRequestID(context.Background(), "req-123")
	l.Record(ctx, Event{
		ActorID:      "emp-1",
		ActorEmail:   "ada@example.com",
		Action:       ActionLogin,
		ResourceType: "session",
		ResourceID:   "sess-1",
	})

	if len(store.events) != 1 {
		t.Fatalf("expected 1 stored event, got %d", len(store.events))
	}
	got := store.events[0]
	if got.ID == "" || !got.CreatedAt.Equal(fixed) {
		t.Fatalf("expected id and created_at to be filled: %+v", got)
	}
	if got.Metadata["request_id"] != "req-123" {
		t.Fatalf("request id not propagated: %v", got.Metadata)
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["type"] != "audit" || entry["event"] != ActionLogin {
		t.Fatalf("unexpected log entry: %v", entry)
	}
	if entry["request_id"] != "req-123" || entry["actor_id"] != "emp-1" {
		t.Fatalf("log entry missing context: %v", entry)
	}
}

func TestRecordSwallowsStoreFailure(t *testing.T) {
	buf := captureLog(t)
	obs.Init()
	store := &stubStore{err: errors.New("connection reset")}
	l := NewLogger(store, nil)

	l.Record(context.Background(), Event{ActorEmail: SystemActor, Action: ActionTOTPEmergencyDisable})

	if !strings.Contains(buf.String(), "audit append failed") {
		t.Fatalf("expected failure to be logged, got %q", buf.String())
	}
}

func TestRecordRejectsIncompleteEvent(t *testing.T) {
	captureLog(t)
	store := &stubStore{}
	NewLogger(store, nil).Record(context.Background(), Event{Action: ActionLogout})
	if len(store.events) != 0 {
		t.Fatalf("expected event without actor to be dropped")
	}
}

func TestNilLoggerIsNoop(t *testing.T) {
	var l *Logger
	l.Record(context.Background(), Event{ActorEmail: "x", Action: ActionLogin})
}
