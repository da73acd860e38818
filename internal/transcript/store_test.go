package transcript_test

import (
	"errors"
	"testing"

	"github.com/MegaGrindStone/streamchat/internal/models"
	"github.com/MegaGrindStone/streamchat/internal/transcript"
)

func TestAppend(t *testing.T) {
	s := transcript.New()

	um, err := s.Append(models.Message{Role: models.RoleUser, Content: "Hi"})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if um.ID == "" {
		t.Error("Append() should assign an id")
	}
	if um.Status != models.StatusComplete {
		t.Errorf("Append() status = %v, want %v", um.Status, models.StatusComplete)
	}

	if _, err := s.Append(models.Message{ID: um.ID, Role: models.RoleUser, Content: "again"}); !errors.Is(err, models.ErrInvariantViolation) {
		t.Errorf("Append() with reused id error = %v, want %v", err, models.ErrInvariantViolation)
	}
	if _, err := s.Append(models.Message{Role: "system", Content: "x"}); !errors.Is(err, models.ErrValidation) {
		t.Errorf("Append() with unknown role error = %v, want %v", err, models.ErrValidation)
	}

	if _, err := s.Append(models.Message{Role: models.RoleAssistant, Status: models.StatusStreaming}); err != nil {
		t.Fatalf("Append() streaming error = %v", err)
	}
	if _, err := s.Append(models.Message{Role: models.RoleUser, Content: "while streaming"}); !errors.Is(err, models.ErrInvariantViolation) {
		t.Errorf("Append() while streaming error = %v, want %v", err, models.ErrInvariantViolation)
	}
	if got := len(s.Messages()); got != 2 {
		t.Errorf("Messages() len = %d, want 2", got)
	}
}

func TestAppendChunk(t *testing.T) {
	s := transcript.New()

	if err := s.AppendChunk("x"); !errors.Is(err, models.ErrNoActiveStream) {
		t.Fatalf("AppendChunk() without stream error = %v, want %v", err, models.ErrNoActiveStream)
	}

	if _, err := s.Append(models.Message{Role: models.RoleAssistant, Status: models.StatusStreaming}); err != nil {
		t.Fatal(err)
	}
	for _, chunk := range []string{"Hel", "lo, ", "world"} {
		if err := s.AppendChunk(chunk); err != nil {
			t.Fatalf("AppendChunk() error = %v", err)
		}
	}

	msg, ok := s.Streaming()
	if !ok {
		t.Fatal("Streaming() should report the streaming message")
	}
	if msg.Content != "Hello, world" {
		t.Errorf("content = %q, want %q", msg.Content, "Hello, world")
	}
}

func TestFinalize(t *testing.T) {
	tests := []struct {
		name       string
		status     models.Status
		reason     models.FailureReason
		wantErr    error
		wantReason models.FailureReason
	}{
		{
			name:   "Complete",
			status: models.StatusComplete,
			reason: models.ReasonProvider,
		},
		{
			name:       "Failed keeps reason",
			status:     models.StatusFailed,
			reason:     models.ReasonCancelled,
			wantReason: models.ReasonCancelled,
		},
		{
			name:    "Streaming is not terminal",
			status:  models.StatusStreaming,
			wantErr: models.ErrInvariantViolation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := transcript.New()
			if _, err := s.Append(models.Message{Role: models.RoleAssistant, Status: models.StatusStreaming}); err != nil {
				t.Fatal(err)
			}
			if err := s.AppendChunk("partial"); err != nil {
				t.Fatal(err)
			}

			err := s.Finalize(tt.status, tt.reason)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Finalize() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Finalize() error = %v", err)
			}

			if _, ok := s.Streaming(); ok {
				t.Error("Finalize() should clear the streaming message")
			}
			msg := s.Messages()[0]
			if msg.Status != tt.status || msg.Reason != tt.wantReason || msg.Content != "partial" {
				t.Errorf("message = %+v", msg)
			}
			if err := s.AppendChunk("late"); !errors.Is(err, models.ErrNoActiveStream) {
				t.Errorf("AppendChunk() after Finalize() error = %v, want %v", err, models.ErrNoActiveStream)
			}
			if err := s.Finalize(models.StatusComplete, ""); !errors.Is(err, models.ErrNoActiveStream) {
				t.Errorf("second Finalize() error = %v, want %v", err, models.ErrNoActiveStream)
			}
		})
	}
}

func TestSettledMessagesNeverChange(t *testing.T) {
	s := transcript.New()

	first, err := s.Append(models.Message{Role: models.RoleUser, Content: "one"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Append(models.Message{Role: models.RoleAssistant, Status: models.StatusStreaming}); err != nil {
		t.Fatal(err)
	}
	_ = s.AppendChunk("two")
	_ = s.Finalize(models.StatusFailed, models.ReasonProvider)
	settled := s.Messages()

	if _, err := s.Append(models.Message{Role: models.RoleUser, Content: "three"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Append(models.Message{Role: models.RoleAssistant, Status: models.StatusStreaming}); err != nil {
		t.Fatal(err)
	}
	_ = s.AppendChunk("four")
	_ = s.Finalize(models.StatusComplete, "")

	got := s.Messages()
	for i := range settled {
		if got[i] != settled[i] {
			t.Errorf("message %d changed: got %+v, want %+v", i, got[i], settled[i])
		}
	}
	if got[0].ID != first.ID {
		t.Errorf("first message id = %s, want %s", got[0].ID, first.ID)
	}
}

func TestSubscribe(t *testing.T) {
	s := transcript.New()

	var snapshots [][]models.Message
	unsubscribe := s.Subscribe(func(messages []models.Message) {
		snapshots = append(snapshots, messages)
	})

	_, _ = s.Append(models.Message{Role: models.RoleAssistant, Status: models.StatusStreaming})
	_ = s.AppendChunk("a")
	_ = s.AppendChunk("b")
	_ = s.Finalize(models.StatusComplete, "")

	if len(snapshots) != 4 {
		t.Fatalf("got %d notifications, want 4", len(snapshots))
	}
	if got := snapshots[2][0].Content; got != "ab" {
		t.Errorf("third snapshot content = %q, want %q", got, "ab")
	}
	if got := snapshots[1][0].Content; got != "a" {
		t.Errorf("earlier snapshot was mutated: content = %q, want %q", got, "a")
	}

	unsubscribe()
	s.Reset()
	if len(snapshots) != 4 {
		t.Errorf("notification after unsubscribe")
	}
	if len(s.Messages()) != 0 {
		t.Error("Reset() should clear messages")
	}
}
