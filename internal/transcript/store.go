// Package transcript holds the ordered, in-memory conversation of one chat session.
package transcript

import (
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/MegaGrindStone/streamchat/internal/models"
	"github.com/google/uuid"
)

// Observer receives a snapshot of the transcript after every committed change. Observers run
// synchronously on the mutating goroutine and must not call back into the Store.
type Observer func(messages []models.Message)

// Store is the transcript of a session. Messages are append-only; the only in-place mutation is the
// content growth of the single message whose status is streaming, which is tracked explicitly by
// the streaming field and only reachable through Append, AppendChunk and Finalize.
type Store struct {
	mu        sync.Mutex
	messages  []models.Message
	streaming *int
	seen      map[string]struct{}

	observers map[int]Observer
	nextObsID int
}

// New creates an empty transcript.
func New() *Store {
	return &Store{
		seen:      make(map[string]struct{}),
		observers: make(map[int]Observer),
	}
}

// Subscribe registers fn for change notifications and returns a function removing it.
func (s *Store) Subscribe(fn Observer) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextObsID
	s.nextObsID++
	s.observers[id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.observers, id)
	}
}

// Append adds msg to the end of the transcript and returns it with its assigned identity. A message
// appended with status streaming becomes the current streaming message. Appending while another
// message is streaming, or reusing an identity, fails with models.ErrInvariantViolation.
func (s *Store) Append(msg models.Message) (models.Message, error) {
	s.mu.Lock()

	if s.streaming != nil {
		s.mu.Unlock()
		return models.Message{}, fmt.Errorf("%w: message %s is still streaming",
			models.ErrInvariantViolation, s.messages[*s.streaming].ID)
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if _, ok := s.seen[msg.ID]; ok {
		s.mu.Unlock()
		return models.Message{}, fmt.Errorf("%w: message id %s is already used", models.ErrInvariantViolation, msg.ID)
	}
	if !msg.Role.Valid() {
		s.mu.Unlock()
		return models.Message{}, fmt.Errorf("%w: unknown role %q", models.ErrValidation, msg.Role)
	}
	if msg.Status == "" {
		msg.Status = models.StatusComplete
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	s.seen[msg.ID] = struct{}{}
	s.messages = append(s.messages, msg)
	if msg.Status == models.StatusStreaming {
		idx := len(s.messages) - 1
		s.streaming = &idx
	}

	s.commit()
	return msg, nil
}

// AppendChunk concatenates text onto the current streaming message.
func (s *Store) AppendChunk(text string) error {
	s.mu.Lock()

	if s.streaming == nil {
		s.mu.Unlock()
		return models.ErrNoActiveStream
	}
	s.messages[*s.streaming].Content += text

	s.commit()
	return nil
}

// Finalize settles the current streaming message with status, which must be complete or failed, and
// clears the streaming pointer. reason is recorded only for a failed message.
func (s *Store) Finalize(status models.Status, reason models.FailureReason) error {
	s.mu.Lock()

	if !status.Settled() {
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot finalize with status %q", models.ErrInvariantViolation, status)
	}
	if s.streaming == nil {
		s.mu.Unlock()
		return models.ErrNoActiveStream
	}

	msg := &s.messages[*s.streaming]
	msg.Status = status
	if status == models.StatusFailed {
		msg.Reason = reason
	}
	s.streaming = nil

	s.commit()
	return nil
}

// Reset clears the transcript. Identities handed out before the reset are still never reused.
func (s *Store) Reset() {
	s.mu.Lock()
	s.messages = nil
	s.streaming = nil
	s.commit()
}

// Messages returns a copy of the transcript in conversation order.
func (s *Store) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.messages)
}

// Streaming returns the current streaming message, if any.
func (s *Store) Streaming() (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.streaming == nil {
		return models.Message{}, false
	}
	return s.messages[*s.streaming], true
}

// commit must be called with s.mu held; it releases the lock before notifying observers.
func (s *Store) commit() {
	snapshot := slices.Clone(s.messages)
	observers := make([]Observer, 0, len(s.observers))
	for _, id := range slices.Sorted(maps.Keys(s.observers)) {
		observers = append(observers, s.observers[id])
	}
	s.mu.Unlock()

	for _, fn := range observers {
		fn(snapshot)
	}
}
