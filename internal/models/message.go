package models

import "time"

// Message is one entry of a session transcript. Its identity is assigned once, when the message is
// appended, and its content only grows while Status is StatusStreaming.
type Message struct {
	ID        string
	Role      Role
	Content   string
	Status    Status
	Timestamp time.Time

	// Reason would be filled if Status is StatusFailed.
	Reason FailureReason
}

// Role represents the role of a message participant.
type Role string

// Status represents the lifecycle state of a transcript message.
type Status string

// FailureReason tells apart the ways an assistant message can end up failed, so a presentation layer
// can style a user cancellation differently from a provider error.
type FailureReason string

const (
	// RoleUser represents a user message.
	RoleUser Role = "user"
	// RoleAssistant represents an assistant message, which is the only role that is ever streamed.
	RoleAssistant Role = "assistant"

	StatusComplete  Status = "complete"
	StatusStreaming Status = "streaming"
	StatusFailed    Status = "failed"

	ReasonCancelled FailureReason = "cancelled"
	ReasonTimeout   FailureReason = "timeout"
	ReasonProvider  FailureReason = "provider"
	ReasonTransport FailureReason = "transport"
)

// Valid reports whether r is one of the roles accepted on the wire.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Settled reports whether s is a terminal status.
func (s Status) Settled() bool {
	return s == StatusComplete || s == StatusFailed
}
