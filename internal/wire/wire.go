// Package wire defines the in-band framing of a streamed chat response. Every delta, the successful
// end of the stream and a mid-stream failure are each a distinct server-sent event, so a client never
// has to infer success from a closed connection.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/MegaGrindStone/streamchat/internal/models"
	"github.com/tmaxmax/go-sse"
)

// Event types used on the stream.
const (
	EventDelta = "delta"
	EventDone  = "done"
	EventError = "error"
)

// Code classifies an error terminator.
type Code string

const (
	CodeProvider    Code = "provider"
	CodeTimeout     Code = "timeout"
	CodeUnavailable Code = "unavailable"
)

// DeltaPayload is the data of a delta event.
type DeltaPayload struct {
	Content string `json:"content"`
}

// ErrorPayload is the data of an error event.
type ErrorPayload struct {
	Error string `json:"error"`
	Code  Code   `json:"code"`
}

// FrameKind tells which terminator, if any, a decoded frame is.
type FrameKind int

const (
	FrameDelta FrameKind = iota
	FrameDone
	FrameError
	// FrameUnknown is an event type this package doesn't define; readers skip it.
	FrameUnknown
)

// Frame is a decoded stream event.
type Frame struct {
	Kind    FrameKind
	Content string
	// Err would be filled if Kind is FrameError, wrapping the models error matching the code.
	Err error
}

// Delta builds the event carrying one text delta. The text is JSON encoded so newlines inside a delta
// survive the line-oriented framing.
func Delta(text string) (*sse.Message, error) {
	return message(EventDelta, DeltaPayload{Content: text})
}

// Done builds the normal completion terminator.
func Done() (*sse.Message, error) {
	return message(EventDone, struct{}{})
}

// Error builds the failure terminator for err.
func Error(code Code, err error) (*sse.Message, error) {
	return message(EventError, ErrorPayload{Error: err.Error(), Code: code})
}

func message(eventType string, payload any) (*sse.Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	msg := &sse.Message{Type: sse.Type(eventType)}
	msg.AppendData(string(data))
	return msg, nil
}

// Decode turns a received event into a frame.
func Decode(ev sse.Event) (Frame, error) {
	switch ev.Type {
	case EventDelta:
		var p DeltaPayload
		if err := json.Unmarshal([]byte(ev.Data), &p); err != nil {
			return Frame{}, fmt.Errorf("failed to unmarshal delta: %w", err)
		}
		return Frame{Kind: FrameDelta, Content: p.Content}, nil
	case EventDone:
		return Frame{Kind: FrameDone}, nil
	case EventError:
		var p ErrorPayload
		if err := json.Unmarshal([]byte(ev.Data), &p); err != nil {
			return Frame{}, fmt.Errorf("failed to unmarshal error: %w", err)
		}
		return Frame{Kind: FrameError, Err: p.err()}, nil
	default:
		return Frame{Kind: FrameUnknown}, nil
	}
}

func (p ErrorPayload) err() error {
	switch p.Code {
	case CodeTimeout:
		return fmt.Errorf("%w: %s", models.ErrTimeout, p.Error)
	case CodeUnavailable:
		return fmt.Errorf("%w: %w: %s", models.ErrProvider, models.ErrUnavailable, p.Error)
	default:
		return fmt.Errorf("%w: %s", models.ErrProvider, p.Error)
	}
}
