// Package session drives one chat session: it turns submit and cancel intents into stream sessions
// and folds every stream event into the transcript through a single state machine.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/MegaGrindStone/streamchat/internal/models"
	"github.com/MegaGrindStone/streamchat/internal/streamclient"
	"github.com/MegaGrindStone/streamchat/internal/transcript"
)

// Streamer opens stream sessions. It is satisfied by *streamclient.Client.
type Streamer interface {
	Send(ctx context.Context, messages []models.Message, h streamclient.Handler) (*streamclient.Handle, error)
}

// State is a state of the controller's exchange state machine.
type State int

const (
	Idle State = iota
	Sending
	Streaming
	Settled
	Errored
	Cancelled
)

// Controller orchestrates one exchange at a time against a transcript. All transitions, including
// those caused by stream events, are serialized by mu, so the state and the transcript move on one
// logical timeline.
type Controller struct {
	store    *transcript.Store
	streamer Streamer
	logger   *slog.Logger

	mu       sync.Mutex
	state    State
	current  *exchange
	last     *exchange
	observer func(from, to State)
}

// exchange is one submission. Events carrying a stale exchange are ignored.
type exchange struct {
	handle *streamclient.Handle
	done   chan struct{}

	terminal State
	err      error
}

// exchangeHandler binds stream events to the exchange they belong to.
type exchangeHandler struct {
	c  *Controller
	ex *exchange
}

const errLoggerKey = "err"

// NewController creates an idle controller over store.
func NewController(store *transcript.Store, streamer Streamer, logger *slog.Logger) *Controller {
	return &Controller{
		store:    store,
		streamer: streamer,
		logger:   logger.With(slog.String("module", "session")),
	}
}

// OnStateChange registers fn to be called, with the controller locked, on every transition.
func (c *Controller) OnStateChange(fn func(from, to State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observer = fn
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Submit starts an exchange for text. It is rejected with models.ErrValidation for blank text and with
// models.ErrStreamAlreadyActive unless the controller is idle. On success the user message and an
// empty streaming assistant message are in the transcript and the controller is Sending.
func (c *Controller) Submit(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: message is required", models.ErrValidation)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Idle {
		return fmt.Errorf("%w: controller is %s", models.ErrStreamAlreadyActive, c.state)
	}

	if _, err := c.store.Append(models.Message{
		Role:    models.RoleUser,
		Content: text,
		Status:  models.StatusComplete,
	}); err != nil {
		return fmt.Errorf("failed to append user message: %w", err)
	}
	snapshot := c.store.Messages()

	if _, err := c.store.Append(models.Message{
		Role:   models.RoleAssistant,
		Status: models.StatusStreaming,
	}); err != nil {
		return fmt.Errorf("failed to append assistant message: %w", err)
	}

	ex := &exchange{done: make(chan struct{})}
	c.current = ex
	c.transition(Sending)

	handle, err := c.streamer.Send(ctx, snapshot, exchangeHandler{c: c, ex: ex})
	if err != nil {
		c.logger.Error("Failed to open stream", slog.String(errLoggerKey, err.Error()))
		c.settleLocked(ex, err)
		return err
	}
	ex.handle = handle

	return nil
}

// Cancel aborts the exchange in flight, if any. Once it returns no further chunk reaches the
// transcript. Cancelling while idle does nothing.
func (c *Controller) Cancel() {
	c.mu.Lock()
	var handle *streamclient.Handle
	if c.current != nil {
		handle = c.current.handle
	}
	c.mu.Unlock()

	// The handle settles synchronously through OnSettle, which takes c.mu.
	if handle != nil {
		handle.Cancel()
	}
}

// Wait blocks until the current exchange, or the last one when idle, has settled and returns the
// terminal state and error of that exchange.
func (c *Controller) Wait(ctx context.Context) (State, error) {
	c.mu.Lock()
	ex := c.current
	if ex == nil {
		ex = c.last
	}
	c.mu.Unlock()

	if ex == nil {
		return Idle, nil
	}

	select {
	case <-ex.done:
		return ex.terminal, ex.err
	case <-ctx.Done():
		return Idle, ctx.Err()
	}
}

func (h exchangeHandler) OnChunk(text string) {
	c := h.c
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != h.ex {
		return
	}
	if c.state == Sending {
		c.transition(Streaming)
	}
	if err := c.store.AppendChunk(text); err != nil {
		c.logger.Error("Failed to append chunk", slog.String(errLoggerKey, err.Error()))
	}
}

func (h exchangeHandler) OnSettle(err error) {
	c := h.c
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != h.ex {
		return
	}
	c.settleLocked(h.ex, err)
}

func (c *Controller) settleLocked(ex *exchange, err error) {
	terminal := Settled
	status := models.StatusComplete
	switch {
	case err == nil:
	case errors.Is(err, models.ErrCancelled):
		terminal = Cancelled
		status = models.StatusFailed
	default:
		terminal = Errored
		status = models.StatusFailed
	}

	if ferr := c.store.Finalize(status, models.Reason(err)); ferr != nil {
		c.logger.Error("Failed to finalize message", slog.String(errLoggerKey, ferr.Error()))
	}
	if terminal == Errored {
		c.logger.Warn("Exchange failed", slog.String(errLoggerKey, err.Error()))
	}

	ex.terminal = terminal
	ex.err = err
	c.transition(terminal)

	c.current = nil
	c.last = ex
	close(ex.done)
	c.transition(Idle)
}

func (c *Controller) transition(to State) {
	from := c.state
	c.state = to
	if c.observer != nil {
		c.observer(from, to)
	}
}

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Sending:
		return "sending"
	case Streaming:
		return "streaming"
	case Settled:
		return "settled"
	case Errored:
		return "errored"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}
