// Package streamclient opens a chat exchange against the chat endpoint and turns the streamed
// response into chunk and settle callbacks.
package streamclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MegaGrindStone/streamchat/internal/models"
	"github.com/MegaGrindStone/streamchat/internal/wire"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// Handler receives the events of one stream session. OnChunk is called for every delta in the order
// the provider produced it; OnSettle is called exactly once with nil on success, or an error wrapping
// models.ErrCancelled, models.ErrTimeout, models.ErrProvider, models.ErrTransport or
// models.ErrValidation. No call for a session happens concurrently with another call for the same
// session, and no OnChunk follows OnSettle. Handlers must not call Handle.Cancel from inside a callback.
type Handler interface {
	OnChunk(text string)
	OnSettle(err error)
}

// Config configures a Client.
type Config struct {
	// Endpoint is the URL of the chat endpoint.
	Endpoint string
	// HTTPClient defaults to a client without timeout; the server enforces the deadline.
	HTTPClient *http.Client
	// Header is added to every request, e.g. the identity header expected by the server.
	Header http.Header
	Logger *slog.Logger
}

// Client sends transcripts to the chat endpoint, keeping at most one stream open at a time.
type Client struct {
	endpoint string
	client   *http.Client
	header   http.Header
	logger   *slog.Logger

	mu     sync.Mutex
	active *Handle
}

// Handle is the stream session of one Send call.
type Handle struct {
	id        string
	startedAt time.Time

	client  *Client
	handler Handler
	cancel  context.CancelFunc
	done    chan struct{}

	// mu serializes chunk delivery against settlement, making the reader goroutine the single writer
	// of the session while it is open.
	mu      sync.Mutex
	settled bool
	err     error
}

const errLoggerKey = "err"

// New creates a Client from cfg.
func New(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		endpoint: cfg.Endpoint,
		client:   httpClient,
		header:   cfg.Header.Clone(),
		logger:   logger.With(slog.String("module", "streamclient")),
	}
}

// Send opens a stream for messages, a snapshot of the transcript taken by the caller, and returns as
// soon as the request is issued. Events are delivered to h from a separate goroutine. Send fails with
// models.ErrStreamAlreadyActive while a previous stream is still open.
func (c *Client) Send(ctx context.Context, messages []models.Message, h Handler) (*Handle, error) {
	body, err := json.Marshal(models.ChatRequest{Messages: models.ChatMessages(messages)})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != nil {
		return nil, fmt.Errorf("%w: stream %s is open", models.ErrStreamAlreadyActive, c.active.id)
	}

	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	hd := &Handle{
		id:        uuid.New().String(),
		startedAt: time.Now(),
		client:    c,
		handler:   h,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	c.active = hd

	c.logger.Debug("Opening stream", slog.String("requestID", hd.id), slog.Int("messages", len(messages)))

	go hd.run(req)

	return hd, nil
}

// Active reports whether a stream is currently open.
func (c *Client) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

func (c *Client) release(h *Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == h {
		c.active = nil
	}
}

// ID returns the request id of the session.
func (h *Handle) ID() string { return h.id }

// StartedAt returns when the session was created.
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// Done is closed once the session has settled.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the terminal error of a settled session, nil for success or a session still open.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Cancel closes the connection and settles the session with models.ErrCancelled. Once Cancel
// returns, no further chunk is delivered. Cancelling a settled session does nothing.
func (h *Handle) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.settled {
		return
	}
	h.cancel()
	h.settleLocked(models.ErrCancelled)
}

func (h *Handle) deliver(text string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.settled {
		return false
	}
	h.handler.OnChunk(text)
	return true
}

func (h *Handle) settle(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.settled {
		return
	}
	h.cancel()
	h.settleLocked(err)
}

func (h *Handle) settleLocked(err error) {
	h.settled = true
	h.err = err
	// The client slot is freed before the handler learns about the outcome, so a submission made in
	// reaction to it is accepted.
	h.client.release(h)
	h.handler.OnSettle(err)
	close(h.done)
}

func (h *Handle) run(req *http.Request) {
	logger := h.client.logger.With(slog.String("requestID", h.id))

	resp, err := h.client.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			h.settle(models.ErrCancelled)
			return
		}
		logger.Error("Failed to send request", slog.String(errLoggerKey, err.Error()))
		h.settle(fmt.Errorf("%w: %w", models.ErrTransport, err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		h.settle(statusError(resp))
		return
	}

	for ev, err := range sse.Read(resp.Body, nil) {
		if err != nil {
			if req.Context().Err() != nil {
				h.settle(models.ErrCancelled)
				return
			}
			logger.Error("Failed to read stream", slog.String(errLoggerKey, err.Error()))
			h.settle(fmt.Errorf("%w: %w", models.ErrTransport, err))
			return
		}

		f, err := wire.Decode(ev)
		if err != nil {
			logger.Error("Failed to decode event", slog.String(errLoggerKey, err.Error()))
			h.settle(fmt.Errorf("%w: %w", models.ErrTransport, err))
			return
		}

		switch f.Kind {
		case wire.FrameDelta:
			if !h.deliver(f.Content) {
				return
			}
		case wire.FrameDone:
			h.settle(nil)
			return
		case wire.FrameError:
			logger.Warn("Stream ended with error", slog.String(errLoggerKey, f.Err.Error()))
			h.settle(f.Err)
			return
		default:
			continue
		}
	}

	if req.Context().Err() != nil {
		h.settle(models.ErrCancelled)
		return
	}
	h.settle(fmt.Errorf("%w: stream ended without terminator", models.ErrTransport))
}

func statusError(resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	text := string(bytes.TrimSpace(msg))

	switch {
	case resp.StatusCode == http.StatusBadRequest:
		return fmt.Errorf("%w: %s", models.ErrValidation, text)
	case resp.StatusCode == http.StatusServiceUnavailable:
		return fmt.Errorf("%w: %w: %s", models.ErrProvider, models.ErrUnavailable, text)
	default:
		return fmt.Errorf("%w: unexpected status %d: %s", models.ErrTransport, resp.StatusCode, text)
	}
}
