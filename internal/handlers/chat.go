package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MegaGrindStone/streamchat/internal/middleware"
	"github.com/MegaGrindStone/streamchat/internal/models"
	"github.com/MegaGrindStone/streamchat/internal/wire"
	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"
	"github.com/tmaxmax/go-sse"
)

type chunk struct {
	text string
	err  error
}

// errClientGone marks a relay that stopped because the response could not be written.
var errClientGone = errors.New("client gone")

// HandleChat relays one chat exchange. It accepts a JSON body with the ordered message list,
// validates it before touching the provider, and streams every provider delta back as soon as it
// arrives. The response always ends with an explicit done or error event, see package wire; the
// exchange is bounded by the configured maximum duration and is never retried.
//
// Malformed input is rejected with 400 and an open provider circuit with 503, both before the
// stream starts. Completed exchanges are persisted for the current user when a store is configured.
func (m Main) HandleChat(w http.ResponseWriter, r *http.Request) {
	deadline := time.Now().Add(m.maxDuration)
	logger := m.logger.With(slog.String("requestID", uuid.New().String()))

	r.Body = http.MaxBytesReader(w, r.Body, m.maxBodyBytes)
	var req models.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Error("Failed to decode request", slog.String(errLoggerKey, err.Error()))
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := req.Validate(); err != nil {
		logger.Error("Invalid request", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if m.breaker.State() == gobreaker.StateOpen {
		logger.Warn("Rejecting request, provider circuit is open")
		http.Error(w, "Provider unavailable", http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithDeadline(r.Context(), deadline)
	defer cancel()
	stopRelay := context.AfterFunc(m.stopCtx, cancel)
	defer stopRelay()

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		logger.Error("Failed to upgrade response", slog.String(errLoggerKey, err.Error()))
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	var reply strings.Builder
	_, err = m.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, m.relay(ctx, sess, req.Messages, &reply)
	})

	if err == nil {
		if err := m.send(sess, wire.Done); err != nil {
			logger.Warn("Failed to send done", slog.String(errLoggerKey, err.Error()))
			return
		}
		m.persist(r.Context(), logger, req.Messages[len(req.Messages)-1], reply.String())
		return
	}

	code, cause := m.classify(r.Context(), err)
	if code == "" {
		logger.Info("Client went away", slog.String(errLoggerKey, err.Error()))
		return
	}
	logger.Error("Exchange failed",
		slog.String("code", string(code)),
		slog.Int("deliveredBytes", reply.Len()),
		slog.String(errLoggerKey, err.Error()))

	if err := m.send(sess, func() (*sse.Message, error) { return wire.Error(code, cause) }); err != nil {
		logger.Warn("Failed to send error terminator", slog.String(errLoggerKey, err.Error()))
	}
}

// relay forwards provider deltas to sess until the provider finishes, fails, or ctx is done. The
// provider runs in its own goroutine so the deadline holds even if it stops honoring ctx.
func (m Main) relay(ctx context.Context, sess *sse.Session, messages []models.ChatMessage, reply *strings.Builder) error {
	chunks := make(chan chunk)
	go func() {
		defer close(chunks)
		for text, err := range m.llm.Chat(ctx, messages) {
			select {
			case chunks <- chunk{text: text, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c, ok := <-chunks:
			if !ok {
				// Providers end silently when ctx is cancelled.
				return ctx.Err()
			}
			if c.err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return c.err
			}
			if c.text == "" {
				continue
			}
			reply.WriteString(c.text)
			if err := m.send(sess, func() (*sse.Message, error) { return wire.Delta(c.text) }); err != nil {
				return fmt.Errorf("%w: %w", errClientGone, err)
			}
		}
	}
}

func (m Main) send(sess *sse.Session, build func() (*sse.Message, error)) error {
	msg, err := build()
	if err != nil {
		return err
	}
	if err := sess.Send(msg); err != nil {
		return fmt.Errorf("failed to send event: %w", err)
	}
	if err := sess.Flush(); err != nil {
		return fmt.Errorf("failed to flush event: %w", err)
	}
	return nil
}

// classify maps a failed exchange to its terminator. An empty code means there is nobody left to
// tell.
func (m Main) classify(reqCtx context.Context, err error) (wire.Code, error) {
	switch {
	case errors.Is(err, errClientGone), reqCtx.Err() != nil:
		return "", err
	case m.stopCtx.Err() != nil:
		return wire.CodeUnavailable, errors.New("server is shutting down")
	case errors.Is(err, context.DeadlineExceeded):
		return wire.CodeTimeout, fmt.Errorf("exchange exceeded %s", m.maxDuration)
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return wire.CodeUnavailable, errors.New("provider unavailable")
	default:
		return wire.CodeProvider, err
	}
}

// providerHealthy tells the breaker which outcomes say nothing bad about the provider.
func providerHealthy(err error) bool {
	return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, errClientGone)
}

// persist keeps a completed exchange. Interrupted exchanges never reach this point.
func (m Main) persist(ctx context.Context, logger *slog.Logger, prompt models.ChatMessage, reply string) {
	if m.store == nil || prompt.Role != models.RoleUser {
		return
	}
	userID, ok := middleware.UserID(ctx)
	if !ok {
		return
	}

	now := time.Now()
	for _, msg := range []models.StoredMessage{
		{ID: uuid.New().String(), UserID: userID, Role: models.RoleUser, Content: prompt.Content, CreatedAt: now},
		{ID: uuid.New().String(), UserID: userID, Role: models.RoleAssistant, Content: reply, CreatedAt: now.Add(time.Microsecond)},
	} {
		if _, err := m.store.AddMessage(ctx, userID, msg); err != nil {
			logger.Error("Failed to save message",
				slog.String("message", fmt.Sprintf("%+v", msg)),
				slog.String(errLoggerKey, err.Error()))
			return
		}
	}
}

// HandleMessages lists the stored history of the current user as JSON.
func (m Main) HandleMessages(w http.ResponseWriter, r *http.Request) {
	if m.store == nil {
		http.Error(w, "History is disabled", http.StatusNotFound)
		return
	}
	userID, _ := middleware.UserID(r.Context())

	messages, err := m.store.Messages(r.Context(), userID)
	if err != nil {
		m.logger.Error("Failed to get messages",
			slog.String("userID", userID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	if messages == nil {
		messages = []models.StoredMessage{}
	}

	writeJSON(w, http.StatusOK, messages)
}
