package handlers

import (
	"context"
	"encoding/json"
	"iter"
	"log/slog"
	"net/http"
	"time"

	"github.com/MegaGrindStone/streamchat/internal/middleware"
	"github.com/MegaGrindStone/streamchat/internal/models"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/sony/gobreaker/v2"
)

// LLM represents a large language model that streams a completion. It accepts a context and the
// ordered conversation, returning an iterator that yields text deltas and potential errors. The
// system instruction is fixed by the implementation.
type LLM interface {
	Chat(ctx context.Context, messages []models.ChatMessage) iter.Seq2[string, error]
}

// Store defines the message repository used to keep the history of completed exchanges per user.
type Store interface {
	AddMessage(ctx context.Context, userID string, message models.StoredMessage) (string, error)
	Messages(ctx context.Context, userID string) ([]models.StoredMessage, error)
}

// Config holds the relay settings of Main.
type Config struct {
	// MaxDuration is the hard wall-clock budget of one exchange, measured from request acceptance.
	MaxDuration time.Duration
	// MaxBodyBytes caps the size of a chat request body.
	MaxBodyBytes int64
	Breaker      BreakerConfig
}

// BreakerConfig configures the circuit breaker guarding the provider.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failed exchanges before the circuit opens.
	MaxFailures uint32
	// Timeout is how long the circuit stays open before allowing a probe.
	Timeout time.Duration
	// Interval is the cyclic period of the closed state for clearing failure counts.
	Interval time.Duration
}

// Main relays chat exchanges between clients and the LLM, and serves the stored history.
type Main struct {
	llm     LLM
	store   Store
	breaker *gobreaker.CircuitBreaker[struct{}]
	logger  *slog.Logger

	maxDuration  time.Duration
	maxBodyBytes int64

	stopCtx context.Context
	stop    context.CancelFunc
}

const (
	errLoggerKey = "err"

	defaultMaxDuration  = 30 * time.Second
	defaultMaxBodyBytes = 1 << 20
	defaultMaxFailures  = 5
	defaultBreakerOpen  = 30 * time.Second
	defaultBreakerReset = 60 * time.Second
)

// NewMain creates a new Main with the provided LLM and Store implementations. The store may be nil,
// which disables persistence and the history endpoint.
func NewMain(llm LLM, store Store, cfg Config, logger *slog.Logger) Main {
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = defaultMaxDuration
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.Breaker.MaxFailures == 0 {
		cfg.Breaker.MaxFailures = defaultMaxFailures
	}
	if cfg.Breaker.Timeout <= 0 {
		cfg.Breaker.Timeout = defaultBreakerOpen
	}
	if cfg.Breaker.Interval <= 0 {
		cfg.Breaker.Interval = defaultBreakerReset
	}

	logger = logger.With(slog.String("module", "main"))
	stopCtx, stop := context.WithCancel(context.Background())

	breaker := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "llm",
		MaxRequests: 1,
		Interval:    cfg.Breaker.Interval,
		Timeout:     cfg.Breaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.Breaker.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
		IsSuccessful: providerHealthy,
	})

	return Main{
		llm:          llm,
		store:        store,
		breaker:      breaker,
		logger:       logger,
		maxDuration:  cfg.MaxDuration,
		maxBodyBytes: cfg.MaxBodyBytes,
		stopCtx:      stopCtx,
		stop:         stop,
	}
}

// Routes mounts the handlers. The chat and history endpoints are reachable only with a current user;
// limit wraps the chat endpoint only.
func (m Main) Routes(identity middleware.Identity, limit func(http.Handler) http.Handler) http.Handler {
	if limit == nil {
		limit = func(next http.Handler) http.Handler { return next }
	}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", m.HandleHealth)
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireUser(identity))
			r.With(limit).Post("/chat", m.HandleChat)
			r.Get("/messages", m.HandleMessages)
		})
	})

	return r
}

// Shutdown terminates every exchange still relaying; each client receives an error terminator
// instead of a silently closed connection.
func (m Main) Shutdown(context.Context) error {
	m.stop()
	return nil
}

// HandleHealth reports liveness and the provider circuit state.
func (m Main) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"breaker": m.breaker.State().String(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
