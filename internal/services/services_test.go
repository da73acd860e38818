package services_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MegaGrindStone/streamchat/internal/models"
	"github.com/MegaGrindStone/streamchat/internal/services"
)

var conversation = []models.ChatMessage{
	{Role: models.RoleUser, Content: "Hello"},
	{Role: models.RoleAssistant, Content: "Hi there"},
	{Role: models.RoleUser, Content: "Tell me about the sea"},
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func collect(seq iter.Seq2[string, error]) (string, error) {
	var sb strings.Builder
	for chunk, err := range seq {
		if err != nil {
			return sb.String(), err
		}
		sb.WriteString(chunk)
	}
	return sb.String(), nil
}

func writeEvent(w http.ResponseWriter, event, data string) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	w.(http.Flusher).Flush()
}

func TestAnthropicChat(t *testing.T) {
	var body struct {
		Model     string `json:"model"`
		System    string `json:"system"`
		MaxTokens int    `json:"max_tokens"`
		Stream    bool   `json:"stream"`
		Messages  []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("x-api-key"); got != "secret" {
			t.Errorf("x-api-key = %q, want %q", got, "secret")
		}
		if got := r.Header.Get("anthropic-version"); got == "" {
			t.Error("anthropic-version header is missing")
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		writeEvent(w, "message_start", `{"type":"message_start"}`)
		writeEvent(w, "ping", `{"type":"ping"}`)
		writeEvent(w, "content_block_delta", `{"type":"content_block_delta","delta":{"type":"text_delta","text":"The sea "}}`)
		writeEvent(w, "content_block_delta", `{"type":"content_block_delta","delta":{"type":"text_delta","text":"is vast."}}`)
		writeEvent(w, "message_stop", `{"type":"message_stop"}`)
	}))
	defer srv.Close()

	a := services.NewAnthropic("secret", srv.URL, "", "Be brief.", 256, services.LLMParameters{}, discardLogger())
	got, err := collect(a.Chat(context.Background(), conversation))
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if got != "The sea is vast." {
		t.Errorf("Chat() = %q, want %q", got, "The sea is vast.")
	}

	if body.Model != services.AnthropicDefaultModel {
		t.Errorf("model = %q, want %q", body.Model, services.AnthropicDefaultModel)
	}
	if body.System != "Be brief." {
		t.Errorf("system = %q, want %q", body.System, "Be brief.")
	}
	if body.MaxTokens != 256 || !body.Stream {
		t.Errorf("max_tokens = %d, stream = %v", body.MaxTokens, body.Stream)
	}
	if len(body.Messages) != len(conversation) {
		t.Fatalf("sent %d messages, want %d", len(body.Messages), len(conversation))
	}
	for i, msg := range body.Messages {
		if msg.Role != string(conversation[i].Role) || msg.Content != conversation[i].Content {
			t.Errorf("message %d = %+v, want %+v", i, msg, conversation[i])
		}
	}
}

func TestAnthropicChatFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		partial string
		wantErr string
	}{
		{
			name: "error event mid stream",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				writeEvent(w, "content_block_delta", `{"type":"content_block_delta","delta":{"text":"Par"}}`)
				writeEvent(w, "error", `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`)
			},
			partial: "Par",
			wantErr: "Overloaded",
		},
		{
			name: "non-200 status",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
				io.WriteString(w, `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`)
			},
			wantErr: "invalid x-api-key",
		},
		{
			name: "stream ends early",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				writeEvent(w, "content_block_delta", `{"type":"content_block_delta","delta":{"text":"Cut"}}`)
			},
			partial: "Cut",
			wantErr: "ended unexpectedly",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			a := services.NewAnthropic("k", srv.URL, "", "", 64, services.LLMParameters{}, discardLogger())
			got, err := collect(a.Chat(context.Background(), conversation))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Chat() error = %v, want containing %q", err, tt.wantErr)
			}
			if got != tt.partial {
				t.Errorf("partial = %q, want %q", got, tt.partial)
			}
		})
	}
}

func TestAnthropicChatCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEvent(w, "content_block_delta", `{"type":"content_block_delta","delta":{"text":"One"}}`)
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := services.NewAnthropic("k", srv.URL, "", "", 64, services.LLMParameters{}, discardLogger())
	for chunk, err := range a.Chat(ctx, conversation) {
		if err != nil {
			t.Fatalf("cancelled Chat() yielded error %v", err)
		}
		if chunk != "One" {
			t.Errorf("chunk = %q, want %q", chunk, "One")
		}
		cancel()
	}
}

func TestOpenAIChat(t *testing.T) {
	var body struct {
		Model       string  `json:"model"`
		Temperature float32 `json:"temperature"`
		Stream      bool    `json:"stream"`
		Messages    []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		for _, content := range []string{"Waves ", "", "roll."} {
			fmt.Fprintf(w, "data: {\"id\":\"1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", content)
			w.(http.Flusher).Flush()
		}
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	temp := float32(0.5)
	o := services.NewOpenAI("k", srv.URL, "gpt-4o-mini", "Be brief.",
		services.LLMParameters{Temperature: &temp}, discardLogger())
	got, err := collect(o.Chat(context.Background(), conversation))
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if got != "Waves roll." {
		t.Errorf("Chat() = %q, want %q", got, "Waves roll.")
	}

	if body.Model != "gpt-4o-mini" || !body.Stream || body.Temperature != 0.5 {
		t.Errorf("request = %+v", body)
	}
	if len(body.Messages) != len(conversation)+1 {
		t.Fatalf("sent %d messages, want %d", len(body.Messages), len(conversation)+1)
	}
	if body.Messages[0].Role != "system" || body.Messages[0].Content != "Be brief." {
		t.Errorf("first message = %+v, want the system prompt", body.Messages[0])
	}
}

func TestOpenAIChatStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":{"message":"slow down","type":"rate_limit"}}`)
	}))
	defer srv.Close()

	o := services.NewOpenAI("k", srv.URL, "m", "", services.LLMParameters{}, discardLogger())
	if _, err := collect(o.Chat(context.Background(), conversation)); err == nil {
		t.Fatal("Chat() error = nil, want an error")
	}
}

func TestOllamaChat(t *testing.T) {
	var body struct {
		Model    string         `json:"model"`
		Options  map[string]any `json:"options"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}

		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, content := range []string{"Salt ", "water."} {
			fmt.Fprintf(w, "{\"model\":\"llama3\",\"message\":{\"role\":\"assistant\",\"content\":%q},\"done\":false}\n", content)
			w.(http.Flusher).Flush()
		}
		io.WriteString(w, "{\"model\":\"llama3\",\"message\":{\"role\":\"assistant\",\"content\":\"\"},\"done\":true}\n")
	}))
	defer srv.Close()

	maxTokens := 32
	o, err := services.NewOllama(srv.URL, "llama3", "Be brief.",
		services.LLMParameters{MaxTokens: &maxTokens}, discardLogger())
	if err != nil {
		t.Fatalf("NewOllama() error = %v", err)
	}

	got, err := collect(o.Chat(context.Background(), conversation))
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if got != "Salt water." {
		t.Errorf("Chat() = %q, want %q", got, "Salt water.")
	}
	if body.Model != "llama3" {
		t.Errorf("model = %q, want %q", body.Model, "llama3")
	}
	if v, ok := body.Options["num_predict"].(float64); !ok || v != 32 {
		t.Errorf("options = %v, want num_predict 32", body.Options)
	}
	if len(body.Messages) != len(conversation)+1 || body.Messages[0].Role != "system" {
		t.Errorf("messages = %+v, want the system prompt first", body.Messages)
	}
}

func TestOllamaChatError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"error":"model \"nope\" not found"}`)
	}))
	defer srv.Close()

	o, err := services.NewOllama(srv.URL, "nope", "", services.LLMParameters{}, discardLogger())
	if err != nil {
		t.Fatalf("NewOllama() error = %v", err)
	}
	if _, err := collect(o.Chat(context.Background(), conversation)); err == nil {
		t.Fatal("Chat() error = nil, want an error")
	}
}
