package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MegaGrindStone/streamchat/internal/models"
)

func TestFetchHistory(t *testing.T) {
	created := time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/messages" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("X-User-ID") != "alice" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode([]models.StoredMessage{
			{ID: "1", UserID: "alice", Role: models.RoleUser, Content: "Hi", CreatedAt: created},
			{ID: "2", UserID: "alice", Role: models.RoleAssistant, Content: "Hello!", CreatedAt: created},
		})
	}))
	defer srv.Close()

	opts := &options{server: srv.URL + "/", user: "alice", userHeader: "X-User-ID"}
	messages, err := fetchHistory(context.Background(), srv.Client(), opts)
	if err != nil {
		t.Fatalf("fetchHistory() error = %v", err)
	}
	if len(messages) != 2 || messages[1].Content != "Hello!" {
		t.Fatalf("messages = %+v", messages)
	}

	var buf bytes.Buffer
	if err := printHistory(&buf, messages, true); err != nil {
		t.Fatalf("printHistory() error = %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "**You**") || !strings.Contains(out, "**Assistant**") || !strings.Contains(out, "Hello!") {
		t.Errorf("history output = %q", out)
	}

	opts.user = ""
	if _, err := fetchHistory(context.Background(), srv.Client(), opts); err == nil || !strings.Contains(err.Error(), "401") {
		t.Errorf("fetchHistory() without user error = %v, want a 401 error", err)
	}
}

func TestPrintHistoryEmpty(t *testing.T) {
	var buf bytes.Buffer
	if err := printHistory(&buf, nil, false); err != nil {
		t.Fatalf("printHistory() error = %v", err)
	}
	if got := buf.String(); got != "No messages yet.\n" {
		t.Errorf("output = %q", got)
	}
}

func TestRootFlags(t *testing.T) {
	cmd := newRootCmd()
	if err := cmd.ParseFlags([]string{"--server", "http://chat.local:9000", "--user", "bob"}); err != nil {
		t.Fatalf("ParseFlags() error = %v", err)
	}

	server, _ := cmd.Flags().GetString("server")
	if server != "http://chat.local:9000" {
		t.Errorf("server = %q", server)
	}
	if cmd.Commands()[0].Name() != "history" {
		t.Errorf("subcommands = %v, want history", cmd.Commands())
	}
}
