package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MegaGrindStone/streamchat/internal/logging"
	"github.com/MegaGrindStone/streamchat/internal/session"
	"github.com/MegaGrindStone/streamchat/internal/streamclient"
	"github.com/MegaGrindStone/streamchat/internal/transcript"
	"github.com/MegaGrindStone/streamchat/internal/tui"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

type options struct {
	server     string
	user       string
	userHeader string
	logFile    string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with an assistant through a streamchat server",
		Long: `chat opens a terminal conversation with a streamchat server.
Replies stream into the transcript as they are generated. Press Esc to stop a reply,
Ctrl+C to stop it and quit.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runChat(cmd.Context(), opts)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.server, "server", envOr("STREAMCHAT_SERVER", "http://localhost:8080"), "server base URL")
	flags.StringVar(&opts.user, "user", os.Getenv("STREAMCHAT_USER"), "user ID sent in the identity header")
	flags.StringVar(&opts.userHeader, "user-header", "X-User-ID", "identity header name")
	rootCmd.Flags().StringVar(&opts.logFile, "log-file", "discard", "log destination, a file path or discard")
	rootCmd.Flags().StringVar(&opts.logLevel, "log-level", "info", "log level")

	rootCmd.AddCommand(newHistoryCmd(opts))
	return rootCmd
}

func runChat(ctx context.Context, opts *options) error {
	logger, closeLog, err := logging.New(logging.Config{Level: opts.logLevel, Output: opts.logFile})
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM)
	defer stop()

	store := transcript.New()
	client := streamclient.New(streamclient.Config{
		Endpoint: opts.endpoint("/api/chat"),
		Header:   opts.header(),
		Logger:   logger,
	})
	controller := session.NewController(store, client, logger)

	p := tea.NewProgram(tui.New(ctx, controller), tea.WithAltScreen(), tea.WithContext(ctx))
	unsubscribe := tui.Bind(p, store, controller)
	defer unsubscribe()

	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("run terminal ui: %w", err)
	}
	return nil
}

func (o *options) endpoint(path string) string {
	return strings.TrimRight(o.server, "/") + path
}

func (o *options) header() http.Header {
	h := make(http.Header)
	if o.user != "" {
		h.Set(o.userHeader, o.user)
	}
	return h
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
