package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/streamchat/internal/models"
	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"
)

func newHistoryCmd(opts *options) *cobra.Command {
	var raw bool

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print the stored conversation history of the user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			messages, err := fetchHistory(cmd.Context(), http.DefaultClient, opts)
			if err != nil {
				return err
			}
			return printHistory(cmd.OutOrStdout(), messages, raw)
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "print markdown without rendering")
	return cmd
}

func fetchHistory(ctx context.Context, client *http.Client, opts *options) ([]models.StoredMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.endpoint("/api/messages"), nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header = opts.header()
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var messages []models.StoredMessage
	if err := json.NewDecoder(resp.Body).Decode(&messages); err != nil {
		return nil, fmt.Errorf("error decoding history: %w", err)
	}
	return messages, nil
}

func historyMarkdown(messages []models.StoredMessage) string {
	var sb strings.Builder
	for _, msg := range messages {
		label := "You"
		if msg.Role == models.RoleAssistant {
			label = "Assistant"
		}
		fmt.Fprintf(&sb, "**%s** _%s_\n\n%s\n\n", label, msg.CreatedAt.Local().Format("2006-01-02 15:04"), msg.Content)
	}
	return sb.String()
}

func printHistory(w io.Writer, messages []models.StoredMessage, raw bool) error {
	if len(messages) == 0 {
		_, err := fmt.Fprintln(w, "No messages yet.")
		return err
	}

	out := historyMarkdown(messages)
	if !raw {
		r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
		if err != nil {
			return fmt.Errorf("error creating renderer: %w", err)
		}
		if out, err = r.Render(out); err != nil {
			return fmt.Errorf("error rendering history: %w", err)
		}
	}
	_, err := io.WriteString(w, out)
	return err
}
