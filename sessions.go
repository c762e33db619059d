package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"healthguard/db"
	"healthguard/llm"
)

func runSessions(cmd *cobra.Command, args []string) {
	mainLogger, _, dataLogger := createLoggers()
	cfg := loadConfig(mainLogger)
	ctx := context.Background()

	if cfg.DatabaseURL == "" {
		mainLogger.Fatal("missing HEALTHGUARD_DATABASE_URL or --database-url=")
	}

	if migrate, _ := cmd.Flags().GetBool("migrate"); migrate {
		path, ok := db.SQLitePath(cfg.DatabaseURL)
		if !ok {
			mainLogger.Fatal("--migrate applies to SQLite journals only; Postgres applies its schema on open")
		}
		if err := db.MigrateSQLite(dataLogger, path); err != nil {
			mainLogger.Fatal("migrate journal", "error", err.Error())
		}
		return
	}

	store, err := db.Open(ctx, dataLogger, cfg.DatabaseURL)
	if err != nil {
		mainLogger.Fatal("open journal", "error", err.Error())
	}
	defer store.Close()

	show, _ := cmd.Flags().GetString("show")
	if show == "" {
		limit, _ := cmd.Flags().GetInt("limit")
		sessions, err := store.RecentSessions(ctx, limit)
		if err != nil {
			mainLogger.Fatal("fetch sessions", "error", err.Error())
		}
		if len(sessions) == 0 {
			fmt.Println("No sessions found.")
			return
		}
		writeSessionTable(os.Stdout, sessions)
		return
	}

	turns, err := store.SessionTurns(ctx, show)
	if err != nil {
		mainLogger.Fatal("fetch turns", "error", err.Error())
	}
	failovers, err := store.SessionFailovers(ctx, show)
	if err != nil {
		mainLogger.Fatal("fetch failovers", "error", err.Error())
	}

	var summary string
	if summarize, _ := cmd.Flags().GetBool("summarize"); summarize {
		chat, closeChat, err := newChatClient(ctx, mainLogger, cfg)
		if err != nil {
			mainLogger.Fatal("create chat client", "error", err.Error())
		}
		defer closeChat()

		summary, err = llm.SummarizeSession(ctx, chat, transcriptLines(turns))
		if err != nil {
			mainLogger.Fatal("summarize session", "error", err.Error())
		}
	}

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(72),
	)
	if err != nil {
		mainLogger.Fatal("failed to create renderer", "error", err.Error())
	}

	rendered, err := renderer.Render(sessionMarkdown(show, turns, failovers, summary))
	if err != nil {
		mainLogger.Fatal("failed to render session", "error", err.Error())
	}
	fmt.Print(rendered)
}

func writeSessionTable(w io.Writer, sessions []db.Session) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"ID", "Started At", "Patient", "Duration", "Mode", "Failovers", "Turns"})
	table.SetBorder(false)
	table.SetCenterSeparator("|")
	table.SetColumnSeparator("|")
	table.SetRowSeparator("-")
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)

	for _, s := range sessions {
		duration := "running"
		if s.EndedAt != nil {
			duration = s.EndedAt.Sub(s.StartedAt).Round(time.Second).String()
		}
		mode := s.FinalMode
		if mode == "" {
			mode = "-"
		}
		table.Append([]string{
			s.ID,
			s.StartedAt.Local().Format("2006-01-02 15:04:05"),
			s.DisplayName,
			duration,
			mode,
			fmt.Sprintf("%d", s.Failovers),
			fmt.Sprintf("%d", s.Turns),
		})
	}

	table.Render()
}

func transcriptLines(turns []db.Turn) []llm.TranscriptLine {
	lines := make([]llm.TranscriptLine, 0, len(turns))
	for _, t := range turns {
		lines = append(lines, llm.TranscriptLine{At: t.CreatedAt, Role: t.Role, Text: t.Text})
	}
	return lines
}

// sessionMarkdown lays out a session's failovers and turns in time order,
// with the summary first when there is one.
func sessionMarkdown(id string, turns []db.Turn, failovers []db.Failover, summary string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Session %s\n\n", id)

	if summary != "" {
		fmt.Fprintf(&b, "## Summary\n\n%s\n\n", summary)
	}

	if len(turns) == 0 && len(failovers) == 0 {
		b.WriteString("_No turns recorded._\n")
		return b.String()
	}

	b.WriteString("## Transcript\n\n")
	f := 0
	for _, t := range turns {
		for f < len(failovers) && !failovers[f].CreatedAt.After(t.CreatedAt) {
			writeFailover(&b, failovers[f])
			f++
		}
		fmt.Fprintf(&b, "- `%s` **%s** (%s): %s\n",
			t.CreatedAt.Local().Format("15:04:05"), t.Role, t.Engine, t.Text)
	}
	for ; f < len(failovers); f++ {
		writeFailover(&b, failovers[f])
	}
	return b.String()
}

func writeFailover(b *strings.Builder, f db.Failover) {
	fmt.Fprintf(b, "- `%s` _switched to the voice concierge: %s_\n",
		f.CreatedAt.Local().Format("15:04:05"), f.Reason)
}
