package main

import (
	"fmt"
	"io"
	"time"

	"senvo/backend/internal/models"
	"senvo/backend/internal/storage"

	"github.com/jedib0t/go-pretty/v6/table"
)

const timeLayout = "2006-01-02 15:04:05"

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	return t
}

func orDash(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}

func renderQueue(w io.Writer, entries []models.QueueEntry) {
	t := newTable(w)
	t.AppendHeader(table.Row{"Entry", "User", "Mode", "Status", "Room", "Partner entry", "Age", "Last seen"})

	now := time.Now()
	for _, e := range entries {
		t.AppendRow(table.Row{
			e.ID, e.UserID, e.Mode, e.Status,
			orDash(e.RoomID), orDash(e.MatchedWith),
			now.Sub(e.CreatedAt).Round(time.Second),
			e.UpdatedAt.Format(timeLayout),
		})
	}
	t.AppendFooter(table.Row{"", "", "", "", "", "", "Total", len(entries)})
	t.Render()
}

func renderHistory(w io.Writer, messages []models.ChatMessage) {
	t := newTable(w)
	t.AppendHeader(table.Row{"Time", "Sender", "Type", "Content"})
	for _, m := range messages {
		content := m.Text()
		if m.MessageType != models.MessageText {
			content = m.Media()
		}
		t.AppendRow(table.Row{m.CreatedAt.Format(timeLayout), m.SenderID, m.MessageType, content})
	}
	t.Render()
}

func renderReap(w io.Writer, res *storage.ReapResult) {
	t := newTable(w)
	t.AppendHeader(table.Row{"Removed", "Count"})
	t.AppendRows([]table.Row{
		{"Queue entries", len(res.Entries)},
		{"Signals", res.Signals},
		{"Chat messages", res.Messages},
	})
	t.Render()

	for _, e := range res.Entries {
		fmt.Fprintf(w, "  %s %s (%s, %s)\n", e.Status, e.ID, e.UserID, e.Mode)
	}
}
