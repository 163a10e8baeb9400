package main

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
	"github.com/kconnect-labs/k-connect-dev-sub012/client"
	"github.com/kconnect-labs/k-connect-dev-sub012/internal/models"
	"github.com/kconnect-labs/k-connect-dev-sub012/internal/store"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62")).
			Padding(0, 1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	idStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("240")).
		Italic(true)

	unreadStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	timeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	senderStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("135"))

	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

func renderChats(out io.Writer, snap store.Snapshot) {
	fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("Chats (%d)", len(snap.Chats))))
	if len(snap.Chats) == 0 {
		fmt.Fprintln(out, "  No chats yet.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	for _, c := range snap.Chats {
		unread := ""
		if n := snap.Unread[c.ID]; n > 0 {
			unread = unreadStyle.Render(strconv.Itoa(n))
		}
		last := ""
		if c.LastMessage != nil {
			last = truncate(c.LastMessage.Content, 40)
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", idStyle.Render(strconv.FormatInt(c.ID, 10)), titleStyle.Render(c.Title), unread, last)
	}
	w.Flush()
}

func renderMessage(out io.Writer, m models.Message) {
	when := m.DisplayTime
	if when == "" {
		when = m.CreatedAt.Format("15:04")
	}
	body := m.Content
	for _, u := range []string{m.PhotoURL, m.VideoURL, m.AudioURL, m.FileURL} {
		if u != "" {
			body = fmt.Sprintf("[%s] %s", m.MessageType, u)
			break
		}
	}
	fmt.Fprintf(out, "%s %s: %s\n", timeStyle.Render(when), senderStyle.Render(m.SenderName), body)
}

func renderState(out io.Writer, s client.ConnectionState) {
	status := s.Status.String()
	switch s.Status {
	case models.StatusOpen:
		status = okStyle.Render(status)
	case models.StatusConnecting:
		status = warnStyle.Render(status)
	default:
		status = errStyle.Render(status)
	}
	fmt.Fprintf(out, "%s %s", headerStyle.Render("Realtime"), status)
	if s.UsingFallback {
		fmt.Fprint(out, warnStyle.Render(" (polling)"))
	}
	if s.ConsecutiveFailures > 0 {
		fmt.Fprintf(out, " failures=%d", s.ConsecutiveFailures)
	}
	fmt.Fprintln(out)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
