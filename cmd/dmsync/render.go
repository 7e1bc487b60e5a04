package main

import (
	"fmt"
	"sort"
	"strings"

	dmsync "github.com/dmsync/dmsync-go"
	"github.com/fatih/color"
)

var (
	cyan   = color.New(color.FgCyan)
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed)
	dim    = color.New(color.Faint)
)

// formatMessage renders one timeline line as self sees it.
func formatMessage(m *dmsync.Message, self string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s: ", m.ID, m.Sender)
	if m.ReplyTo != nil && !m.DeletedForEveryone {
		fmt.Fprintf(&b, "(re %s: %q) ", m.ReplyTo.Sender, m.ReplyTo.Content)
	}
	text := m.Text()
	if m.Type == dmsync.ContentFile && !m.DeletedForEveryone {
		text = "[file] " + text
	}
	b.WriteString(text)
	if m.Edited() {
		b.WriteString(" (edited)")
	}

	if vis := m.Reactions.Visible(); len(vis) > 0 {
		emojis := make([]string, 0, len(vis))
		for e := range vis {
			emojis = append(emojis, e)
		}
		sort.Strings(emojis)
		parts := make([]string, 0, len(emojis))
		for _, e := range emojis {
			parts = append(parts, fmt.Sprintf("%s%d", e, len(vis[e])))
		}
		b.WriteString("  " + strings.Join(parts, " "))
	}

	if m.Sender == self {
		if m.Status == dmsync.StatusSeen {
			b.WriteString("  ✓✓")
		} else {
			b.WriteString("  ✓")
		}
	}
	return b.String()
}

// formatRoom renders a room list row.
func formatRoom(r dmsync.Room, online bool) string {
	dot := "○"
	if online {
		dot = "●"
	}
	line := fmt.Sprintf("%s %-30s %s", dot, r.Peer, r.Preview)
	if r.Unread > 0 {
		line += fmt.Sprintf("  (%d unread)", r.Unread)
	}
	return line
}

func printRoom(r dmsync.Room, online bool) {
	switch {
	case r.Unread > 0:
		yellow.Println(formatRoom(r, online))
	case online:
		green.Println(formatRoom(r, online))
	default:
		fmt.Println(formatRoom(r, online))
	}
}
