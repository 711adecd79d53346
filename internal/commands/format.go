package commands

import (
	"fmt"
	"html"
	"strings"

	"seatwatch/internal/tracker"
)

// HTMLFormatter renders tracker notices for Telegram's HTML parse mode.
type HTMLFormatter struct {
	EnrollURL string
	Names     *Directory
}

func (f HTMLFormatter) Format(n tracker.Notice) string {
	url := f.EnrollURL
	if url == "" {
		url = tracker.DefaultEnrollURL
	}
	r := n.Record
	var b strings.Builder
	if m := f.mentions(n.Subscribers); m != "" {
		b.WriteString(m)
		b.WriteByte('\n')
	}
	title := "<b>" + html.EscapeString(r.Code) + "</b> " + html.EscapeString(r.Name)
	switch n.Kind {
	case tracker.NoticeAvailable:
		fmt.Fprintf(&b, "🎉 %s has a free seat!\n", title)
		writeDetails(&b, r)
		fmt.Fprintf(&b, "\n👉 <a href=\"%s\">Enroll now</a>", html.EscapeString(url))
	case tracker.NoticeReminder:
		fmt.Fprintf(&b, "⏰ %s is still available.\n", title)
		fmt.Fprintf(&b, "👥 %s/%s\n", tracker.FormatCount(r.Enrolled), tracker.FormatCount(r.Capacity))
		fmt.Fprintf(&b, "👉 <a href=\"%s\">Enroll now</a>", html.EscapeString(url))
	case tracker.NoticeInitFailed:
		fmt.Fprintf(&b, "⚠️ Could not start tracking %s\n<i>%s</i>\n", title, html.EscapeString(n.Err))
		fmt.Fprintf(&b, "Send <code>/track %s</code> to retry.", html.EscapeString(r.Code))
	}
	return b.String()
}

func (f HTMLFormatter) mentions(ids []tracker.SubscriberID) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, mention(int64(id), f.Names.Name(int64(id))))
	}
	return strings.Join(parts, " ")
}

func mention(id int64, name string) string {
	return fmt.Sprintf(`<a href="tg://user?id=%d">%s</a>`, id, html.EscapeString(name))
}

func writeDetails(b *strings.Builder, r tracker.Record) {
	fmt.Fprintf(b, "👤 %s\n", html.EscapeString(orDash(r.Presenter)))
	fmt.Fprintf(b, "🕒 %s\n", html.EscapeString(orDash(r.Schedule)))
	fmt.Fprintf(b, "📍 %s\n", html.EscapeString(orDash(r.Location)))
	fmt.Fprintf(b, "👥 %s/%s", tracker.FormatCount(r.Enrolled), tracker.FormatCount(r.Capacity))
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
