// Package commands implements the chat command handlers over the tracker.
package commands

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"seatwatch/internal/storage"
	"seatwatch/internal/tracker"
	"seatwatch/internal/transport/telegram/router"
	logx "seatwatch/pkg/logx"
)

// Tracker is the part of tracker.Service the handlers use.
type Tracker interface {
	Track(ctx context.Context, g tracker.GroupID, sub tracker.SubscriberID, code string) (tracker.TrackResult, error)
	Untrack(ctx context.Context, g tracker.GroupID, sub tracker.SubscriberID, code string) error
	BindChannel(ctx context.Context, g tracker.GroupID, ch tracker.Channel) error
	Channel(g tracker.GroupID) (tracker.Channel, bool)
	ListTracked(g tracker.GroupID) []tracker.Record
}

type Auditor interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// StatusFunc renders the owner status report as HTML.
type StatusFunc func(ctx context.Context) string

// listChunk keeps /list replies under Telegram's message cap while cutting
// only between records.
const listChunk = 3500

type Handlers struct {
	Tracker Tracker
	Names   *Directory
	Audit   Auditor
	Status  StatusFunc
	// TrackTimeout bounds /track, which probes the query page.
	TrackTimeout time.Duration
}

// Commands returns the command table for router.Register.
func (h *Handlers) Commands() []router.Command {
	trackTimeout := h.TrackTimeout
	if trackTimeout <= 0 {
		trackTimeout = 90 * time.Second
	}
	cmds := []router.Command{
		{
			Name:        "track",
			Aliases:     []string{"add"},
			Description: "Track a course and get notified when a seat frees up",
			Usage:       "/track <course code>",
			Timeout:     trackTimeout,
			Handle:      h.track,
		},
		{
			Name:        "untrack",
			Aliases:     []string{"del"},
			Description: "Stop tracking a course",
			Usage:       "/untrack <course code>",
			Handle:      h.untrack,
		},
		{
			Name:        "setchannel",
			Description: "Send notifications for this chat to the current topic",
			Usage:       "/setchannel",
			Handle:      h.setChannel,
		},
		{
			Name:        "list",
			Description: "List tracked courses",
			Usage:       "/list",
			Handle:      h.list,
		},
	}
	if h.Status != nil {
		cmds = append(cmds, router.Command{
			Name:        "status",
			Description: "Runtime status",
			Usage:       "/status",
			Access:      router.AccessOwnerOnly,
			Handle: func(ctx context.Context, req *router.Request) error {
				return req.Reply(ctx, h.Status(ctx))
			},
		})
	}
	return cmds
}

func group(req *router.Request) tracker.GroupID { return tracker.GroupID(req.Chat.ChatID) }

func (h *Handlers) track(ctx context.Context, req *router.Request) error {
	if len(req.Args) != 1 {
		return router.Errorf("Usage: /track <course code>")
	}
	raw := req.Args[0]
	g := group(req)
	start := time.Now()

	res, err := h.Tracker.Track(ctx, g, tracker.SubscriberID(req.Msg.FromID), raw)
	code := displayCode(raw)
	h.audit(ctx, req, "track", code, resultString(res, err), err, start)
	if err != nil {
		return trackError(raw, err)
	}

	var b strings.Builder
	rec, found := findRecord(h.Tracker.ListTracked(g), code)
	switch res {
	case tracker.TrackJoined:
		fmt.Fprintf(&b, "✅ You are now following <b>%s</b>", html.EscapeString(code))
	case tracker.TrackRevived:
		fmt.Fprintf(&b, "🔄 Tracking of <b>%s</b> restarted", html.EscapeString(code))
	default:
		fmt.Fprintf(&b, "✅ Now tracking <b>%s</b>", html.EscapeString(code))
	}
	if found {
		fmt.Fprintf(&b, " %s\n", html.EscapeString(rec.Name))
		writeDetails(&b, rec)
	}
	if _, bound := h.Tracker.Channel(g); !bound {
		b.WriteString("\n\nℹ️ No notification channel yet. Send <code>/setchannel</code> in the chat or topic that should receive alerts.")
	}
	return req.Reply(ctx, b.String())
}

func trackError(raw string, err error) error {
	code := strings.TrimSpace(raw)
	switch {
	case errors.Is(err, tracker.ErrInvalidCode):
		return router.Errorf("%q is not a valid course code.", code)
	case errors.Is(err, tracker.ErrNotFound):
		return router.Errorf("No course found for %s.", code)
	case errors.Is(err, tracker.ErrBusy):
		return router.Errorf("The course query site is unavailable right now. Try again later.")
	case errors.Is(err, tracker.ErrClosed):
		return router.Errorf("The bot is shutting down. Try again in a moment.")
	}
	return err
}

func (h *Handlers) untrack(ctx context.Context, req *router.Request) error {
	if len(req.Args) != 1 {
		return router.Errorf("Usage: /untrack <course code>")
	}
	raw := req.Args[0]
	start := time.Now()
	err := h.Tracker.Untrack(ctx, group(req), tracker.SubscriberID(req.Msg.FromID), raw)
	code := displayCode(raw)
	result := "removed"
	if err != nil {
		result = "error"
	}
	h.audit(ctx, req, "untrack", code, result, err, start)
	switch {
	case errors.Is(err, tracker.ErrNotTracked):
		return router.Errorf("You are not tracking %s.", code)
	case err != nil:
		return err
	}
	return req.Reply(ctx, "🗑 Stopped tracking <b>"+html.EscapeString(code)+"</b>")
}

func (h *Handlers) setChannel(ctx context.Context, req *router.Request) error {
	start := time.Now()
	ch := tracker.Channel{ChatID: req.Chat.ChatID, ThreadID: req.Chat.ThreadID}
	err := h.Tracker.BindChannel(ctx, group(req), ch)
	h.audit(ctx, req, "setchannel", fmt.Sprintf("%d/%d", ch.ChatID, ch.ThreadID), "bound", err, start)
	if err != nil {
		return err
	}
	return req.Reply(ctx, "📣 Notifications for this chat will be posted here.")
}

func (h *Handlers) list(ctx context.Context, req *router.Request) error {
	recs := h.Tracker.ListTracked(group(req))
	if len(recs) == 0 {
		return req.Reply(ctx, "📭 No courses tracked here yet. Use <code>/track &lt;code&gt;</code>.")
	}
	for _, chunk := range h.renderList(recs) {
		if err := req.Reply(ctx, chunk); err != nil {
			return err
		}
	}
	return nil
}

// renderList formats records into chunks of at most listChunk bytes,
// never splitting a record.
func (h *Handlers) renderList(recs []tracker.Record) []string {
	var (
		out []string
		cur strings.Builder
	)
	fmt.Fprintf(&cur, "📋 <b>Tracked courses</b> (%d)\n", len(recs))
	for _, r := range recs {
		entry := h.renderRecord(r)
		if cur.Len()+len(entry)+1 > listChunk && cur.Len() > 0 {
			out = append(out, strings.Trim(cur.String(), "\n"))
			cur.Reset()
		}
		cur.WriteString("\n")
		cur.WriteString(entry)
	}
	if cur.Len() > 0 {
		out = append(out, strings.Trim(cur.String(), "\n"))
	}
	return out
}

func (h *Handlers) renderRecord(r tracker.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s</b> %s\n", html.EscapeString(r.Code), html.EscapeString(r.Name))
	writeDetails(&b, r)
	b.WriteString("\n")
	switch {
	case r.Status == tracker.StatusFailed:
		fmt.Fprintf(&b, "❌ failed: <i>%s</i>\n", html.EscapeString(r.LastError))
	case r.Available():
		b.WriteString("🟢 seat available\n")
	case r.Status == tracker.StatusInitializing:
		b.WriteString("⏳ starting\n")
	case r.Enrolled == nil || r.Capacity == nil:
		b.WriteString("❔ seat count unknown\n")
	default:
		b.WriteString("🔴 full\n")
	}
	names := make([]string, 0, len(r.Subscribers))
	for _, id := range r.SubscriberList() {
		names = append(names, html.EscapeString(h.Names.Name(int64(id))))
	}
	fmt.Fprintf(&b, "👀 %s\n", strings.Join(names, ", "))
	return b.String()
}

// displayCode is the normalized code, or the trimmed input when it is not
// a valid code.
func displayCode(raw string) string {
	if code, err := tracker.NormalizeCode(raw); err == nil {
		return code
	}
	return strings.TrimSpace(raw)
}

func findRecord(recs []tracker.Record, code string) (tracker.Record, bool) {
	for _, r := range recs {
		if r.Code == code {
			return r, true
		}
	}
	return tracker.Record{}, false
}

func resultString(res tracker.TrackResult, err error) string {
	if err != nil {
		return "error"
	}
	return res.String()
}

func (h *Handlers) audit(ctx context.Context, req *router.Request, action, target, result string, err error, start time.Time) {
	if h.Audit == nil {
		return
	}
	e := storage.AuditEntry{
		At:        time.Now().UTC(),
		ActorID:   req.Msg.FromID,
		ActorName: h.Names.Name(req.Msg.FromID),
		ChatID:    req.Chat.ChatID,
		ThreadID:  req.Chat.ThreadID,
		Action:    action,
		Target:    target,
		Result:    result,
		TookMS:    time.Since(start).Milliseconds(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if aerr := h.Audit.AppendAudit(actx, e); aerr != nil {
		req.Logger.Warn("audit append failed", logx.Err(aerr))
	}
}
