package tracker

import (
	"context"
	"fmt"
	"strings"

	logx "seatwatch/pkg/logx"
)

// DefaultEnrollURL is where subscribers go to grab the seat.
const DefaultEnrollURL = "https://courseselection.ntust.edu.tw/AddAndSub/B01/B01"

type dispatcher struct {
	sink    Sink
	format  Formatter
	log     logx.Logger
	metrics *Metrics
}

// dispatch sends n to its group's channel. Groups without a bound channel
// are skipped.
func (d dispatcher) dispatch(ctx context.Context, n Notice) {
	log := d.log.With(logx.String("kind", n.Kind.String()), logx.String("key", n.Record.Key().String()))
	if n.Channel.IsZero() {
		log.Debug("notice skipped: no channel bound")
		d.metrics.notice(n.Kind, "no_channel")
		return
	}
	if d.sink == nil {
		d.metrics.notice(n.Kind, "no_sink")
		return
	}
	text := d.format.Format(n)
	if err := d.sink.Send(ctx, n.Channel, text); err != nil {
		log.Warn("notice delivery failed", logx.Err(err))
		d.metrics.notice(n.Kind, "error")
		return
	}
	log.Info("notice sent", logx.Int("subscribers", len(n.Subscribers)))
	d.metrics.notice(n.Kind, "sent")
}

// PlainFormatter renders notices as plain text. Used by the CLI and tests.
type PlainFormatter struct {
	EnrollURL string
}

func (f PlainFormatter) Format(n Notice) string {
	url := f.EnrollURL
	if url == "" {
		url = DefaultEnrollURL
	}
	r := n.Record
	var b strings.Builder
	for i, id := range n.Subscribers {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "@%d", id)
	}
	if len(n.Subscribers) > 0 {
		b.WriteByte(' ')
	}
	switch n.Kind {
	case NoticeAvailable:
		fmt.Fprintf(&b, "%s %s has a free seat!\n", r.Code, r.Name)
		fmt.Fprintf(&b, "Teacher: %s\nTime: %s\nRoom: %s\n", r.Presenter, r.Schedule, r.Location)
		fmt.Fprintf(&b, "Enrolled: %s/%s\n%s", FormatCount(r.Enrolled), FormatCount(r.Capacity), url)
	case NoticeReminder:
		fmt.Fprintf(&b, "%s %s still has a free seat!\n%s", r.Code, r.Name, url)
	case NoticeInitFailed:
		fmt.Fprintf(&b, "Could not start tracking %s: %s\nTrack it again to retry.", r.Code, n.Err)
	}
	return b.String()
}

// FormatCount renders an optional count, "?" when unknown.
func FormatCount(p *int) string {
	if p == nil {
		return "?"
	}
	return fmt.Sprint(*p)
}
