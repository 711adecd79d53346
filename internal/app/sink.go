package app

import (
	"context"

	"seatwatch/internal/tracker"
	kit "seatwatch/internal/transport"
)

type notifierPort interface {
	Notify(ctx context.Context, n kit.Notification) error
}

// notifySink hands tracker notices to the notifier as HTML.
type notifySink struct {
	n notifierPort
}

func (s notifySink) Send(ctx context.Context, ch tracker.Channel, text string) error {
	return s.n.Notify(ctx, kit.Notification{
		Target:  kit.ChatTarget{ChatID: ch.ChatID, ThreadID: ch.ThreadID},
		Text:    text,
		Options: &kit.SendOptions{ParseMode: "HTML", DisablePreview: true},
	})
}
