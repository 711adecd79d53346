package tracker

import "context"

// Remind sends a reminder for every available record whose group has a
// channel. Failed records have no live data and are skipped. It never
// mutates the registry.
func (s *Service) Remind(ctx context.Context) int {
	st := s.reg.Snapshot()
	sent := 0
	for _, r := range st.Records {
		if !r.Notified || r.Status == StatusFailed {
			continue
		}
		ch, ok := st.Channels[r.Group]
		if !ok {
			continue
		}
		s.notify.dispatch(ctx, Notice{
			Kind:        NoticeReminder,
			Channel:     ch,
			Record:      r,
			Subscribers: r.SubscriberList(),
		})
		sent++
	}
	return sent
}
