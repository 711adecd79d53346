package app

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"seatwatch/internal/notifier"
	rtsup "seatwatch/internal/runtime/supervisor"
	"seatwatch/internal/task/scheduler"
)

// Status is the runtime snapshot served on /status and rendered for the
// owner command.
type Status struct {
	Version   string    `json:"version"`
	StartedAt time.Time `json:"started_at"`
	Uptime    string    `json:"uptime"`

	Records      int   `json:"records"`
	Workers      int   `json:"workers"`
	OpenSessions int64 `json:"open_sessions"`
	Users        int   `json:"known_users"`

	Notifier      notifier.Stats        `json:"notifier"`
	DroppedAlerts uint64                `json:"dropped_alerts"`
	Schedules     []scheduler.EntryInfo `json:"schedules"`
	Supervisor    rtsup.Snapshot        `json:"supervisor"`
	WorkerTasks   *rtsup.Snapshot       `json:"worker_supervisor,omitempty"`
}

// Status collects the current snapshot. Safe to call before Start.
func (a *App) Status() Status {
	st := Status{
		Version:   a.version,
		StartedAt: a.startedAt,
		Users:     a.names.Len(),
		Notifier:  a.notif.Stats(),
		Schedules: a.sched.Entries(),
	}
	if !a.startedAt.IsZero() {
		st.Uptime = time.Since(a.startedAt).Truncate(time.Second).String()
	}
	if a.logs != nil {
		st.DroppedAlerts = a.logs.DroppedAlerts()
	}

	a.mu.Lock()
	trk, scr, sup, wsup := a.tracker, a.scraper, a.sup, a.workers
	a.mu.Unlock()
	if trk != nil {
		st.Records, st.Workers = trk.Registry().Len()
	}
	if scr != nil {
		st.OpenSessions = scr.OpenSessions()
	}
	if sup != nil {
		st.Supervisor = sup.Snapshot()
	}
	if wsup != nil {
		snap := wsup.Snapshot()
		st.WorkerTasks = &snap
	}
	return st
}

// ready fails until the tracker is running.
func (a *App) ready() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.tracker == nil {
		return fmt.Errorf("tracker not started")
	}
	return nil
}

func (a *App) statusHTML(context.Context) string {
	return renderStatus(a.Status())
}

func renderStatus(st Status) string {
	var b strings.Builder
	b.WriteString("<b>📊 Status</b>\n")
	if st.Version != "" {
		fmt.Fprintf(&b, "Version: <code>%s</code>\n", html.EscapeString(st.Version))
	}
	if st.Uptime != "" {
		fmt.Fprintf(&b, "Uptime: %s\n", st.Uptime)
	}
	fmt.Fprintf(&b, "Records: %d · Workers: %d · Tabs: %d\n", st.Records, st.Workers, st.OpenSessions)
	fmt.Fprintf(&b, "Known users: %d\n", st.Users)

	n := st.Notifier
	fmt.Fprintf(&b, "\n<b>Notifier</b>\nsent %d · failed %d · dropped %d · queue %d/%d\n",
		n.Sent, n.Failed, n.Dropped, n.QueueLen, n.QueueCap)
	if st.DroppedAlerts > 0 {
		fmt.Fprintf(&b, "dropped log alerts: %d\n", st.DroppedAlerts)
	}

	if len(st.Schedules) > 0 {
		b.WriteString("\n<b>Schedules</b>\n")
		for _, e := range st.Schedules {
			line := fmt.Sprintf("• %s <code>%s</code> runs %d", html.EscapeString(e.Name), html.EscapeString(e.Spec), e.Runs)
			if e.Failures > 0 {
				line += fmt.Sprintf(", failed %d", e.Failures)
			}
			if !e.Next.IsZero() {
				line += ", next " + e.Next.Format("15:04:05")
			}
			b.WriteString(line + "\n")
		}
	}

	b.WriteString("\n<b>Tasks</b>\n")
	fmt.Fprintf(&b, "active %d · started %d\n", st.Supervisor.Active, st.Supervisor.Started)
	if st.WorkerTasks != nil {
		fmt.Fprintf(&b, "workers active %d · started %d\n", st.WorkerTasks.Active, st.WorkerTasks.Started)
	}
	for _, t := range st.Supervisor.Tasks {
		if t.Panics == 0 && t.Restarts == 0 && t.LastErr == "" {
			continue
		}
		fmt.Fprintf(&b, "⚠️ %s restarts %d panics %d", html.EscapeString(t.Name), t.Restarts, t.Panics)
		if t.LastErr != "" {
			fmt.Fprintf(&b, ": %s", html.EscapeString(t.LastErr))
		}
		b.WriteString("\n")
	}
	if st.Supervisor.FirstError != "" {
		fmt.Fprintf(&b, "first error: %s\n", html.EscapeString(st.Supervisor.FirstError))
	}
	return strings.TrimRight(b.String(), "\n")
}
