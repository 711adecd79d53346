package config

import (
	"reflect"
	"sort"
	"strings"

	logx "seatwatch/pkg/logx"
)

// SummarizeChange lists the top-level sections that differ between oldCfg
// and newCfg plus log fields describing the new values. Secrets (tokens) are
// only reported as set/unset.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var (
		changed []string
		attrs   []logx.Field
	)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.PollTimeout != nt.PollTimeout ||
		ot.Workers != nt.Workers ||
		ot.CommandTimeout != nt.CommandTimeout ||
		ot.Token != nt.Token ||
		!reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.String("logging.format", newCfg.Logging.Format),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alerts", newCfg.Logging.Alerts.Enabled),
		)
	}

	if nh := newCfg.HTTP; oldCfg.HTTP != nh {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", nh.Enabled),
			logx.String("http.addr", strings.TrimSpace(nh.Addr)),
			logx.Bool("http.token_set", strings.TrimSpace(nh.Token) != ""),
			logx.Bool("http.pprof", nh.Pprof),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scraper, newCfg.Scraper) {
		changed = append(changed, "scraper")
	}
	if oldCfg.Tracker != newCfg.Tracker {
		changed = append(changed, "tracker")
		attrs = append(attrs,
			logx.String("tracker.poll_interval", newCfg.Tracker.PollInterval),
			logx.String("tracker.reminder_schedule", newCfg.Tracker.ReminderSchedule),
		)
	}
	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired reports sections that only take effect after a restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, c := range changed {
		switch c {
		case "scraper", "storage", "telegram", "tracker":
			out = append(out, c)
		}
	}
	return out
}
