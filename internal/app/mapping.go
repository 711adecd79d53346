package app

import (
	"fmt"
	"strings"
	"time"

	"seatwatch/internal/config"
	"seatwatch/internal/notifier"
	"seatwatch/internal/observability/httpd"
	"seatwatch/internal/scrape/browser"
	"seatwatch/internal/storage"
	"seatwatch/internal/task/scheduler"
	"seatwatch/internal/transport/telegram/router"
	logx "seatwatch/pkg/logx"
)

const (
	DefaultReminderSchedule   = "every:1m"
	DefaultCheckpointSchedule = "every:5m"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:  l.Level,
		Format: l.Format,
		File:   logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Alerts: logx.AlertConfig{
			Enabled:    l.Alerts.Enabled,
			ChatID:     l.Alerts.ChatID,
			ThreadID:   l.Alerts.ThreadID,
			MinLevel:   l.Alerts.MinLevel,
			RatePerSec: l.Alerts.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{Driver: "none"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "none":
		return storage.Config{Driver: "none"}, nil
	case "file":
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.DurationOr("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapNotifierConfig fills defaults. A nil section means enabled with
// defaults; dedup stays off so repeated availability notices are not
// swallowed.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	out := notifier.Config{
		Enabled:         true,
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       500 * time.Millisecond,
		RetryMaxDelay:   10 * time.Second,
		DedupMaxEntries: 2000,
	}
	n := cfg.Notifier
	if n == nil {
		return out, nil
	}
	out.Enabled = n.Enabled
	if n.Workers != 0 {
		out.Workers = n.Workers
	}
	if n.QueueSize != 0 {
		out.QueueSize = n.QueueSize
	}
	if n.RatePerSec != 0 {
		out.RatePerSec = n.RatePerSec
	}
	if n.RetryMax != 0 {
		out.RetryMax = n.RetryMax
	}
	if n.DedupMaxEntries != 0 {
		out.DedupMaxEntries = n.DedupMaxEntries
	}
	if out.Workers < 0 || out.QueueSize < 0 || out.RatePerSec < 0 || out.RetryMax < 0 {
		return notifier.Config{}, fmt.Errorf("notifier: workers, queue_size, rate_per_sec and retry_max must be >= 0")
	}

	var err error
	if out.RetryBase, err = config.DurationOr("notifier.retry_base", n.RetryBase, out.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.DurationOr("notifier.retry_max_delay", n.RetryMaxDelay, out.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = config.Duration("notifier.dedup_window", n.DedupWindow); err != nil {
		return notifier.Config{}, err
	}
	return out, nil
}

func mapHTTPConfig(cfg *config.Config) (httpd.Config, error) {
	h := cfg.HTTP
	out := httpd.Config{
		Enabled:       h.Enabled,
		Addr:          strings.TrimSpace(h.Addr),
		Token:         strings.TrimSpace(h.Token),
		AllowInsecure: h.AllowInsecure,
		Pprof:         h.Pprof,
	}
	if out.Addr == "" {
		out.Addr = httpd.DefaultAddr
	}
	var err error
	if out.ReadTimeout, err = config.DurationOr("http.read_timeout", h.ReadTimeout, 5*time.Second); err != nil {
		return out, err
	}
	// pprof profiles stream for up to 30s by default
	if out.WriteTimeout, err = config.DurationOr("http.write_timeout", h.WriteTimeout, 60*time.Second); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = config.DurationOr("http.idle_timeout", h.IdleTimeout, 120*time.Second); err != nil {
		return out, err
	}
	return out, nil
}

func mapScraperConfig(cfg *config.Config) (browser.Config, error) {
	s := cfg.Scraper
	out := browser.Config{
		QueryURL:   strings.TrimSpace(s.QueryURL),
		ExecPath:   strings.TrimSpace(s.ExecPath),
		Headless:   s.Headless == nil || *s.Headless,
		UserAgent:  s.UserAgent,
		ExtraFlags: s.ExtraFlags,
	}
	var err error
	if out.NavigateTimeout, err = config.DurationOr("scraper.navigate_timeout", s.NavigateTimeout, browser.DefaultNavigateTimeout); err != nil {
		return out, err
	}
	if out.ResultTimeout, err = config.DurationOr("scraper.result_timeout", s.ResultTimeout, browser.DefaultResultTimeout); err != nil {
		return out, err
	}
	return out, nil
}

// trackerSettings are the tracker section's parsed values.
type trackerSettings struct {
	PollInterval       time.Duration
	ProbeTimeout       time.Duration
	DetailsTimeout     time.Duration
	StartupStagger     time.Duration
	ReminderSchedule   string
	CheckpointSchedule string
	Timezone           string
	EnrollURL          string
}

func mapTrackerConfig(cfg *config.Config) (trackerSettings, error) {
	t := cfg.Tracker
	out := trackerSettings{
		ReminderSchedule:   strings.TrimSpace(t.ReminderSchedule),
		CheckpointSchedule: strings.TrimSpace(t.CheckpointSchedule),
		Timezone:           strings.TrimSpace(t.Timezone),
		EnrollURL:          strings.TrimSpace(t.EnrollURL),
	}
	if out.ReminderSchedule == "" {
		out.ReminderSchedule = DefaultReminderSchedule
	}
	if out.CheckpointSchedule == "" {
		out.CheckpointSchedule = DefaultCheckpointSchedule
	}
	for _, s := range []struct{ path, raw string }{
		{"tracker.reminder_schedule", out.ReminderSchedule},
		{"tracker.checkpoint_schedule", out.CheckpointSchedule},
	} {
		if _, err := scheduler.ParseSchedule(s.raw); err != nil {
			return out, fmt.Errorf("%s: %w", s.path, err)
		}
	}

	var err error
	if out.PollInterval, err = config.DurationOr("tracker.poll_interval", t.PollInterval, 3*time.Second); err != nil {
		return out, err
	}
	if out.ProbeTimeout, err = config.DurationOr("tracker.probe_timeout", t.ProbeTimeout, 45*time.Second); err != nil {
		return out, err
	}
	if out.DetailsTimeout, err = config.DurationOr("scraper.details_timeout", cfg.Scraper.DetailsTimeout, 5*time.Second); err != nil {
		return out, err
	}
	// an explicit "0s" disables the stagger; empty means the default
	if strings.TrimSpace(t.StartupStagger) == "" {
		out.StartupStagger = 5 * time.Second
	} else if out.StartupStagger, err = config.Duration("tracker.startup_stagger", t.StartupStagger); err != nil {
		return out, err
	}
	return out, nil
}

func mapRouterConfig(cfg *config.Config) (router.Config, error) {
	timeout, err := config.DurationOr("telegram.command_timeout", cfg.Telegram.CommandTimeout, 60*time.Second)
	if err != nil {
		return router.Config{}, err
	}
	return router.Config{
		Workers:        cfg.Telegram.Workers,
		CommandTimeout: timeout,
		Owners:         append([]int64(nil), cfg.Telegram.OwnerUserIDs...),
	}, nil
}

// validate runs every mapper so a bad value is rejected before commit.
func validate(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	if _, err := mapScraperConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTrackerConfig(cfg); err != nil {
		return err
	}
	_, err := mapRouterConfig(cfg)
	return err
}

// ValidateFile parses and fully validates the config at path.
func ValidateFile(path string) (*config.Config, error) {
	cfg, err := config.NewManager(path).Parse()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
