package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Validate checks fields that can be verified without touching the network
// or the schedule parser.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		errs = append(errs, fmt.Errorf("telegram.token: required (or set %s)", EnvToken))
	}
	if cfg.Telegram.Workers < 0 {
		errs = append(errs, errors.New("telegram.workers: must be >= 0"))
	}

	durations := []durationField{
		{"telegram.poll_timeout", cfg.Telegram.PollTimeout},
		{"telegram.command_timeout", cfg.Telegram.CommandTimeout},
		{"http.read_timeout", cfg.HTTP.ReadTimeout},
		{"http.write_timeout", cfg.HTTP.WriteTimeout},
		{"http.idle_timeout", cfg.HTTP.IdleTimeout},
		{"scraper.navigate_timeout", cfg.Scraper.NavigateTimeout},
		{"scraper.result_timeout", cfg.Scraper.ResultTimeout},
		{"scraper.details_timeout", cfg.Scraper.DetailsTimeout},
		{"tracker.poll_interval", cfg.Tracker.PollInterval},
		{"tracker.startup_stagger", cfg.Tracker.StartupStagger},
		{"tracker.probe_timeout", cfg.Tracker.ProbeTimeout},
	}
	if n := cfg.Notifier; n != nil {
		durations = append(durations,
			durationField{"notifier.retry_base", n.RetryBase},
			durationField{"notifier.retry_max_delay", n.RetryMaxDelay},
			durationField{"notifier.dedup_window", n.DedupWindow},
		)
	}
	if s := cfg.Storage; s != nil {
		durations = append(durations, durationField{"storage.busy_timeout", s.BusyTimeout})
	}
	for _, d := range durations {
		if _, err := Duration(d.path, d.raw); err != nil {
			errs = append(errs, err)
		}
	}

	if tz := strings.TrimSpace(cfg.Tracker.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("tracker.timezone: %w", err))
		}
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "file", "sqlite":
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
	}

	if cfg.HTTP.Enabled {
		addr := strings.TrimSpace(cfg.HTTP.Addr)
		if addr != "" {
			if _, _, err := net.SplitHostPort(addr); err != nil {
				errs = append(errs, fmt.Errorf("http.addr: %w", err))
			}
		}
		if !IsLoopbackAddr(addr) && strings.TrimSpace(cfg.HTTP.Token) == "" && !cfg.HTTP.AllowInsecure {
			errs = append(errs, errors.New("http: non-loopback addr requires http.token or http.allow_insecure"))
		}
	}

	return errors.Join(errs...)
}

type durationField struct{ path, raw string }

// FieldError ties a bad value to its dotted config key.
type FieldError struct {
	Path string
	Err  error
}

func (e *FieldError) Error() string { return e.Path + ": " + e.Err.Error() }

func (e *FieldError) Unwrap() error { return e.Err }

// Duration parses a config duration such as "3s" or "1m30s". Blank means
// zero and negative values are rejected.
func Duration(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, &FieldError{Path: path, Err: fmt.Errorf("%q is not a duration like \"3s\" or \"5m\"", raw)}
	case d < 0:
		return 0, &FieldError{Path: path, Err: fmt.Errorf("%q is negative", raw)}
	}
	return d, nil
}

// DurationOr is Duration with def standing in for a blank or zero value.
func DurationOr(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := Duration(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

// IsLoopbackAddr reports whether addr binds only to a loopback interface.
// An empty addr means the loopback default.
func IsLoopbackAddr(addr string) bool {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return true
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
