package app

import (
	"context"

	"seatwatch/internal/config"
	"seatwatch/internal/scrape/browser"
	"seatwatch/internal/tracker"
	logx "seatwatch/pkg/logx"
)

// Probe launches a browser, looks up code once and closes everything. It
// needs no Telegram token.
func Probe(ctx context.Context, cfg *config.Config, code string, log logx.Logger) (tracker.Snapshot, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	norm, err := tracker.NormalizeCode(code)
	if err != nil {
		return tracker.Snapshot{}, err
	}
	bcfg, err := mapScraperConfig(cfg)
	if err != nil {
		return tracker.Snapshot{}, err
	}
	ts, err := mapTrackerConfig(cfg)
	if err != nil {
		return tracker.Snapshot{}, err
	}

	scr, err := browser.New(ctx, bcfg, log.With(logx.String("comp", "browser")))
	if err != nil {
		return tracker.Snapshot{}, err
	}
	defer scr.Close()

	p := tracker.NewProber(scr, ts.ProbeTimeout, ts.DetailsTimeout, log.With(logx.String("comp", "probe")), nil)
	return p.Probe(ctx, norm)
}

// ParseConfig reads the config at path without the token requirement, for
// commands that never talk to Telegram.
func ParseConfig(path string) (*config.Config, error) {
	return config.NewManager(path).Parse()
}
