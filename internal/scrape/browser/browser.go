// Package browser drives headless Chrome against the NTUST course query
// page. One Scraper owns the browser process; each Session is one tab.
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/chromedp"

	"seatwatch/internal/tracker"
	logx "seatwatch/pkg/logx"
)

const (
	DefaultQueryURL        = "https://querycourse.ntust.edu.tw/querycourse/#/"
	DefaultNavigateTimeout = 30 * time.Second
	DefaultResultTimeout   = 15 * time.Second
)

var ErrClosed = errors.New("browser closed")

type Config struct {
	QueryURL        string
	ExecPath        string
	Headless        bool
	UserAgent       string
	ExtraFlags      []string
	NavigateTimeout time.Duration
	ResultTimeout   time.Duration
}

func (c *Config) setDefaults() {
	if strings.TrimSpace(c.QueryURL) == "" {
		c.QueryURL = DefaultQueryURL
	}
	if c.NavigateTimeout <= 0 {
		c.NavigateTimeout = DefaultNavigateTimeout
	}
	if c.ResultTimeout <= 0 {
		c.ResultTimeout = DefaultResultTimeout
	}
}

type Scraper struct {
	cfg Config
	log logx.Logger

	mu            sync.Mutex
	closed        bool
	allocCancel   context.CancelFunc
	browser       context.Context
	browserCancel context.CancelFunc

	open atomic.Int64
}

// New launches the browser. ctx bounds the browser's lifetime in addition
// to Close.
func New(ctx context.Context, cfg Config, log logx.Logger) (*Scraper, error) {
	cfg.setDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, allocatorOptions(cfg)...)
	bctx, bcancel := chromedp.NewContext(allocCtx, chromedp.WithErrorf(func(format string, args ...any) {
		log.Debug("chromedp", logx.String("msg", fmt.Sprintf(format, args...)))
	}))

	kill := func() {
		bcancel()
		allocCancel()
	}
	if err := startGuarded(ctx, bctx, cfg.NavigateTimeout, kill); err != nil {
		kill()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	log.Info("browser started", logx.Bool("headless", cfg.Headless), logx.String("query_url", cfg.QueryURL))
	return &Scraper{
		cfg:           cfg,
		log:           log,
		allocCancel:   allocCancel,
		browser:       bctx,
		browserCancel: bcancel,
	}, nil
}

func allocatorOptions(cfg Config) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts, chromedp.Flag("headless", cfg.Headless))
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	for _, f := range cfg.ExtraFlags {
		name, value, ok := parseFlag(f)
		if !ok {
			continue
		}
		opts = append(opts, chromedp.Flag(name, value))
	}
	return opts
}

// parseFlag turns "--name=value" or "name" into a chromedp flag; a bare
// name means true.
func parseFlag(raw string) (string, any, bool) {
	raw = strings.TrimLeft(strings.TrimSpace(raw), "-")
	if raw == "" {
		return "", nil, false
	}
	name, value, hasValue := strings.Cut(raw, "=")
	if !hasValue {
		return name, true, true
	}
	switch strings.ToLower(value) {
	case "true":
		return name, true, true
	case "false":
		return name, false, true
	}
	return name, value, true
}

// OpenSession opens a new tab.
func (s *Scraper) OpenSession(ctx context.Context) (tracker.Session, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	parent := s.browser
	s.mu.Unlock()

	tab, cancel := chromedp.NewContext(parent)
	if err := startGuarded(ctx, tab, s.cfg.NavigateTimeout, cancel); err != nil {
		cancel()
		return nil, fmt.Errorf("open tab: %w", err)
	}
	s.open.Add(1)
	return &Session{cfg: s.cfg, tab: tab, cancel: cancel, owner: s}, nil
}

// startGuarded makes the first Run on c. chromedp binds the browser process
// (or the tab's event loop) to the context of that first Run, so c itself
// must stay undeadlined; kill is called instead when startup takes longer
// than d or ctx ends first.
func startGuarded(ctx, c context.Context, d time.Duration, kill func()) error {
	timer := time.AfterFunc(d, kill)
	stop := context.AfterFunc(ctx, kill)
	err := chromedp.Run(c)
	expired := !timer.Stop()
	aborted := !stop()
	switch {
	case aborted:
		return ctx.Err()
	case expired:
		return fmt.Errorf("no response within %s: %w", d, context.DeadlineExceeded)
	}
	return err
}

// OpenSessions is the number of tabs currently open.
func (s *Scraper) OpenSessions() int64 { return s.open.Load() }

// Close terminates the browser. Sessions still open become unusable.
func (s *Scraper) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.browserCancel()
	s.allocCancel()
	s.log.Info("browser stopped")
	return nil
}
