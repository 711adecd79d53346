package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"seatwatch/internal/commands"
	"seatwatch/internal/config"
	"seatwatch/internal/notifier"
	"seatwatch/internal/observability/httpd"
	rtsup "seatwatch/internal/runtime/supervisor"
	"seatwatch/internal/scrape/browser"
	"seatwatch/internal/storage"
	"seatwatch/internal/task/scheduler"
	"seatwatch/internal/tracker"
	kit "seatwatch/internal/transport"
	telegram "seatwatch/internal/transport/telegram/adapter"
	"seatwatch/internal/transport/telegram/router"
	logx "seatwatch/pkg/logx"
)

const (
	jobReminders  = "tracker.reminders"
	jobCheckpoint = "tracker.checkpoint"
)

// Options are process-level settings that do not live in the config file.
type Options struct {
	Version string
}

type App struct {
	cfgm    *config.Manager
	version string

	log  logx.Logger
	logs *logx.Service
	reg  *prometheus.Registry

	store   storage.Store
	adapter *telegram.Adapter
	notif   *notifier.Service
	sched   *scheduler.Service
	router  *router.Router
	names   *commands.Directory
	http    *httpd.Service
	metrics *tracker.Metrics

	updates chan kit.Message

	mu        sync.Mutex
	sup       *rtsup.Supervisor
	workers   *rtsup.Supervisor
	scraper   *browser.Scraper
	tracker   *tracker.Service
	settings  trackerSettings
	startedAt time.Time
}

// New loads the config and builds every component that does not need the
// browser. Nothing runs until Start.
func New(cfgPath string, opt Options) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Parse()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	cfgm.Commit(cfg)

	pollTimeout, err := config.DurationOr("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, logx.NewConsole("INFO").With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg), ad)

	sc, _ := mapStorageConfig(cfg)
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	log.Info("storage ready", logx.String("driver", sc.Driver))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ncfg, _ := mapNotifierConfig(cfg)
	notif := notifier.New(ncfg, ad, log.With(logx.String("comp", "notifier")))
	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "seatwatch",
		Name:      "notifier_queue_length",
		Help:      "Messages waiting in the notifier queue.",
	}, func() float64 { return float64(notif.Stats().QueueLen) })

	ts, _ := mapTrackerConfig(cfg)
	sched := scheduler.New(scheduler.Config{Timezone: ts.Timezone}, log.With(logx.String("comp", "scheduler")))

	rcfg, _ := mapRouterConfig(cfg)
	rt := router.New(rcfg, ad, log.With(logx.String("comp", "router")), reg)

	a := &App{
		cfgm:     cfgm,
		version:  opt.Version,
		log:      log.With(logx.String("comp", "app")),
		logs:     logSvc,
		reg:      reg,
		store:    store,
		adapter:  ad,
		notif:    notif,
		sched:    sched,
		router:   rt,
		names:    commands.NewDirectory(),
		metrics:  tracker.NewMetrics(reg),
		settings: ts,
		updates:  make(chan kit.Message, 256),
	}

	hcfg, _ := mapHTTPConfig(cfg)
	a.http = httpd.New(hcfg, httpd.Sources{
		Gatherer: reg,
		Status:   func() any { return a.Status() },
		Ready:    a.ready,
	}, log.With(logx.String("comp", "http")))
	return a, nil
}

// Done is closed when the app context is canceled.
func (a *App) Done() <-chan struct{} {
	a.mu.Lock()
	sup := a.sup
	a.mu.Unlock()
	if sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return sup.Context().Done()
}

// Err returns the first background task failure, if any.
func (a *App) Err() error {
	a.mu.Lock()
	sup := a.sup
	a.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()
	sup := rtsup.New(ctx, rtsup.WithLogger(a.log))
	// tracker workers outlive the app context; tracker.Stop ends them
	workers := rtsup.New(context.WithoutCancel(ctx), rtsup.WithLogger(a.log.With(logx.String("comp", "workers"))))
	a.mu.Lock()
	a.sup, a.workers, a.startedAt = sup, workers, time.Now()
	a.mu.Unlock()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, c *config.Config) error { return validate(c) })

	// detached so Stop can drain it after the app context is gone
	a.notif.Start(context.WithoutCancel(ctx))

	bcfg, err := mapScraperConfig(cfg)
	if err != nil {
		return err
	}
	scr, err := browser.New(context.WithoutCancel(ctx), bcfg, a.log.With(logx.String("comp", "browser")))
	if err != nil {
		return err
	}

	ts := a.settings
	trk := tracker.NewService(tracker.Options{
		Scraper:        scr,
		Sink:           notifySink{n: a.notif},
		Formatter:      commands.HTMLFormatter{EnrollURL: ts.EnrollURL, Names: a.names},
		Store:          a.store,
		Spawner:        workers,
		Metrics:        a.metrics,
		Log:            a.log.With(logx.String("comp", "tracker")),
		PollInterval:   ts.PollInterval,
		ProbeTimeout:   ts.ProbeTimeout,
		DetailsTimeout: ts.DetailsTimeout,
		StartupStagger: ts.StartupStagger,
	})
	a.mu.Lock()
	a.scraper, a.tracker = scr, trk
	a.mu.Unlock()

	h := &commands.Handlers{
		Tracker:      trk,
		Names:        a.names,
		Audit:        a.store,
		Status:       a.statusHTML,
		TrackTimeout: ts.ProbeTimeout + 30*time.Second,
	}
	if err := a.router.Register(h.Commands()...); err != nil {
		return err
	}
	a.router.Observe(a.names.Observe)
	a.router.SetBotUsername(a.adapter.Username())

	if err := trk.Start(ctx); err != nil {
		return err
	}

	if err := a.adapter.Start(sup.Context(), a.updates); err != nil {
		return err
	}
	sup.Go("router.run", func(c context.Context) error {
		return a.router.Run(c, a.updates)
	})
	sup.Go("router.menu", func(c context.Context) error {
		mctx, cancel := context.WithTimeout(c, 15*time.Second)
		defer cancel()
		if err := a.router.SyncMenu(mctx); err != nil {
			a.log.Warn("command menu sync failed", logx.Err(err))
		}
		return nil
	})

	if err := a.addJobs(ts); err != nil {
		return err
	}
	a.sched.Start(sup.Context())
	a.http.Start(sup.Context())

	sub := a.cfgm.Subscribe(8)
	sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	notifyReady(a.log)
	sup.Go("systemd.watchdog", func(c context.Context) error {
		runWatchdog(c, a.log)
		return nil
	})

	records, _ := trk.Registry().Len()
	a.log.Info("app started", logx.String("version", a.version), logx.Int("records", records))
	return nil
}

// addJobs upserts the reminder and checkpoint schedules.
func (a *App) addJobs(ts trackerSettings) error {
	a.mu.Lock()
	trk := a.tracker
	a.mu.Unlock()
	if trk == nil {
		return nil
	}
	if err := a.sched.Add(jobReminders, ts.ReminderSchedule, 30*time.Second, func(ctx context.Context) error {
		if n := trk.Remind(ctx); n > 0 {
			a.log.Debug("reminders sent", logx.Int("records", n))
		}
		return nil
	}); err != nil {
		return fmt.Errorf("%s: %w", jobReminders, err)
	}
	if err := a.sched.Add(jobCheckpoint, ts.CheckpointSchedule, 30*time.Second, trk.Checkpoint); err != nil {
		return fmt.Errorf("%s: %w", jobCheckpoint, err)
	}
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// coalesce bursts
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(ctx, last, next)
			last = next
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config change needs a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogConfig(next))

	if rcfg, err := mapRouterConfig(next); err != nil {
		a.log.Warn("invalid router config; keeping previous", logx.Err(err))
	} else {
		rcfg.BotUsername = a.adapter.Username()
		a.router.Apply(rcfg)
	}

	if ncfg, err := mapNotifierConfig(next); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
	}

	if hcfg, err := mapHTTPConfig(next); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else {
		rctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.http.Reconfigure(rctx, hcfg)
		cancel()
	}

	if ts, err := mapTrackerConfig(next); err != nil {
		a.log.Warn("invalid tracker config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(scheduler.Config{Timezone: ts.Timezone})
		if err := a.addJobs(ts); err != nil {
			a.log.Warn("reschedule failed", logx.Err(err))
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.mu.Lock()
	sup, workers, trk, scr := a.sup, a.workers, a.tracker, a.scraper
	a.mu.Unlock()

	a.log.Info("stopping", logx.String("reason", string(reason)))
	notifyStopping(a.log)
	if sup != nil {
		sup.Cancel()
	}

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		if err := runStep(ctx, a.log, name, max, fn); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("adapter", 3*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("http", time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	if trk != nil {
		// the final save happens here, before the store closes
		step("tracker", 10*time.Second, trk.Stop)
	}
	step("notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	if scr != nil {
		step("browser", 3*time.Second, func(context.Context) error { return scr.Close() })
	}
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	if workers != nil {
		step("workers", 2*time.Second, func(c context.Context) error { return workers.Stop(c) })
	}
	if sup != nil {
		step("supervisor", 2*time.Second, func(c context.Context) error { return ignoreCanceled(sup.Wait(c)) })
	}

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}

// runStep runs one shutdown step bounded by max and by the caller's
// deadline. A step that overruns is left running and logged when it ends.
func runStep(ctx context.Context, log logx.Logger, name string, max time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		took := time.Since(start)
		if err != nil {
			log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		} else if took >= 500*time.Millisecond {
			log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
		return err
	case <-stepCtx.Done():
		log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
		}()
		return stepCtx.Err()
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
