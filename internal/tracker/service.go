package tracker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	logx "seatwatch/pkg/logx"
)

const (
	DefaultPollInterval   = 3 * time.Second
	DefaultProbeTimeout   = 45 * time.Second
	DefaultDetailsTimeout = 5 * time.Second
	DefaultStartupStagger = 5 * time.Second
)

type Options struct {
	Scraper   Scraper
	Sink      Sink
	Formatter Formatter
	Store     Store
	Spawner   Spawner
	Metrics   *Metrics
	Log       logx.Logger

	PollInterval   time.Duration
	ProbeTimeout   time.Duration
	DetailsTimeout time.Duration
	StartupStagger time.Duration
}

// TrackResult reports how a Track call was satisfied.
type TrackResult int

const (
	// TrackStarted: a new record and worker were created.
	TrackStarted TrackResult = iota + 1
	// TrackJoined: the record already existed; the subscriber was added.
	TrackJoined
	// TrackRevived: a failed record was probed again and restarted.
	TrackRevived
)

func (r TrackResult) String() string {
	switch r {
	case TrackStarted:
		return "started"
	case TrackJoined:
		return "joined"
	case TrackRevived:
		return "revived"
	default:
		return "unknown"
	}
}

// Service is the command surface over the registry. It owns the workers'
// lifetime, persistence and the reminder fan-out.
type Service struct {
	reg     *Registry
	prober  *Prober
	scraper Scraper
	notify  dispatcher
	store   Store
	spawner Spawner
	metrics *Metrics
	log     logx.Logger

	interval time.Duration
	stagger  time.Duration

	saveMu sync.Mutex

	mu      sync.Mutex
	root    context.Context
	cancel  context.CancelFunc
	started bool
}

func NewService(opt Options) *Service {
	log := opt.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	if opt.PollInterval <= 0 {
		opt.PollInterval = DefaultPollInterval
	}
	if opt.ProbeTimeout <= 0 {
		opt.ProbeTimeout = DefaultProbeTimeout
	}
	if opt.DetailsTimeout <= 0 {
		opt.DetailsTimeout = DefaultDetailsTimeout
	}
	if opt.StartupStagger < 0 {
		opt.StartupStagger = 0
	}
	if opt.Formatter == nil {
		opt.Formatter = PlainFormatter{}
	}
	if opt.Spawner == nil {
		opt.Spawner = goSpawner{}
	}

	return &Service{
		reg:      NewRegistry(),
		prober:   NewProber(opt.Scraper, opt.ProbeTimeout, opt.DetailsTimeout, log.With(logx.String("comp", "probe")), opt.Metrics),
		scraper:  opt.Scraper,
		notify:   dispatcher{sink: opt.Sink, format: opt.Formatter, log: log.With(logx.String("comp", "notify")), metrics: opt.Metrics},
		store:    opt.Store,
		spawner:  opt.Spawner,
		metrics:  opt.Metrics,
		log:      log,
		interval: opt.PollInterval,
		stagger:  opt.StartupStagger,
		root:     context.Background(),
	}
}

// Registry exposes the underlying registry for read-only inspection.
func (s *Service) Registry() *Registry { return s.reg }

// Start loads persisted state and spawns one worker per record. Workers are
// started group by group with the configured stagger; Start itself returns
// once the state is loaded.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.root, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.started = true
	root := s.root
	s.mu.Unlock()

	if s.store != nil {
		doc, err := s.store.LoadDocument(ctx)
		if err != nil {
			return fmt.Errorf("load registry: %w", err)
		}
		n := s.reg.Seed(Decode(doc))
		s.log.Info("registry loaded", logx.Int("records", n), logx.Int("channels", len(doc.Channels)))
	}
	s.refreshGauge()

	keys := groupedKeys(s.reg.Snapshot())
	if len(keys) == 0 {
		return nil
	}
	s.spawner.Go("tracker.reconcile", func(context.Context) error {
		return s.reconcile(root, keys)
	})
	return nil
}

func groupedKeys(st State) [][]Key {
	byGroup := map[GroupID][]Key{}
	var groups []GroupID
	for _, r := range st.Records {
		if _, ok := byGroup[r.Group]; !ok {
			groups = append(groups, r.Group)
		}
		byGroup[r.Group] = append(byGroup[r.Group], r.Key())
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i] < groups[j] })
	out := make([][]Key, 0, len(groups))
	for _, g := range groups {
		out = append(out, byGroup[g])
	}
	return out
}

func (s *Service) reconcile(ctx context.Context, groups [][]Key) error {
	for i, keys := range groups {
		if i > 0 && !sleepCtx(ctx, s.stagger) {
			return nil
		}
		for _, k := range keys {
			l := newLease(ctx, k)
			if err := s.reg.Attach(k, l); err != nil {
				l.cancel()
				continue
			}
			s.startWorker(l)
		}
		s.log.Info("group workers started", logx.Int64("group", int64(keys[0].Group)), logx.Int("records", len(keys)))
	}
	return nil
}

func (s *Service) startWorker(l *lease) {
	w := &worker{
		lease:    l,
		reg:      s.reg,
		scraper:  s.scraper,
		notify:   s.notify,
		interval: s.interval,
		log:      s.log.With(logx.String("comp", "worker"), logx.String("key", l.key.String())),
		metrics:  s.metrics,
	}
	s.spawner.Go("worker:"+l.key.String(), func(context.Context) error { return w.run() })
}

// Track subscribes sub to code in group g, probing and starting a worker if
// the record is new.
func (s *Service) Track(ctx context.Context, g GroupID, sub SubscriberID, rawCode string) (TrackResult, error) {
	code, err := NormalizeCode(rawCode)
	if err != nil {
		return 0, err
	}
	k := Key{Group: g, Code: code}

	res, err := s.reg.AddSubscriber(k, sub)
	if err != nil {
		return 0, err
	}
	if res == AlreadyTracked {
		s.save(ctx, "track")
		return TrackJoined, nil
	}

	snap, err := s.prober.Probe(ctx, code)
	if err != nil {
		var pe *ProbeError
		if errors.As(err, &pe) {
			return 0, fmt.Errorf("%w: %w", ErrBusy, err)
		}
		return 0, err
	}

	s.mu.Lock()
	root := s.root
	s.mu.Unlock()

	l := newLease(root, k)
	created, err := s.reg.CreateRecord(k, snap, sub, l)
	if err != nil {
		l.cancel()
		return 0, err
	}

	var out TrackResult
	switch created {
	case Joined:
		l.cancel()
		out = TrackJoined
	case Revived:
		s.startWorker(l)
		out = TrackRevived
	default:
		s.startWorker(l)
		out = TrackStarted
	}
	s.log.Info("track",
		logx.String("key", k.String()),
		logx.Int64("subscriber", int64(sub)),
		logx.String("result", out.String()),
		logx.OptInt("enrolled", snap.Enrolled),
		logx.OptInt("capacity", snap.Capacity),
	)
	s.save(ctx, "track")
	return out, nil
}

// Untrack removes sub from code in group g. The record and its worker go
// away with the last subscriber.
func (s *Service) Untrack(ctx context.Context, g GroupID, sub SubscriberID, rawCode string) error {
	code, err := NormalizeCode(rawCode)
	if err != nil {
		return ErrNotTracked
	}
	k := Key{Group: g, Code: code}

	res, err := s.reg.RemoveSubscriber(k, sub)
	if err != nil {
		return err
	}
	s.log.Info("untrack",
		logx.String("key", k.String()),
		logx.Int64("subscriber", int64(sub)),
		logx.Bool("deleted", res.Deleted),
	)
	s.save(ctx, "untrack")
	return nil
}

func (s *Service) BindChannel(ctx context.Context, g GroupID, ch Channel) error {
	s.reg.BindChannel(g, ch)
	s.log.Info("channel bound", logx.Int64("group", int64(g)), logx.Int64("chat", ch.ChatID), logx.Int("thread", ch.ThreadID))
	s.save(ctx, "bind")
	return nil
}

// Channel returns the notification target bound to g.
func (s *Service) Channel(g GroupID) (Channel, bool) {
	return s.reg.Channel(g)
}

func (s *Service) ListTracked(g GroupID) []Record {
	return s.reg.List(g)
}

// Checkpoint persists live status fields that workers update without saving.
func (s *Service) Checkpoint(ctx context.Context) error {
	return s.saveErr(ctx, "checkpoint")
}

func (s *Service) save(ctx context.Context, reason string) {
	if err := s.saveErr(ctx, reason); err != nil {
		s.log.Warn("registry save failed", logx.String("reason", reason), logx.Err(err))
	}
}

func (s *Service) saveErr(ctx context.Context, reason string) error {
	s.refreshGauge()
	if s.store == nil {
		return nil
	}
	// snapshot inside saveMu so an older snapshot never overwrites a newer one
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	doc := Encode(s.reg.Snapshot())
	doc.SavedAt = time.Now()
	if err := s.store.SaveDocument(context.WithoutCancel(ctx), doc); err != nil {
		s.metrics.save("error")
		return err
	}
	s.metrics.save("ok")
	s.log.Debug("registry saved", logx.String("reason", reason), logx.Int("records", len(doc.Records)))
	return nil
}

func (s *Service) refreshGauge() {
	n, _ := s.reg.Len()
	s.metrics.setRecords(n)
}

// Stop cancels every worker, waits for their sessions to close (bounded by
// ctx) and writes a final save.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	dones := s.reg.Close()
	if cancel != nil {
		cancel()
	}

	eg, ectx := errgroup.WithContext(ctx)
	for _, done := range dones {
		eg.Go(func() error {
			select {
			case <-done:
				return nil
			case <-ectx.Done():
				return ectx.Err()
			}
		})
	}
	waitErr := eg.Wait()
	if waitErr != nil {
		s.log.Warn("workers did not stop in time", logx.Err(waitErr))
	}

	if err := s.saveErr(ctx, "shutdown"); err != nil {
		return errors.Join(waitErr, err)
	}
	return waitErr
}
