package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	rtsup "seatwatch/internal/runtime/supervisor"
	kit "seatwatch/internal/transport"
	logx "seatwatch/pkg/logx"
)

var (
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
	ErrNoAdapter = errors.New("notifier has no adapter")
)

const historySize = 200

type job struct {
	n        kit.Notification
	dedupKey string
}

// Service is an async delivery pipeline: queue, worker pool, rate limit,
// retry and dedup. It is safe for concurrent use.
type Service struct {
	mu        sync.Mutex
	log       logx.Logger
	adapter   kit.Adapter
	cfg       Config
	limiter   *rate.Limiter
	accepting bool
	queue     chan job
	sup       *rtsup.Supervisor
	inflight  sync.WaitGroup

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem

	queued, sent, failed, deduped, dropped atomic.Uint64
}

func New(cfg Config, adapter kit.Adapter, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{adapter: adapter, log: log, dedup: map[string]time.Time{}}
	s.applyLocked(cfg)
	return s
}

// Apply swaps pacing, retry and dedup settings. Worker and queue sizes take
// effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	s.cfg = cfg
	// burst equals the per-second rate so short spikes are absorbed
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil || !s.cfg.Enabled {
		return
	}

	q := make(chan job, s.cfg.QueueSize)
	sup := rtsup.New(ctx, rtsup.WithLogger(s.log))
	for i := range s.cfg.Workers {
		sup.Go(fmt.Sprintf("notifier.worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			return nil
		})
	}
	s.queue, s.sup, s.accepting = q, sup, true
	s.log.Debug("notifier started", logx.Int("workers", s.cfg.Workers), logx.Int("queue", s.cfg.QueueSize))
}

// Stop refuses new messages and drains the queue until ctx expires. Whatever
// is still queued then is dropped.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup := s.queue, s.sup
	if q == nil || !s.accepting {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	s.mu.Unlock()

	s.inflight.Wait()
	close(q)
	if err := sup.Wait(ctx); err != nil {
		sup.Cancel()
		s.log.Warn("notifier drain interrupted", logx.Int("left", len(q)), logx.Err(err))
	}

	s.mu.Lock()
	s.queue, s.sup = nil, nil
	s.mu.Unlock()
}

// Notify queues n for delivery. With the pipeline disabled it sends
// synchronously and returns the delivery error.
func (s *Service) Notify(ctx context.Context, n kit.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if n.Text == "" {
		return nil
	}

	s.mu.Lock()
	cfg := s.cfg
	if !cfg.Enabled {
		s.mu.Unlock()
		return s.send(ctx, job{n: n})
	}
	if !s.accepting {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	key := dedupKey(n)
	if cfg.DedupWindow > 0 && !s.dedupAllow(key, cfg.DedupWindow, cfg.DedupMaxEntries) {
		s.deduped.Add(1)
		s.log.Debug("notification deduped", logx.Int64("chat", n.Target.ChatID), logx.String("key", key))
		return nil
	}

	select {
	case q <- job{n: n, dedupKey: key}:
		s.queued.Add(1)
		return nil
	default:
		s.dropped.Add(1)
		return ErrQueueFull
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			_ = s.send(ctx, j)
		}
	}
}

func (s *Service) send(ctx context.Context, j job) error {
	s.mu.Lock()
	cfg, lim, ad := s.cfg, s.limiter, s.adapter
	s.mu.Unlock()
	if ad == nil {
		return ErrNoAdapter
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.RetryBase
	bo.MaxInterval = cfg.RetryMaxDelay
	bo.RandomizationFactor = 0.3

	var (
		err      error
		attempts int
	)
	for attempts = 1; ; attempts++ {
		if werr := lim.Wait(ctx); werr != nil {
			err = werr
			break
		}
		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		_, err = ad.SendText(callCtx, j.n.Target, j.n.Text, j.n.Options)
		cancel()
		if err == nil {
			break
		}
		var perm *backoff.PermanentError
		if errors.As(err, &perm) || attempts > cfg.RetryMax {
			break
		}
		s.log.Debug("notification send failed; retrying", logx.Int("attempt", attempts), logx.Err(err))
		wait := bo.NextBackOff()
		var ra *backoff.RetryAfterError
		if errors.As(err, &ra) && ra.Duration > wait {
			wait = ra.Duration
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			err = errors.Join(err, ctx.Err())
		case <-t.C:
			continue
		}
		break
	}

	item := HistoryItem{At: time.Now(), ChatID: j.n.Target.ChatID, ThreadID: j.n.Target.ThreadID, Text: j.n.Text, Attempts: attempts}
	if err != nil {
		item.Error = err.Error()
		s.failed.Add(1)
		s.log.Warn("notification failed",
			logx.Int64("chat", j.n.Target.ChatID),
			logx.Int("thread", j.n.Target.ThreadID),
			logx.Int("attempts", attempts),
			logx.Err(err),
		)
	} else {
		s.sent.Add(1)
	}
	s.appendHistory(item)
	return err
}

func (s *Service) appendHistory(it HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, it)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.hmu.Unlock()
}

// History returns recent deliveries, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) Stats() Stats {
	st := Stats{
		Queued:  s.queued.Load(),
		Sent:    s.sent.Load(),
		Failed:  s.failed.Load(),
		Deduped: s.deduped.Load(),
		Dropped: s.dropped.Load(),
	}
	s.mu.Lock()
	if s.queue != nil {
		st.QueueLen, st.QueueCap = len(s.queue), cap(s.queue)
	}
	s.mu.Unlock()
	return st
}

func dedupKey(n kit.Notification) string {
	if n.DedupKey != "" {
		return n.DedupKey
	}
	h := fnv.New64a()
	fmt.Fprintf(h, "%d:%d|", n.Target.ChatID, n.Target.ThreadID)
	_, _ = h.Write([]byte(n.Text))
	return fmt.Sprintf("%x", h.Sum64())
}

// dedupAllow reports whether key may be sent now and, if so, suppresses it
// for window.
func (s *Service) dedupAllow(key string, window time.Duration, maxEntries int) bool {
	now := time.Now()
	s.dmu.Lock()
	defer s.dmu.Unlock()

	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	s.dedup[key] = now.Add(window)

	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	for len(s.dedup) > maxEntries {
		var (
			oldest   string
			earliest time.Time
		)
		for k, t := range s.dedup {
			if oldest == "" || t.Before(earliest) {
				oldest, earliest = k, t
			}
		}
		delete(s.dedup, oldest)
	}
	return true
}
