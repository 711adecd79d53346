package tracker

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	logx "seatwatch/pkg/logx"
)

type workerState int

const (
	stateInitializing workerState = iota
	statePolling
	stateTerminated
)

func (s workerState) String() string {
	switch s {
	case stateInitializing:
		return "initializing"
	case statePolling:
		return "polling"
	default:
		return "terminated"
	}
}

// worker monitors one record until its lease is cancelled or the registry
// reports it gone. Transient scraping faults never end it.
type worker struct {
	lease    *lease
	reg      *Registry
	scraper  Scraper
	notify   dispatcher
	interval time.Duration
	log      logx.Logger
	metrics  *Metrics

	sess  Session
	pacer backoff.BackOff
}

func (w *worker) run() error {
	ctx := w.lease.ctx
	defer close(w.lease.done)
	defer w.closeSession()

	w.metrics.workerStarted()
	defer w.metrics.workerStopped()

	w.pacer = backoff.NewConstantBackOff(w.interval)

	state := stateInitializing
	for state != stateTerminated {
		switch state {
		case stateInitializing:
			state = w.initialize(ctx)
		case statePolling:
			state = w.poll(ctx)
		}
	}
	w.log.Debug("worker terminated", logx.String("ctx_err", errString(ctx.Err())))
	return nil
}

func (w *worker) closeSession() {
	if w.sess == nil {
		return
	}
	if err := w.sess.Close(); err != nil {
		w.log.Debug("session close failed", logx.Err(err))
	}
	w.sess = nil
}

// initialize opens the session and submits the code once. A failure here is
// reported to the record's subscribers and ends the worker without retry.
func (w *worker) initialize(ctx context.Context) workerState {
	code := w.lease.key.Code

	sess, err := w.scraper.OpenSession(ctx)
	if err == nil {
		w.sess = sess
		err = sess.Search(ctx, code)
	}
	if ctx.Err() != nil {
		return stateTerminated
	}
	if err != nil {
		w.fail(ctx, &InitError{Code: code, Err: err})
		return stateTerminated
	}

	if err := w.reg.MarkPolling(w.lease.key, w.lease.gen); err != nil {
		return stateTerminated
	}
	w.log.Info("worker polling")
	return statePolling
}

func (w *worker) fail(ctx context.Context, cause error) {
	w.log.Error("worker init failed", logx.Err(cause))
	n, err := w.reg.MarkFailed(w.lease.key, w.lease.gen, cause)
	if err != nil {
		return
	}
	w.notify.dispatch(ctx, *n)
}

// poll runs one iteration followed by the fixed delay.
func (w *worker) poll(ctx context.Context) workerState {
	err := w.iterate(ctx)
	switch {
	case errors.Is(err, ErrGone):
		w.metrics.poll("gone")
		return stateTerminated
	case ctx.Err() != nil:
		return stateTerminated
	case errors.Is(err, errNoRow):
		w.metrics.poll("no_row")
		w.log.Debug("no matching row; retrying")
	case err != nil:
		w.metrics.poll("error")
		w.log.Warn("poll failed; retrying", logx.Err(err))
	default:
		w.metrics.poll("ok")
	}

	if !sleepCtx(ctx, w.pacer.NextBackOff()) {
		return stateTerminated
	}
	return statePolling
}

func (w *worker) iterate(ctx context.Context) error {
	code := w.lease.key.Code
	if err := w.sess.Search(ctx, code); err != nil {
		return err
	}
	rows, err := w.sess.Rows(ctx)
	if err != nil {
		return err
	}
	row, ok := pickRow(rows, code)
	if !ok {
		return errNoRow
	}

	u := StatusUpdate{
		Name:      row.Name,
		Presenter: row.Presenter,
		Schedule:  row.Schedule,
		Location:  row.Location,
		Remark:    row.Remark,
	}
	if n, ok := ExtractEnrolled(row.EnrollmentText); ok {
		u.Enrolled = &n
	}

	n, err := w.reg.UpdateStatus(w.lease.key, w.lease.gen, u)
	if err != nil {
		return err
	}
	w.log.Trace("poll ok", logx.OptInt("enrolled", u.Enrolled))
	if n != nil {
		w.notify.dispatch(ctx, *n)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return strings.TrimSpace(err.Error())
}
