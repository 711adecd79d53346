package tracker

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	logx "seatwatch/pkg/logx"
)

var codeRe = regexp.MustCompile(`^[A-Z0-9]{4,16}$`)

// NormalizeCode folds full-width input, trims it and upper-cases it.
// ErrInvalidCode is returned for anything that cannot be a course code.
func NormalizeCode(raw string) (string, error) {
	code := strings.ToUpper(strings.TrimSpace(normalizeText(raw)))
	if !codeRe.MatchString(code) {
		return "", ErrInvalidCode
	}
	return code, nil
}

// Prober performs one-shot validate-and-snapshot lookups. Concurrent probes
// for the same code share one browser session.
type Prober struct {
	scraper        Scraper
	timeout        time.Duration
	detailsTimeout time.Duration
	log            logx.Logger
	metrics        *Metrics

	flight singleflight.Group
}

func NewProber(s Scraper, timeout, detailsTimeout time.Duration, log logx.Logger, m *Metrics) *Prober {
	return &Prober{scraper: s, timeout: timeout, detailsTimeout: detailsTimeout, log: log, metrics: m}
}

// Probe returns the first row for code. It fails with ErrNotFound when the
// query has no rows and with *ProbeError on any scraping fault.
func (p *Prober) Probe(ctx context.Context, code string) (Snapshot, error) {
	ch := p.flight.DoChan(code, func() (any, error) {
		// detached so one caller's cancellation does not fail the others
		pctx := context.WithoutCancel(ctx)
		if p.timeout > 0 {
			var cancel context.CancelFunc
			pctx, cancel = context.WithTimeout(pctx, p.timeout)
			defer cancel()
		}
		return p.probe(pctx, code)
	})

	select {
	case <-ctx.Done():
		return Snapshot{}, &ProbeError{Code: code, Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return Snapshot{}, res.Err
		}
		return res.Val.(Snapshot), nil
	}
}

func (p *Prober) probe(ctx context.Context, code string) (snap Snapshot, err error) {
	start := time.Now()
	defer func() {
		result := "ok"
		switch {
		case errors.Is(err, ErrNotFound):
			result = "not_found"
		case err != nil:
			result = "error"
		}
		p.metrics.probe(result, time.Since(start))
		p.log.Debug("probe finished",
			logx.String("code", code),
			logx.String("result", result),
			logx.Duration("took", time.Since(start)),
			logx.Err(err),
		)
	}()

	sess, err := p.scraper.OpenSession(ctx)
	if err != nil {
		return Snapshot{}, &ProbeError{Code: code, Err: err}
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			p.log.Debug("probe session close failed", logx.String("code", code), logx.Err(cerr))
		}
	}()

	if err := sess.Search(ctx, code); err != nil {
		return Snapshot{}, &ProbeError{Code: code, Err: err}
	}
	rows, err := sess.Rows(ctx)
	if err != nil {
		return Snapshot{}, &ProbeError{Code: code, Err: err}
	}
	row, ok := pickRow(rows, code)
	if !ok {
		return Snapshot{}, ErrNotFound
	}

	snap = Snapshot{
		Code:      strings.TrimSpace(row.Code),
		Name:      row.Name,
		Presenter: row.Presenter,
		Schedule:  row.Schedule,
		Location:  row.Location,
		Remark:    row.Remark,
	}
	if n, ok := ExtractEnrolled(row.EnrollmentText); ok {
		snap.Enrolled = &n
	}
	if n, ok := ExtractCapacityPrecise(ctx, sess, row.Remark, p.detailsTimeout); ok {
		snap.Capacity = &n
	}
	return snap, nil
}

// pickRow prefers an exact code match and otherwise takes the first row.
func pickRow(rows []Row, code string) (Row, bool) {
	if len(rows) == 0 {
		return Row{}, false
	}
	for _, r := range rows {
		if strings.EqualFold(strings.TrimSpace(r.Code), code) {
			return r, true
		}
	}
	return rows[0], true
}
