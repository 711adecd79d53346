package browser

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"

	"seatwatch/internal/tracker"
)

const (
	inputSel = `input[type='text']`
	tableSel = `.v-datatable`
)

// rowsJS reads result rows. Rows with 10 cells or fewer are layout rows
// (headers, "no data") and are skipped.
const rowsJS = `(() => {
	const table = document.querySelector(".v-datatable");
	if (!table) return [];
	const out = [];
	table.querySelectorAll("tbody tr").forEach(row => {
		const c = row.querySelectorAll("td");
		if (c.length <= 10) return;
		const t = i => (c[i] ? c[i].innerText.trim() : "");
		out.push({code: t(0), name: t(2), presenter: t(6), enrollment: t(7), schedule: t(8), location: t(9), remark: t(10)});
	});
	return out;
})()`

// detailsTriggerJS clicks the first row's detail affordance, if any.
const detailsTriggerJS = `(() => {
	const row = document.querySelector(".v-datatable tbody tr");
	if (!row) return false;
	const el = row.querySelector("button, a[href], .v-btn");
	if (!el) return false;
	el.click();
	return true;
})()`

const detailsTextJS = `(() => {
	const d = document.querySelector(".v-dialog--active, .v-dialog__content--active");
	return d ? d.innerText : "";
})()`

type rowJSON struct {
	Code       string `json:"code"`
	Name       string `json:"name"`
	Presenter  string `json:"presenter"`
	Enrollment string `json:"enrollment"`
	Schedule   string `json:"schedule"`
	Location   string `json:"location"`
	Remark     string `json:"remark"`
}

func (r rowJSON) row() tracker.Row {
	return tracker.Row{
		Code:           r.Code,
		Name:           r.Name,
		Presenter:      r.Presenter,
		EnrollmentText: r.Enrollment,
		Schedule:       r.Schedule,
		Location:       r.Location,
		Remark:         r.Remark,
	}
}

// Session is one browser tab. It is not safe for concurrent use; the
// tracker gives each worker or probe its own.
type Session struct {
	cfg    Config
	tab    context.Context
	cancel context.CancelFunc
	owner  *Scraper

	navigated bool
	lastCode  string
	closeOnce sync.Once
}

// run executes actions on the tab, bounded by timeout and by ctx. The tab
// must already be attached (see startGuarded).
func (s *Session) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	rctx, cancel := context.WithTimeout(s.tab, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	err := chromedp.Run(rctx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (s *Session) Search(ctx context.Context, code string) error {
	if !s.navigated {
		if err := s.run(ctx, s.cfg.NavigateTimeout,
			chromedp.Navigate(s.cfg.QueryURL),
			chromedp.WaitVisible(inputSel, chromedp.ByQuery),
		); err != nil {
			return err
		}
		s.navigated = true
	}

	var actions []chromedp.Action
	if code != s.lastCode {
		actions = append(actions,
			chromedp.SetValue(inputSel, "", chromedp.ByQuery),
			chromedp.SendKeys(inputSel, code, chromedp.ByQuery),
		)
	}
	actions = append(actions,
		chromedp.SendKeys(inputSel, kb.Enter, chromedp.ByQuery),
		chromedp.WaitVisible(tableSel, chromedp.ByQuery),
	)
	if err := s.run(ctx, s.cfg.ResultTimeout, actions...); err != nil {
		return err
	}
	s.lastCode = code
	return nil
}

func (s *Session) Rows(ctx context.Context) ([]tracker.Row, error) {
	var raw []rowJSON
	if err := s.run(ctx, s.cfg.ResultTimeout, chromedp.Evaluate(rowsJS, &raw)); err != nil {
		return nil, err
	}
	out := make([]tracker.Row, 0, len(raw))
	for _, r := range raw {
		out = append(out, r.row())
	}
	return out, nil
}

func (s *Session) TriggerDetails(ctx context.Context) (bool, error) {
	var clicked bool
	if err := s.run(ctx, s.cfg.ResultTimeout, chromedp.Evaluate(detailsTriggerJS, &clicked)); err != nil {
		return false, err
	}
	return clicked, nil
}

// DetailsText polls for the details dialog until ctx is done.
func (s *Session) DetailsText(ctx context.Context) (string, bool, error) {
	t := time.NewTicker(250 * time.Millisecond)
	defer t.Stop()
	for {
		var text string
		if err := s.run(ctx, s.cfg.ResultTimeout, chromedp.Evaluate(detailsTextJS, &text)); err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return "", false, nil
			}
			return "", false, err
		}
		if text = strings.TrimSpace(text); text != "" {
			_ = s.run(ctx, time.Second, chromedp.KeyEvent(kb.Escape))
			return text, true, nil
		}
		select {
		case <-ctx.Done():
			return "", false, nil
		case <-t.C:
		}
	}
}

// Close closes the tab.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.owner.open.Add(-1)
	})
	return nil
}
