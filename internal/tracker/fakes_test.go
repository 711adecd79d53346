package tracker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logx "seatwatch/pkg/logx"
)

var errNav = errors.New("navigation timeout")

type fakeScraper struct {
	mu        sync.Mutex
	rows      map[string][]Row
	details   map[string]string
	openErr   error
	searchErr func(session int, code string) error
	rowsErrs  int

	opened int
	open   int
}

func newFakeScraper() *fakeScraper {
	return &fakeScraper{rows: map[string][]Row{}, details: map[string]string{}}
}

func courseRow(code string, enrolled, capacity int) Row {
	return Row{
		Code:           code,
		Name:           "Course " + code,
		Presenter:      "Teacher",
		EnrollmentText: fmt.Sprintf("%d/%d", capacity, enrolled),
		Schedule:       "M3 M4",
		Location:       "TR-313",
		Remark:         fmt.Sprintf("／限%d人", capacity),
	}
}

func (f *fakeScraper) setRows(code string, rows ...Row) {
	f.mu.Lock()
	f.rows[code] = rows
	f.mu.Unlock()
}

func (f *fakeScraper) setSearchErr(fn func(session int, code string) error) {
	f.mu.Lock()
	f.searchErr = fn
	f.mu.Unlock()
}

func (f *fakeScraper) failRows(n int) {
	f.mu.Lock()
	f.rowsErrs = n
	f.mu.Unlock()
}

func (f *fakeScraper) openSessions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeScraper) OpenSession(ctx context.Context) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.opened++
	f.open++
	return &fakeSession{f: f, idx: f.opened}, nil
}

type fakeSession struct {
	f      *fakeScraper
	idx    int
	code   string
	closed bool
}

func (s *fakeSession) Search(ctx context.Context, code string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	s.code = code
	if s.f.searchErr != nil {
		return s.f.searchErr(s.idx, code)
	}
	return nil
}

func (s *fakeSession) Rows(ctx context.Context) ([]Row, error) {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	if s.f.rowsErrs > 0 {
		s.f.rowsErrs--
		return nil, errNav
	}
	return append([]Row(nil), s.f.rows[s.code]...), nil
}

func (s *fakeSession) TriggerDetails(ctx context.Context) (bool, error) {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	_, ok := s.f.details[s.code]
	return ok, nil
}

func (s *fakeSession) DetailsText(ctx context.Context) (string, bool, error) {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	txt, ok := s.f.details[s.code]
	return txt, ok, nil
}

func (s *fakeSession) Close() error {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	if s.closed {
		return errors.New("double close")
	}
	s.closed = true
	s.f.open--
	return nil
}

type sentMsg struct {
	ch   Channel
	text string
}

type recordingSink struct {
	mu   sync.Mutex
	msgs []sentMsg
}

func (r *recordingSink) Send(ctx context.Context, ch Channel, text string) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, sentMsg{ch: ch, text: text})
	r.mu.Unlock()
	return nil
}

func (r *recordingSink) count(substr string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.msgs {
		if strings.Contains(m.text, substr) {
			n++
		}
	}
	return n
}

type testEnv struct {
	svc     *Service
	scraper *fakeScraper
	sink    *recordingSink
}

func newTestEnv(t *testing.T, store Store) *testEnv {
	t.Helper()
	return newTestEnvWith(t, store, nil)
}

// newTestEnvWith lets setup configure the scraper before restored workers
// start.
func newTestEnvWith(t *testing.T, store Store, setup func(*fakeScraper)) *testEnv {
	t.Helper()
	sc := newFakeScraper()
	if setup != nil {
		setup(sc)
	}
	sink := &recordingSink{}
	svc := NewService(Options{
		Scraper:        sc,
		Sink:           sink,
		Store:          store,
		Log:            logx.Nop(),
		PollInterval:   5 * time.Millisecond,
		ProbeTimeout:   time.Second,
		DetailsTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Stop(ctx)
	})
	return &testEnv{svc: svc, scraper: sc, sink: sink}
}

func (e *testEnv) record(t *testing.T, g GroupID, code string) (Record, bool) {
	t.Helper()
	for _, r := range e.svc.ListTracked(g) {
		if r.Code == code {
			return r, true
		}
	}
	return Record{}, false
}

// checkInvariant asserts that records and leases match one to one and that
// no record is left without subscribers.
func checkInvariant(t *testing.T, r *Registry) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for g, gs := range r.groups {
		for code, rec := range gs.records {
			n++
			require.NotEmpty(t, rec.Subscribers, "record %d/%s has no subscribers", g, code)
			_, ok := r.leases[Key{Group: g, Code: code}]
			require.True(t, ok, "record %d/%s has no lease", g, code)
		}
	}
	require.Len(t, r.leases, n)
}
