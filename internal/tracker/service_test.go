package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func (e *testEnv) waitStatus(t *testing.T, g GroupID, code string, want Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		r, ok := e.record(t, g, code)
		return ok && r.Status == want
	}, waitFor, tick, "status of %s never became %s", code, want)
}

func TestTrackNotifiesOnEachTransition(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newTestEnv(t, nil)
	e.scraper.setRows("CS1001", courseRow("CS1001", 40, 40))
	require.NoError(t, e.svc.BindChannel(ctx, 1, Channel{ChatID: 100}))

	res, err := e.svc.Track(ctx, 1, 7, "cs1001")
	require.NoError(t, err)
	assert.Equal(t, TrackStarted, res)

	rec, ok := e.record(t, 1, "CS1001")
	require.True(t, ok)
	require.NotNil(t, rec.Capacity)
	assert.Equal(t, 40, *rec.Capacity)
	assert.Equal(t, "Course CS1001", rec.Name)

	e.waitStatus(t, 1, "CS1001", StatusPolling)
	assert.Zero(t, e.sink.count("Enrolled:"))

	e.scraper.setRows("CS1001", courseRow("CS1001", 39, 40))
	require.Eventually(t, func() bool { return e.sink.count("Enrolled:") == 1 }, waitFor, tick)
	assert.Never(t, func() bool { return e.sink.count("Enrolled:") > 1 }, 50*time.Millisecond, tick)

	e.scraper.setRows("CS1001", courseRow("CS1001", 40, 40))
	require.Eventually(t, func() bool {
		r, _ := e.record(t, 1, "CS1001")
		return !r.Notified && r.Enrolled != nil && *r.Enrolled == 40
	}, waitFor, tick)

	e.scraper.setRows("CS1001", courseRow("CS1001", 38, 40))
	require.Eventually(t, func() bool { return e.sink.count("Enrolled:") == 2 }, waitFor, tick)

	e.sink.mu.Lock()
	last := e.sink.msgs[len(e.sink.msgs)-1]
	e.sink.mu.Unlock()
	assert.Equal(t, Channel{ChatID: 100}, last.ch)
	assert.Contains(t, last.text, "@7")
	assert.Contains(t, last.text, "38/40")
}

func TestWorkerSurvivesTransientErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newTestEnv(t, nil)
	e.scraper.setRows("CS1001", courseRow("CS1001", 40, 40))
	require.NoError(t, e.svc.BindChannel(ctx, 1, Channel{ChatID: 100}))

	_, err := e.svc.Track(ctx, 1, 7, "CS1001")
	require.NoError(t, err)
	e.waitStatus(t, 1, "CS1001", StatusPolling)

	e.scraper.failRows(3)
	e.scraper.setRows("CS1001")
	time.Sleep(20 * time.Millisecond)
	e.scraper.setRows("CS1001", courseRow("CS1001", 10, 40))

	require.Eventually(t, func() bool { return e.sink.count("Enrolled:") == 1 }, waitFor, tick)
	rec, ok := e.record(t, 1, "CS1001")
	require.True(t, ok)
	assert.Equal(t, StatusPolling, rec.Status)
	assert.Equal(t, 1, e.scraper.openSessions())
}

func TestInitFailureIsReportedAndRevivable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newTestEnv(t, nil)
	e.scraper.setRows("CS1001", courseRow("CS1001", 40, 40))
	require.NoError(t, e.svc.BindChannel(ctx, 1, Channel{ChatID: 100}))

	// session 1 is the probe, session 2 the worker
	e.scraper.setSearchErr(func(session int, code string) error {
		if session == 2 {
			return errNav
		}
		return nil
	})

	res, err := e.svc.Track(ctx, 1, 7, "CS1001")
	require.NoError(t, err)
	assert.Equal(t, TrackStarted, res)

	e.waitStatus(t, 1, "CS1001", StatusFailed)
	require.Eventually(t, func() bool { return e.sink.count("Could not start tracking") == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return e.scraper.openSessions() == 0 }, waitFor, tick)

	rec, _ := e.record(t, 1, "CS1001")
	assert.Contains(t, rec.LastError, errNav.Error())
	checkInvariant(t, e.svc.Registry())

	e.scraper.setSearchErr(nil)
	res, err = e.svc.Track(ctx, 1, 8, "CS1001")
	require.NoError(t, err)
	assert.Equal(t, TrackRevived, res)

	e.waitStatus(t, 1, "CS1001", StatusPolling)
	rec, _ = e.record(t, 1, "CS1001")
	assert.Equal(t, []SubscriberID{7, 8}, rec.SubscriberList())
	assert.Empty(t, rec.LastError)
	assert.Equal(t, 1, e.sink.count("Could not start tracking"))
	checkInvariant(t, e.svc.Registry())
}

func TestUntrackLastSubscriberStopsWorker(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newTestEnv(t, nil)
	e.scraper.setRows("CS1001", courseRow("CS1001", 40, 40))

	_, err := e.svc.Track(ctx, 1, 7, "CS1001")
	require.NoError(t, err)
	res, err := e.svc.Track(ctx, 1, 8, "CS1001")
	require.NoError(t, err)
	assert.Equal(t, TrackJoined, res)
	e.waitStatus(t, 1, "CS1001", StatusPolling)
	assert.Equal(t, 1, e.scraper.openSessions())

	require.NoError(t, e.svc.Untrack(ctx, 1, 7, "CS1001"))
	rec, ok := e.record(t, 1, "CS1001")
	require.True(t, ok)
	assert.Equal(t, []SubscriberID{8}, rec.SubscriberList())
	assert.Equal(t, 1, e.scraper.openSessions())

	require.NoError(t, e.svc.Untrack(ctx, 1, 8, "cs1001"))
	_, ok = e.record(t, 1, "CS1001")
	assert.False(t, ok)
	require.Eventually(t, func() bool { return e.scraper.openSessions() == 0 }, waitFor, tick)
	checkInvariant(t, e.svc.Registry())

	assert.ErrorIs(t, e.svc.Untrack(ctx, 1, 8, "CS1001"), ErrNotTracked)
	assert.ErrorIs(t, e.svc.Untrack(ctx, 1, 8, "not a code"), ErrNotTracked)
}

func TestConcurrentTrackCreatesOneWorker(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newTestEnv(t, nil)
	e.scraper.setRows("CS1001", courseRow("CS1001", 40, 40))

	const n = 10
	results := make([]TrackResult, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.svc.Track(ctx, 1, SubscriberID(i+1), "CS1001")
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	wg.Wait()

	started := 0
	for _, r := range results {
		if r == TrackStarted {
			started++
		}
	}
	assert.Equal(t, 1, started)

	list := e.svc.ListTracked(1)
	require.Len(t, list, 1)
	assert.Len(t, list[0].Subscribers, n)
	checkInvariant(t, e.svc.Registry())

	e.waitStatus(t, 1, "CS1001", StatusPolling)
	require.Eventually(t, func() bool { return e.scraper.openSessions() == 1 }, waitFor, tick)
}

func TestTrackErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newTestEnv(t, nil)

	_, err := e.svc.Track(ctx, 1, 7, "??")
	assert.ErrorIs(t, err, ErrInvalidCode)

	_, err = e.svc.Track(ctx, 1, 7, "XX9999")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, e.svc.ListTracked(1))
	assert.Zero(t, e.scraper.openSessions())

	e.scraper.setRows("CS1001", courseRow("CS1001", 40, 40))
	e.scraper.setSearchErr(func(int, string) error { return errNav })
	_, err = e.svc.Track(ctx, 1, 7, "CS1001")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBusy)
	assert.ErrorIs(t, err, errNav)
	var pe *ProbeError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "CS1001", pe.Code)
	assert.Empty(t, e.svc.ListTracked(1))
	assert.Zero(t, e.scraper.openSessions())
	checkInvariant(t, e.svc.Registry())
}

func TestTrackPicksExactRow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newTestEnv(t, nil)
	e.scraper.setRows("CS1001", courseRow("CS1001X", 1, 10), courseRow("CS1001", 40, 40))

	_, err := e.svc.Track(ctx, 1, 7, "CS1001")
	require.NoError(t, err)
	rec, _ := e.record(t, 1, "CS1001")
	require.NotNil(t, rec.Enrolled)
	assert.Equal(t, 40, *rec.Enrolled)
}

func TestRemindOnlyAvailableWithChannel(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newTestEnv(t, nil)
	e.scraper.setRows("CS1001", courseRow("CS1001", 10, 40))
	e.scraper.setRows("CS1002", courseRow("CS1002", 40, 40))
	require.NoError(t, e.svc.BindChannel(ctx, 1, Channel{ChatID: 100}))

	for _, code := range []string{"CS1001", "CS1002"} {
		_, err := e.svc.Track(ctx, 1, 7, code)
		require.NoError(t, err)
	}
	// group 2 has an available record but no channel
	_, err := e.svc.Track(ctx, 2, 7, "CS1001")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		a, _ := e.record(t, 1, "CS1001")
		b, _ := e.record(t, 2, "CS1001")
		return a.Notified && b.Notified
	}, waitFor, tick)

	assert.Equal(t, 1, e.svc.Remind(ctx))
	assert.Equal(t, 1, e.sink.count("still has a free seat"))
	assert.Equal(t, 1, e.sink.count("CS1001 Course CS1001 still"))
}

func TestStopClosesEverySession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newTestEnv(t, nil)
	for i := range 3 {
		code := fmt.Sprintf("CS100%d", i)
		e.scraper.setRows(code, courseRow(code, 40, 40))
		_, err := e.svc.Track(ctx, 1, 7, code)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return e.scraper.openSessions() == 3 }, waitFor, tick)

	stopCtx, cancel := context.WithTimeout(ctx, waitFor)
	defer cancel()
	require.NoError(t, e.svc.Stop(stopCtx))
	assert.Zero(t, e.scraper.openSessions())

	_, err := e.svc.Track(ctx, 1, 7, "CS1009")
	assert.ErrorIs(t, err, ErrClosed)
}
