package tracker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seatwatch/internal/storage"
)

func TestEncodeDecode(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	st := State{
		Channels: map[GroupID]Channel{
			-200: {ChatID: -200, ThreadID: 12},
			-100: {ChatID: -100},
		},
		Records: []Record{
			{
				Group: -200, Code: "CS1001", Name: "Algorithms", Presenter: "Lin",
				Schedule: "M3 M4", Location: "TR-313", Remark: "限40人",
				Enrolled: intp(39), Capacity: intp(40), Notified: true,
				Subscribers: map[SubscriberID]struct{}{9: {}, 3: {}},
				Status:      StatusPolling, CreatedAt: at, UpdatedAt: at,
			},
			{
				Group: -100, Code: "EE2002", Name: "Circuits",
				Subscribers: map[SubscriberID]struct{}{5: {}},
				Status:      StatusFailed, LastError: "init EE2002: timeout",
			},
		},
	}

	doc := Encode(st)
	assert.Equal(t, storage.DocumentVersion, doc.Version)
	require.Len(t, doc.Channels, 2)
	assert.Equal(t, int64(-200), doc.Channels[0].Group)
	require.Len(t, doc.Records, 2)
	assert.Equal(t, []int64{3, 9}, doc.Records[0].Subscribers)
	assert.Equal(t, "polling", doc.Records[0].Status)

	got := Decode(doc)
	assert.Equal(t, st.Channels, got.Channels)
	assert.Equal(t, st.Records, got.Records)
}

func TestDecodeCollapsesDuplicates(t *testing.T) {
	t.Parallel()

	got := Decode(storage.Document{Records: []storage.RecordRow{
		{Group: 1, Code: "CS1001", Subscribers: []int64{4, 4, 2}},
	}})
	require.Len(t, got.Records, 1)
	assert.Equal(t, []SubscriberID{2, 4}, got.Records[0].SubscriberList())
}

func TestSeedSkipsOrphans(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	n := r.Seed(State{Records: []Record{
		{Group: 1, Code: "CS1001", Subscribers: map[SubscriberID]struct{}{1: {}}},
		{Group: 1, Code: "CS1002"},
	}})
	assert.Equal(t, 1, n)
	list := r.List(1)
	require.Len(t, list, 1)
	assert.Equal(t, StatusInitializing, list[0].Status)
}

func TestRestartKeepsRegistry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := storage.NewMemory()

	first := newTestEnv(t, mem)
	first.scraper.setRows("CS1001", courseRow("CS1001", 39, 40))
	require.NoError(t, first.svc.BindChannel(ctx, 1, Channel{ChatID: 100, ThreadID: 3}))
	_, err := first.svc.Track(ctx, 1, 7, "CS1001")
	require.NoError(t, err)
	_, err = first.svc.Track(ctx, 1, 8, "CS1001")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return first.sink.count("Enrolled:") == 1 }, waitFor, tick)

	stopCtx, cancel := context.WithTimeout(ctx, waitFor)
	defer cancel()
	require.NoError(t, first.svc.Stop(stopCtx))
	assert.Zero(t, first.scraper.openSessions())

	doc, err := mem.LoadDocument(ctx)
	require.NoError(t, err)
	require.Len(t, doc.Records, 1)
	assert.True(t, doc.Records[0].Notified)

	second := newTestEnv(t, mem)
	second.scraper.setRows("CS1001", courseRow("CS1001", 39, 40))

	second.waitStatus(t, 1, "CS1001", StatusPolling)
	rec, ok := second.record(t, 1, "CS1001")
	require.True(t, ok)
	assert.Equal(t, []SubscriberID{7, 8}, rec.SubscriberList())
	assert.Equal(t, 40, *rec.Capacity)
	ch, ok := second.svc.Registry().Channel(1)
	require.True(t, ok)
	assert.Equal(t, Channel{ChatID: 100, ThreadID: 3}, ch)

	// already notified before the restart
	assert.Never(t, func() bool { return second.sink.count("Enrolled:") > 0 }, 50*time.Millisecond, tick)
	checkInvariant(t, second.svc.Registry())
}

func TestCheckpointPersistsLiveStatus(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := storage.NewMemory()
	e := newTestEnv(t, mem)
	e.scraper.setRows("CS1001", courseRow("CS1001", 40, 40))

	_, err := e.svc.Track(ctx, 1, 7, "CS1001")
	require.NoError(t, err)
	e.scraper.setRows("CS1001", courseRow("CS1001", 12, 40))
	require.Eventually(t, func() bool {
		r, _ := e.record(t, 1, "CS1001")
		return r.Enrolled != nil && *r.Enrolled == 12
	}, waitFor, tick)

	require.NoError(t, e.svc.Checkpoint(ctx))
	doc, err := mem.LoadDocument(ctx)
	require.NoError(t, err)
	require.Len(t, doc.Records, 1)
	require.NotNil(t, doc.Records[0].Enrolled)
	assert.Equal(t, 12, *doc.Records[0].Enrolled)
	assert.GreaterOrEqual(t, mem.Saves(), 2)
}

func TestRestoredRecordThatFailsStopsReminding(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := storage.NewMemory()
	require.NoError(t, mem.SaveDocument(ctx, Encode(State{
		Channels: map[GroupID]Channel{1: {ChatID: 100}},
		Records: []Record{{
			Group: 1, Code: "CS1001", Name: "Course CS1001",
			Enrolled: intp(39), Capacity: intp(40), Notified: true,
			Subscribers: map[SubscriberID]struct{}{7: {}},
			Status:      StatusPolling,
		}},
	})))

	e := newTestEnvWith(t, mem, func(sc *fakeScraper) {
		sc.setSearchErr(func(int, string) error { return errNav })
	})
	e.waitStatus(t, 1, "CS1001", StatusFailed)

	rec, ok := e.record(t, 1, "CS1001")
	require.True(t, ok)
	assert.False(t, rec.Notified)
	assert.Zero(t, e.svc.Remind(ctx))
	assert.Zero(t, e.sink.count("still has a free seat"))
}
