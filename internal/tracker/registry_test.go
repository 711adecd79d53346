package tracker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intp(v int) *int { return &v }

func createForTest(t *testing.T, r *Registry, k Key, capacity *int, sub SubscriberID) *lease {
	t.Helper()
	l := newLease(context.Background(), k)
	res, err := r.CreateRecord(k, Snapshot{Code: k.Code, Name: "Course", Capacity: capacity}, sub, l)
	require.NoError(t, err)
	require.Equal(t, Created, res)
	return l
}

func TestEdgeTrigger(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	k := Key{Group: 1, Code: "CS1001"}
	r.BindChannel(1, Channel{ChatID: 100})
	l := createForTest(t, r, k, intp(10), 7)

	notices := 0
	update := func(enrolled *int) {
		n, err := r.UpdateStatus(k, l.gen, StatusUpdate{Name: "Course", Enrolled: enrolled})
		require.NoError(t, err)
		if n != nil {
			notices++
			assert.Equal(t, NoticeAvailable, n.Kind)
			assert.Equal(t, Channel{ChatID: 100}, n.Channel)
			assert.Equal(t, []SubscriberID{7}, n.Subscribers)
		}
	}
	notified := func() bool {
		rec, _ := r.current(k, l.gen)
		return rec.Notified
	}

	update(intp(5))
	assert.True(t, notified())
	assert.Equal(t, 1, notices)

	update(intp(6))
	assert.Equal(t, 1, notices, "still available must not notify again")

	update(intp(10))
	assert.False(t, notified())
	assert.Equal(t, 1, notices)

	update(intp(3))
	assert.True(t, notified())
	assert.Equal(t, 2, notices)

	update(nil)
	assert.True(t, notified(), "unknown enrolled is inconclusive")
	assert.Equal(t, 2, notices)
}

func TestEdgeTriggerUnknownCapacity(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	k := Key{Group: 1, Code: "CS1001"}
	l := createForTest(t, r, k, nil, 7)

	n, err := r.UpdateStatus(k, l.gen, StatusUpdate{Enrolled: intp(0)})
	require.NoError(t, err)
	assert.Nil(t, n)
	rec, _ := r.current(k, l.gen)
	assert.False(t, rec.Notified)
}

func TestAddCreateRemoveInvariant(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	k := Key{Group: 1, Code: "CS1001"}

	res, err := r.AddSubscriber(k, 1)
	require.NoError(t, err)
	assert.Equal(t, NeedsCreate, res)
	checkInvariant(t, r)

	createForTest(t, r, k, intp(10), 1)
	checkInvariant(t, r)

	res, err = r.AddSubscriber(k, 2)
	require.NoError(t, err)
	assert.Equal(t, AlreadyTracked, res)
	res, err = r.AddSubscriber(k, 2)
	require.NoError(t, err)
	assert.Equal(t, AlreadyTracked, res)

	// a racing creator loses and is merged
	loser := newLease(context.Background(), k)
	created, err := r.CreateRecord(k, Snapshot{Code: k.Code}, 3, loser)
	require.NoError(t, err)
	assert.Equal(t, Joined, created)
	checkInvariant(t, r)

	list := r.List(1)
	require.Len(t, list, 1)
	assert.Equal(t, []SubscriberID{1, 2, 3}, list[0].SubscriberList())

	_, err = r.RemoveSubscriber(k, 99)
	assert.ErrorIs(t, err, ErrNotTracked)

	for _, sub := range []SubscriberID{1, 2} {
		rm, err := r.RemoveSubscriber(k, sub)
		require.NoError(t, err)
		assert.False(t, rm.Deleted)
		checkInvariant(t, r)
	}

	winner := r.leases[k]
	rm, err := r.RemoveSubscriber(k, 3)
	require.NoError(t, err)
	assert.True(t, rm.Deleted)
	assert.Error(t, winner.ctx.Err(), "worker lease must be cancelled")
	assert.Empty(t, r.List(1))
	checkInvariant(t, r)

	_, err = r.RemoveSubscriber(k, 3)
	assert.ErrorIs(t, err, ErrNotTracked)
}

func TestUpdateStatusGone(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	k := Key{Group: 1, Code: "CS1001"}
	l := createForTest(t, r, k, intp(10), 1)

	_, err := r.RemoveSubscriber(k, 1)
	require.NoError(t, err)

	_, err = r.UpdateStatus(k, l.gen, StatusUpdate{Enrolled: intp(1)})
	assert.ErrorIs(t, err, ErrGone)

	// a newer worker for the same key makes the old generation stale
	l2 := createForTest(t, r, k, intp(10), 1)
	_, err = r.UpdateStatus(k, l.gen, StatusUpdate{Enrolled: intp(1)})
	assert.ErrorIs(t, err, ErrGone)
	_, err = r.UpdateStatus(k, l2.gen, StatusUpdate{Enrolled: intp(1)})
	assert.NoError(t, err)
}

func TestMarkFailedAndRevive(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	k := Key{Group: 1, Code: "CS1001"}
	r.BindChannel(1, Channel{ChatID: 100, ThreadID: 4})
	l := createForTest(t, r, k, intp(10), 1)

	n, err := r.MarkFailed(k, l.gen, errors.New("navigation timeout"))
	require.NoError(t, err)
	assert.Equal(t, NoticeInitFailed, n.Kind)
	assert.Equal(t, "navigation timeout", n.Err)
	assert.Equal(t, Channel{ChatID: 100, ThreadID: 4}, n.Channel)
	checkInvariant(t, r)

	res, err := r.AddSubscriber(k, 2)
	require.NoError(t, err)
	assert.Equal(t, NeedsCreate, res)

	l2 := newLease(context.Background(), k)
	created, err := r.CreateRecord(k, Snapshot{Code: k.Code, Name: "Renamed", Capacity: intp(20)}, 2, l2)
	require.NoError(t, err)
	assert.Equal(t, Revived, created)
	assert.Error(t, l.ctx.Err())
	checkInvariant(t, r)

	rec := r.List(1)[0]
	assert.Equal(t, StatusInitializing, rec.Status)
	assert.Empty(t, rec.LastError)
	assert.Equal(t, "Renamed", rec.Name)
	assert.Equal(t, 20, *rec.Capacity)
	assert.Equal(t, []SubscriberID{1, 2}, rec.SubscriberList())
}

func TestSnapshotIsACopy(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	k := Key{Group: 1, Code: "CS1001"}
	createForTest(t, r, k, intp(10), 1)

	st := r.Snapshot()
	st.Records[0].Subscribers[42] = struct{}{}
	*st.Records[0].Capacity = 99

	rec := r.List(1)[0]
	assert.Len(t, rec.Subscribers, 1)
	assert.Equal(t, 10, *rec.Capacity)
}

func TestCloseCancelsAndRejects(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	l := createForTest(t, r, Key{Group: 1, Code: "CS1001"}, intp(10), 1)
	dones := r.Close()
	assert.Len(t, dones, 1)
	assert.Error(t, l.ctx.Err())

	_, err := r.AddSubscriber(Key{Group: 1, Code: "CS1002"}, 1)
	assert.ErrorIs(t, err, ErrClosed)
}
