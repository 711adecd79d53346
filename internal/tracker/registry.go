package tracker

import (
	"context"
	"sort"
	"sync"
	"time"
)

// AddResult reports what AddSubscriber did.
type AddResult int

const (
	// AlreadyTracked: the record exists and the subscriber is now in its set.
	AlreadyTracked AddResult = iota + 1
	// NeedsCreate: nothing changed; the caller must Probe then CreateRecord.
	NeedsCreate
)

// CreateResult reports what CreateRecord did.
type CreateResult int

const (
	// Created: a new record was inserted and the lease became its worker.
	Created CreateResult = iota + 1
	// Joined: a racing request created the record first; the subscriber was
	// merged and the caller's lease must be discarded.
	Joined
	// Revived: a failed record was reseeded and the lease replaced its dead
	// worker.
	Revived
)

// lease is the live handle of one monitor worker. It lives only in the
// registry's lease table and is never persisted.
type lease struct {
	key    Key
	gen    uint64
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newLease(parent context.Context, key Key) *lease {
	ctx, cancel := context.WithCancel(parent)
	return &lease{key: key, ctx: ctx, cancel: cancel, done: make(chan struct{})}
}

type groupState struct {
	channel *Channel
	records map[string]*Record
}

// Registry holds every tracked record and group binding behind a single
// mutex. Methods never perform I/O while holding it; anything that has to be
// sent is returned as a Notice.
type Registry struct {
	mu      sync.Mutex
	groups  map[GroupID]*groupState
	leases  map[Key]*lease
	nextGen uint64
	closed  bool

	now func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		groups: map[GroupID]*groupState{},
		leases: map[Key]*lease{},
		now:    time.Now,
	}
}

func (r *Registry) group(g GroupID) *groupState {
	gs, ok := r.groups[g]
	if !ok {
		gs = &groupState{records: map[string]*Record{}}
		r.groups[g] = gs
	}
	return gs
}

func (r *Registry) lookup(k Key) *Record {
	gs, ok := r.groups[k.Group]
	if !ok {
		return nil
	}
	return gs.records[k.Code]
}

func (r *Registry) notice(kind NoticeKind, rec *Record) Notice {
	n := Notice{Kind: kind, Record: rec.clone(), Subscribers: rec.SubscriberList()}
	if gs, ok := r.groups[rec.Group]; ok && gs.channel != nil {
		n.Channel = *gs.channel
	}
	return n
}

// AddSubscriber joins sub to an existing, healthy record. A failed record
// reports NeedsCreate so the caller re-probes and revives it.
func (r *Registry) AddSubscriber(k Key, sub SubscriberID) (AddResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, ErrClosed
	}

	rec := r.lookup(k)
	if rec == nil || rec.Status == StatusFailed {
		return NeedsCreate, nil
	}
	rec.Subscribers[sub] = struct{}{}
	return AlreadyTracked, nil
}

// CreateRecord inserts a record seeded from snap with l as its worker lease.
// The existence check and the insert share one critical section, so two
// racing creators end up with one record and one lease.
func (r *Registry) CreateRecord(k Key, snap Snapshot, sub SubscriberID, l *lease) (CreateResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, ErrClosed
	}

	now := r.now()
	gs := r.group(k.Group)

	if rec, ok := gs.records[k.Code]; ok {
		rec.Subscribers[sub] = struct{}{}
		if rec.Status != StatusFailed {
			return Joined, nil
		}
		applySnapshot(rec, snap)
		rec.Capacity = cloneInt(snap.Capacity)
		rec.Notified = false
		rec.Status = StatusInitializing
		rec.LastError = ""
		rec.UpdatedAt = now
		r.attachLocked(k, l)
		return Revived, nil
	}

	rec := &Record{
		Group:       k.Group,
		Code:        k.Code,
		Capacity:    cloneInt(snap.Capacity),
		Subscribers: map[SubscriberID]struct{}{sub: {}},
		Status:      StatusInitializing,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	applySnapshot(rec, snap)
	gs.records[k.Code] = rec
	r.attachLocked(k, l)
	return Created, nil
}

func applySnapshot(rec *Record, snap Snapshot) {
	rec.Name = snap.Name
	rec.Presenter = snap.Presenter
	rec.Schedule = snap.Schedule
	rec.Location = snap.Location
	rec.Remark = snap.Remark
	rec.Enrolled = cloneInt(snap.Enrolled)
}

// Attach gives a seeded record without a worker its lease. Used by startup
// reconciliation.
func (r *Registry) Attach(k Key, l *lease) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	rec := r.lookup(k)
	if rec == nil {
		return ErrGone
	}
	if _, ok := r.leases[k]; ok {
		return ErrGone
	}
	rec.Status = StatusInitializing
	rec.LastError = ""
	r.attachLocked(k, l)
	return nil
}

func (r *Registry) attachLocked(k Key, l *lease) {
	if old, ok := r.leases[k]; ok {
		old.cancel()
	}
	r.nextGen++
	l.key = k
	l.gen = r.nextGen
	r.leases[k] = l
}

// RemoveResult describes a successful RemoveSubscriber.
type RemoveResult struct {
	// Deleted is true when the last subscriber left and the record is gone.
	Deleted bool
	// WorkerDone is closed once the cancelled worker has released its
	// session. Nil unless Deleted.
	WorkerDone <-chan struct{}
}

// RemoveSubscriber drops sub from the record. Removing the last subscriber
// cancels the worker and deletes the record in the same critical section.
func (r *Registry) RemoveSubscriber(k Key, sub SubscriberID) (RemoveResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.lookup(k)
	if rec == nil {
		return RemoveResult{}, ErrNotTracked
	}
	if _, ok := rec.Subscribers[sub]; !ok {
		return RemoveResult{}, ErrNotTracked
	}
	delete(rec.Subscribers, sub)
	if len(rec.Subscribers) > 0 {
		return RemoveResult{}, nil
	}

	res := RemoveResult{Deleted: true}
	if l, ok := r.leases[k]; ok {
		l.cancel()
		res.WorkerDone = l.done
		delete(r.leases, k)
	}
	delete(r.groups[k.Group].records, k.Code)
	return res, nil
}

// current reports whether gen still owns k.
func (r *Registry) current(k Key, gen uint64) (*Record, bool) {
	rec := r.lookup(k)
	if rec == nil {
		return nil, false
	}
	l, ok := r.leases[k]
	if !ok || l.gen != gen {
		return nil, false
	}
	return rec, true
}

// UpdateStatus applies a poll result and evaluates the edge trigger. A
// non-nil Notice must be dispatched by the caller after this returns.
func (r *Registry) UpdateStatus(k Key, gen uint64, u StatusUpdate) (*Notice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.current(k, gen)
	if !ok {
		return nil, ErrGone
	}

	rec.Name = u.Name
	rec.Presenter = u.Presenter
	rec.Schedule = u.Schedule
	rec.Location = u.Location
	rec.Remark = u.Remark
	rec.Enrolled = cloneInt(u.Enrolled)
	rec.Status = StatusPolling
	rec.LastError = ""
	rec.UpdatedAt = r.now()

	if rec.Enrolled == nil || rec.Capacity == nil {
		return nil, nil
	}
	if *rec.Enrolled >= *rec.Capacity {
		rec.Notified = false
		return nil, nil
	}
	if rec.Notified {
		return nil, nil
	}
	rec.Notified = true
	n := r.notice(NoticeAvailable, rec)
	return &n, nil
}

// MarkPolling records that the worker's session is established.
func (r *Registry) MarkPolling(k Key, gen uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.current(k, gen)
	if !ok {
		return ErrGone
	}
	rec.Status = StatusPolling
	rec.LastError = ""
	return nil
}

// MarkFailed records an initialization failure and clears the available
// flag, since nothing polls the record any more. The lease stays in the
// table so the record keeps its one-handle invariant until it is revived or
// removed.
func (r *Registry) MarkFailed(k Key, gen uint64, cause error) (*Notice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.current(k, gen)
	if !ok {
		return nil, ErrGone
	}
	rec.Status = StatusFailed
	rec.Notified = false
	rec.LastError = ""
	if cause != nil {
		rec.LastError = cause.Error()
	}
	rec.UpdatedAt = r.now()
	n := r.notice(NoticeInitFailed, rec)
	n.Err = rec.LastError
	return &n, nil
}

// BindChannel sets or replaces the group's notification channel.
func (r *Registry) BindChannel(g GroupID, ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := ch
	r.group(g).channel = &c
}

func (r *Registry) Channel(g GroupID) (Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	gs, ok := r.groups[g]
	if !ok || gs.channel == nil {
		return Channel{}, false
	}
	return *gs.channel, true
}

// Snapshot returns a deep copy of the registry, records ordered by group
// then code.
func (r *Registry) Snapshot() State {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := State{Channels: make(map[GroupID]Channel, len(r.groups))}
	for g, gs := range r.groups {
		if gs.channel != nil {
			st.Channels[g] = *gs.channel
		}
		for _, rec := range gs.records {
			st.Records = append(st.Records, rec.clone())
		}
	}
	sortRecords(st.Records)
	return st
}

// List returns the group's records ordered by code.
func (r *Registry) List(g GroupID) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	gs, ok := r.groups[g]
	if !ok {
		return nil
	}
	out := make([]Record, 0, len(gs.records))
	for _, rec := range gs.records {
		out = append(out, rec.clone())
	}
	sortRecords(out)
	return out
}

// Len reports the number of records and live (non-failed) workers.
func (r *Registry) Len() (records, workers int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, gs := range r.groups {
		for _, rec := range gs.records {
			records++
			if rec.Status != StatusFailed {
				workers++
			}
		}
	}
	return records, workers
}

// Seed loads persisted data into an empty registry. Records without
// subscribers are skipped. No workers are attached.
func (r *Registry) Seed(st State) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	for g, ch := range st.Channels {
		c := ch
		r.group(g).channel = &c
	}
	n := 0
	for i := range st.Records {
		rec := st.Records[i].clone()
		if len(rec.Subscribers) == 0 || rec.Code == "" {
			continue
		}
		if rec.Status == "" {
			rec.Status = StatusInitializing
		}
		r.group(rec.Group).records[rec.Code] = &rec
		n++
	}
	return n
}

// Close cancels every worker and refuses further creates. It returns the
// done channels of the cancelled workers.
func (r *Registry) Close() []<-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	out := make([]<-chan struct{}, 0, len(r.leases))
	for _, l := range r.leases {
		l.cancel()
		out = append(out, l.done)
	}
	return out
}

func sortRecords(rs []Record) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].Group != rs[j].Group {
			return rs[i].Group < rs[j].Group
		}
		return rs[i].Code < rs[j].Code
	})
}
