package tracker

import (
	"sort"
	"strconv"
	"time"
)

// GroupID identifies the chat that owns a set of tracked records.
type GroupID int64

// SubscriberID identifies a user interested in a record.
type SubscriberID int64

// Channel is a bound notification target. ThreadID selects a forum topic.
type Channel struct {
	ChatID   int64
	ThreadID int
}

func (c Channel) IsZero() bool { return c.ChatID == 0 }

// Key identifies one tracked record.
type Key struct {
	Group GroupID
	Code  string
}

func (k Key) String() string {
	return strconv.FormatInt(int64(k.Group), 10) + "/" + k.Code
}

// Status is the lifecycle of a record's monitor worker as seen from the
// registry.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusPolling      Status = "polling"
	StatusFailed       Status = "failed"
)

// Row is one result row read from the query page, untyped.
type Row struct {
	Code           string
	Name           string
	Presenter      string
	EnrollmentText string
	Schedule       string
	Location       string
	Remark         string
}

// Snapshot is the typed result of a successful Probe.
type Snapshot struct {
	Code      string
	Name      string
	Presenter string
	Schedule  string
	Location  string
	Remark    string
	Enrolled  *int
	Capacity  *int
}

// Record is the persisted data of a tracked record. Live resources are kept
// in the registry's separate lease table.
type Record struct {
	Group     GroupID
	Code      string
	Name      string
	Presenter string
	Schedule  string
	Location  string
	Remark    string
	Enrolled  *int
	Capacity  *int
	Notified  bool

	Subscribers map[SubscriberID]struct{}

	Status    Status
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (r Record) Key() Key { return Key{Group: r.Group, Code: r.Code} }

// Available reports whether both counts are known and a seat is free.
func (r Record) Available() bool {
	return r.Enrolled != nil && r.Capacity != nil && *r.Enrolled < *r.Capacity
}

// SubscriberList returns the subscribers in ascending order.
func (r Record) SubscriberList() []SubscriberID {
	out := make([]SubscriberID, 0, len(r.Subscribers))
	for id := range r.Subscribers {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Record) clone() Record {
	cp := *r
	cp.Enrolled = cloneInt(r.Enrolled)
	cp.Capacity = cloneInt(r.Capacity)
	cp.Subscribers = make(map[SubscriberID]struct{}, len(r.Subscribers))
	for id := range r.Subscribers {
		cp.Subscribers[id] = struct{}{}
	}
	return cp
}

// StatusUpdate carries the fields a monitor worker refreshes on each
// successful poll. Capacity is intentionally absent; it is fixed when the
// record is created.
type StatusUpdate struct {
	Name      string
	Presenter string
	Schedule  string
	Location  string
	Remark    string
	Enrolled  *int
}

// State is a read-only deep copy of the registry.
type State struct {
	Channels map[GroupID]Channel
	Records  []Record
}

// NoticeKind selects the message a Notice renders to.
type NoticeKind int

const (
	NoticeAvailable NoticeKind = iota + 1
	NoticeReminder
	NoticeInitFailed
)

func (k NoticeKind) String() string {
	switch k {
	case NoticeAvailable:
		return "available"
	case NoticeReminder:
		return "reminder"
	case NoticeInitFailed:
		return "init_failed"
	default:
		return "unknown"
	}
}

// Notice is data copied out of the registry so the message can be sent
// after the lock is released.
type Notice struct {
	Kind        NoticeKind
	Channel     Channel
	Record      Record
	Subscribers []SubscriberID
	Err         string
}

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
