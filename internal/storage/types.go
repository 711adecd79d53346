package storage

import (
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// DocumentVersion is written into every saved document.
const DocumentVersion = 1

type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 keeps the driver default
}

// Document is the persisted form of the tracking registry. It never holds
// live resources.
type Document struct {
	Version  int              `json:"version"`
	SavedAt  time.Time        `json:"saved_at"`
	Channels []ChannelBinding `json:"channels"`
	Records  []RecordRow      `json:"records"`
}

// ChannelBinding maps a group to its notification chat.
type ChannelBinding struct {
	Group    int64 `json:"group"`
	ChatID   int64 `json:"chat_id"`
	ThreadID int   `json:"thread_id,omitempty"`
}

type RecordRow struct {
	Group       int64     `json:"group"`
	Code        string    `json:"code"`
	Name        string    `json:"name"`
	Presenter   string    `json:"presenter"`
	Schedule    string    `json:"schedule"`
	Location    string    `json:"location"`
	Remark      string    `json:"remark"`
	Enrolled    *int      `json:"enrolled"`
	Capacity    *int      `json:"capacity"`
	Notified    bool      `json:"notified"`
	Status      string    `json:"status,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Subscribers []int64   `json:"subscribers"`
}

// AuditEntry records one operator action.
type AuditEntry struct {
	At        time.Time `json:"at"`
	ActorID   int64     `json:"actor_id"`
	ActorName string    `json:"actor_name,omitempty"`
	ChatID    int64     `json:"chat_id"`
	ThreadID  int       `json:"thread_id,omitempty"`
	Action    string    `json:"action"`
	Target    string    `json:"target,omitempty"`
	Result    string    `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	TookMS    int64     `json:"took_ms,omitempty"`
}
