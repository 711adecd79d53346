package storage

import (
	"context"
	"sync"
	"time"
)

// Memory is a Store that keeps everything in process memory.
type Memory struct {
	mu     sync.Mutex
	doc    Document
	audit  []AuditEntry
	saves  int
	closed bool
}

func NewMemory() *Memory {
	return &Memory{doc: Document{Version: DocumentVersion}}
}

func (m *Memory) LoadDocument(ctx context.Context) (Document, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneDocument(m.doc), nil
}

func (m *Memory) SaveDocument(ctx context.Context, doc Document) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	doc.Version = DocumentVersion
	if doc.SavedAt.IsZero() {
		doc.SavedAt = time.Now()
	}
	m.doc = cloneDocument(doc)
	m.saves++
	return nil
}

func (m *Memory) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.audit = append(m.audit, e)
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Saves reports how many times SaveDocument succeeded.
func (m *Memory) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// Audit returns a copy of the appended audit entries.
func (m *Memory) Audit() []AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AuditEntry(nil), m.audit...)
}

func cloneDocument(d Document) Document {
	out := Document{Version: d.Version, SavedAt: d.SavedAt}
	out.Channels = append([]ChannelBinding(nil), d.Channels...)
	out.Records = make([]RecordRow, len(d.Records))
	for i, r := range d.Records {
		r.Subscribers = append([]int64(nil), r.Subscribers...)
		r.Enrolled = cloneInt(r.Enrolled)
		r.Capacity = cloneInt(r.Capacity)
		out.Records[i] = r
	}
	return out
}

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
