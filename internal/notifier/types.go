package notifier

import "time"

type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	// SendTimeout bounds a single adapter call.
	SendTimeout time.Duration
}

type HistoryItem struct {
	At       time.Time `json:"at"`
	ChatID   int64     `json:"chat_id"`
	ThreadID int       `json:"thread_id,omitempty"`
	Text     string    `json:"text"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error,omitempty"`
}

// Stats are cumulative counters since process start.
type Stats struct {
	Queued   uint64 `json:"queued"`
	Sent     uint64 `json:"sent"`
	Failed   uint64 `json:"failed"`
	Deduped  uint64 `json:"deduped"`
	Dropped  uint64 `json:"dropped"`
	QueueLen int    `json:"queue_len"`
	QueueCap int    `json:"queue_cap"`
}
