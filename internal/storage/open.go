package storage

import (
	"context"
	"fmt"
	"strings"

	logx "seatwatch/pkg/logx"
)

// Store is the persistence API used by the tracker and the command layer.
type Store interface {
	// LoadDocument returns the last saved document, or an empty one if
	// nothing was saved yet.
	LoadDocument(ctx context.Context) (Document, error)
	// SaveDocument replaces the stored document atomically.
	SaveDocument(ctx context.Context, doc Document) error
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Open initializes the configured store. An empty driver behaves like "none".
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "none", "memory":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log.With(logx.String("driver", "file")))
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log.With(logx.String("driver", "sqlite")))
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}
