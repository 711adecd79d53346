package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "seatwatch/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer; modernc serializes anyway and this keeps pragmas per-conn stable
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	if cfg.BusyTimeout > 0 {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			log.Warn("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}

	st := &sqliteStore{db: db, log: log}
	if _, err := db.Exec(migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) LoadDocument(ctx context.Context) (Document, error) {
	doc := Document{Version: DocumentVersion}

	var saved sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'saved_at'`).Scan(&saved)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Document{}, err
	}
	if saved.Valid {
		doc.SavedAt, _ = time.Parse(time.RFC3339Nano, saved.String)
	}

	chRows, err := s.db.QueryContext(ctx, `SELECT group_id, chat_id, thread_id FROM group_channels ORDER BY group_id`)
	if err != nil {
		return Document{}, err
	}
	for chRows.Next() {
		var b ChannelBinding
		if err := chRows.Scan(&b.Group, &b.ChatID, &b.ThreadID); err != nil {
			_ = chRows.Close()
			return Document{}, err
		}
		doc.Channels = append(doc.Channels, b)
	}
	if err := chRows.Close(); err != nil {
		return Document{}, err
	}

	recRows, err := s.db.QueryContext(ctx, `
		SELECT group_id, code, name, presenter, schedule, location, remark,
		       enrolled, capacity, notified, status, last_error, created_at, updated_at
		FROM tracked_records ORDER BY group_id, code`)
	if err != nil {
		return Document{}, err
	}
	index := map[[2]string]int{}
	for recRows.Next() {
		var (
			r                  RecordRow
			enrolled, capacity sql.NullInt64
			created, updated   string
		)
		if err := recRows.Scan(&r.Group, &r.Code, &r.Name, &r.Presenter, &r.Schedule, &r.Location, &r.Remark,
			&enrolled, &capacity, &r.Notified, &r.Status, &r.LastError, &created, &updated); err != nil {
			_ = recRows.Close()
			return Document{}, err
		}
		r.Enrolled = nullIntPtr(enrolled)
		r.Capacity = nullIntPtr(capacity)
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		index[recordKey(r.Group, r.Code)] = len(doc.Records)
		doc.Records = append(doc.Records, r)
	}
	if err := recRows.Close(); err != nil {
		return Document{}, err
	}

	subRows, err := s.db.QueryContext(ctx, `SELECT group_id, code, subscriber_id FROM record_subscribers ORDER BY subscriber_id`)
	if err != nil {
		return Document{}, err
	}
	defer subRows.Close()
	for subRows.Next() {
		var (
			g, sub int64
			code   string
		)
		if err := subRows.Scan(&g, &code, &sub); err != nil {
			return Document{}, err
		}
		if i, ok := index[recordKey(g, code)]; ok {
			doc.Records[i].Subscribers = append(doc.Records[i].Subscribers, sub)
		}
	}
	return doc, subRows.Err()
}

// SaveDocument replaces all registry tables in one transaction.
func (s *sqliteStore) SaveDocument(ctx context.Context, doc Document) (err error) {
	if doc.SavedAt.IsZero() {
		doc.SavedAt = time.Now()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, q := range []string{
		`DELETE FROM record_subscribers`,
		`DELETE FROM tracked_records`,
		`DELETE FROM group_channels`,
	} {
		if _, err = tx.ExecContext(ctx, q); err != nil {
			return err
		}
	}

	for _, b := range doc.Channels {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO group_channels(group_id, chat_id, thread_id) VALUES(?,?,?)`,
			b.Group, b.ChatID, b.ThreadID); err != nil {
			return err
		}
	}

	for _, r := range doc.Records {
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO tracked_records(group_id, code, name, presenter, schedule, location, remark,
				enrolled, capacity, notified, status, last_error, created_at, updated_at)
			VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			r.Group, r.Code, r.Name, r.Presenter, r.Schedule, r.Location, r.Remark,
			intPtrArg(r.Enrolled), intPtrArg(r.Capacity), r.Notified, r.Status, r.LastError,
			r.CreatedAt.UTC().Format(time.RFC3339Nano), r.UpdatedAt.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return err
		}
		subs := append([]int64(nil), r.Subscribers...)
		sort.Slice(subs, func(i, j int) bool { return subs[i] < subs[j] })
		for _, sub := range subs {
			if _, err = tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO record_subscribers(group_id, code, subscriber_id) VALUES(?,?,?)`,
				r.Group, r.Code, sub); err != nil {
				return err
			}
		}
	}

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO meta(key, value) VALUES('saved_at', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		doc.SavedAt.UTC().Format(time.RFC3339Nano)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor_id, actor_name, chat_id, thread_id, action, target, result, err, took_ms)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.ActorID, nullStr(e.ActorName), e.ChatID, e.ThreadID,
		e.Action, nullStr(e.Target), nullStr(e.Result), nullStr(e.Error), e.TookMS,
	)
	return err
}

func recordKey(g int64, code string) [2]string {
	return [2]string{fmt.Sprint(g), code}
}

func nullIntPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func intPtrArg(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
