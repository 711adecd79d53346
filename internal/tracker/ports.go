package tracker

import (
	"context"

	"seatwatch/internal/storage"
)

// Scraper opens browser sessions against the course query page.
type Scraper interface {
	OpenSession(ctx context.Context) (Session, error)
}

// Session is exclusively owned by one worker or one probe.
type Session interface {
	// Search submits code on the query page. The first call navigates; later
	// calls may only resubmit.
	Search(ctx context.Context, code string) error
	// Rows returns the current result rows, possibly none.
	Rows(ctx context.Context) ([]Row, error)
	DetailsSource
	Close() error
}

// Sink delivers a rendered message. Delivery is fire and forget; errors are
// only logged.
type Sink interface {
	Send(ctx context.Context, ch Channel, text string) error
}

// Formatter renders a Notice to message text.
type Formatter interface {
	Format(n Notice) string
}

// Store is the persistence port, satisfied by storage.Store.
type Store interface {
	LoadDocument(ctx context.Context) (storage.Document, error)
	SaveDocument(ctx context.Context, doc storage.Document) error
}

// Spawner runs a named goroutine. supervisor.Supervisor satisfies it.
type Spawner interface {
	Go(name string, fn func(ctx context.Context) error)
}

type goSpawner struct{}

func (goSpawner) Go(_ string, fn func(ctx context.Context) error) {
	go func() { _ = fn(context.Background()) }()
}
