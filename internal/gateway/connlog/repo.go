package connlog

import (
	"context"
	"time"

	"github.com/clinicore/clinicore/pkg/pagination"
)

// Recorder is the write-side interface the connector uses. Recording a log
// entry must never fail a business operation, so implementations log and
// swallow their own errors where possible.
type Recorder interface {
	Record(ctx context.Context, e *Entry)
}

// Repository is the full read/write/purge interface.
type Repository interface {
	Recorder
	List(ctx context.Context, filter Filter, page pagination.Params) ([]*Entry, int, error)
	StatsSince(ctx context.Context, since time.Time) (*Stats, error)
	RecentErrors(ctx context.Context, limit int) ([]*Entry, error)
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
