package store

import (
	"context"
	"time"

	"github.com/fhird/fhird/internal/fhir"
	"github.com/fhird/fhird/internal/search"
)

// HistoryQuery selects version events. Zero-value fields widen the scope:
// an empty ResourceType spans the system, an empty FHIRID spans the type,
// zero times leave the window unbounded.
type HistoryQuery struct {
	ResourceType string
	FHIRID       string
	Since        time.Time // events at or after this instant
	At           time.Time // events at or before this instant
	Count        int
	Offset       int
}

// Repository is the persistence surface the service talks to. The production
// implementation is Postgres-backed; tests substitute an in-memory fake.
//
// Mutating methods open their own transaction when the context does not
// already carry one, so a single call is atomic on its own and joins the
// surrounding transaction inside a bundle.
type Repository interface {
	Insert(ctx context.Context, resourceType, id string, res map[string]interface{}) (*Stored, error)
	Update(ctx context.Context, resourceType, id string, res map[string]interface{}, expect *int) (*Stored, error)
	Delete(ctx context.Context, resourceType, id string) (*Stored, error)

	Get(ctx context.Context, resourceType, id string) (*Stored, error)
	GetVersion(ctx context.Context, resourceType, id string, versionID int) (*Stored, string, error)
	GetMany(ctx context.Context, keys []search.ResourceKey) ([]*Stored, error)

	SearchPage(ctx context.Context, q *search.Query) ([]*Stored, int, error)
	SearchCount(ctx context.Context, q *search.Query) (int, error)
	History(ctx context.Context, q HistoryQuery) ([]fhir.HistoryEvent, int, error)

	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}
