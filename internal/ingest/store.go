package ingest

import (
	"context"
	"time"

	"harvester/internal/domain"
	"harvester/internal/storage"
)

// Store is the persistence the coordinator needs: the source registry, run
// history, tag vocabulary and per-source transactions.
type Store interface {
	ListSources(ctx context.Context) ([]domain.Source, error)
	RecentRuns(ctx context.Context, sourceID string, limit int) ([]domain.RunRecord, error)
	ListTags(ctx context.Context) ([]domain.Tag, error)
	AppendRun(ctx context.Context, rec domain.RunRecord) (domain.RunRecord, error)
	Begin(ctx context.Context) (Tx, error)
}

// Tx is one source's unit of work.
type Tx interface {
	PostingExists(ctx context.Context, p domain.Posting) (bool, error)
	InsertPosting(ctx context.Context, p *domain.Posting) (bool, error)
	AttachTags(ctx context.Context, postingID string, tagIDs []string) error
	MarkLastRun(ctx context.Context, sourceID string, at time.Time) error
	AppendRun(ctx context.Context, rec domain.RunRecord) (domain.RunRecord, error)
	Commit() error
	Rollback() error
}

type storageAdapter struct{ *storage.Store }

func (a storageAdapter) Begin(ctx context.Context) (Tx, error) {
	tx, err := a.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// FromStorage adapts the SQL store to Store.
func FromStorage(st *storage.Store) Store { return storageAdapter{st} }
