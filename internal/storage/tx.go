package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"harvester/internal/domain"
)

// Tx groups one source's writes within a pass: new postings, their tags,
// the last-run marker and the run record. Nothing is visible to other
// connections until Commit.
type Tx struct {
	tx *sqlx.Tx
}

// Begin starts a per-source transaction.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &Tx{tx: tx}, nil
}

func (t *Tx) Commit() error { return t.tx.Commit() }

// Rollback is a no-op after Commit.
func (t *Tx) Rollback() error { return t.tx.Rollback() }

// PostingExists reports whether a posting with the same url, or the same
// (title, company, vacancy_created_at), is already stored. Rows inserted
// earlier in this transaction are included.
func (t *Tx) PostingExists(ctx context.Context, p domain.Posting) (bool, error) {
	var n int
	err := t.tx.GetContext(ctx, &n, t.tx.Rebind(`
		SELECT COUNT(*) FROM postings
		WHERE url = ? OR (title = ? AND company = ? AND vacancy_created_at = ?)`),
		p.URL, p.Title, p.Company, FormatTime(p.VacancyCreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("posting exists: %w", err)
	}
	return n > 0, nil
}

// InsertPosting stores p and assigns p.ID. inserted is false when a unique
// index rejected the row.
func (t *Tx) InsertPosting(ctx context.Context, p *domain.Posting) (inserted bool, err error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = domain.StatusNew
	}
	res, err := t.tx.ExecContext(ctx, t.tx.Rebind(`
		INSERT INTO postings(id, source_id, title, company, description, url, type, status, is_declined, created_at, vacancy_created_at)
		VALUES(?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT DO NOTHING`),
		p.ID, nullIfEmpty(p.SourceID), p.Title, p.Company, p.Description, p.URL, string(p.Type),
		string(p.Status), boolToInt(p.IsDeclined), FormatTime(p.CreatedAt), FormatTime(p.VacancyCreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert posting: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert posting: %w", err)
	}
	return n > 0, nil
}

// AttachTags links postingID to tagIDs, ignoring links that already exist.
func (t *Tx) AttachTags(ctx context.Context, postingID string, tagIDs []string) error {
	if len(tagIDs) == 0 {
		return nil
	}
	q := t.tx.Rebind(`INSERT INTO posting_tags(posting_id, tag_id) VALUES(?,?) ON CONFLICT DO NOTHING`)
	for _, id := range tagIDs {
		if _, err := t.tx.ExecContext(ctx, q, postingID, id); err != nil {
			return fmt.Errorf("attach tag %s: %w", id, err)
		}
	}
	return nil
}

// MarkLastRun writes the source's last-successful-run marker.
func (t *Tx) MarkLastRun(ctx context.Context, sourceID string, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, t.tx.Rebind(`UPDATE sources SET last_run_at = ? WHERE id = ?`),
		FormatTime(at), sourceID)
	if err != nil {
		return fmt.Errorf("mark last run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("mark last run %s: %w", sourceID, ErrNotFound)
	}
	return nil
}

// AppendRun adds a run record within the transaction.
func (t *Tx) AppendRun(ctx context.Context, rec domain.RunRecord) (domain.RunRecord, error) {
	return appendRun(ctx, t.tx, rec)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
