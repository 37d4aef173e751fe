package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"harvester/internal/domain"
	logx "harvester/pkg/logx"
)

// Store is the sqlx-backed persistence layer. It is safe for concurrent use.
type Store struct {
	db     *sqlx.DB
	driver string
	log    logx.Logger
}

func newStore(db *sqlx.DB, driver string, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{db: db, driver: driver, log: log}
}

// NewWithDB wraps an existing connection without running migrations.
// Tests use it with sqlmock.
func NewWithDB(db *sqlx.DB, log logx.Logger) *Store {
	return newStore(db, db.DriverName(), log)
}

func (s *Store) Driver() string { return s.driver }

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks connectivity. It backs the /healthz endpoint.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	return s.db.PingContext(ctx)
}

// ---- rows ----

type sourceRow struct {
	ID              string         `db:"id"`
	Name            string         `db:"name"`
	Kind            string         `db:"kind"`
	Command         string         `db:"command"`
	Workdir         string         `db:"workdir"`
	IntervalSeconds int64          `db:"interval_seconds"`
	StartTime       string         `db:"start_time"`
	Active          int            `db:"active"`
	TimeoutSeconds  int64          `db:"timeout_seconds"`
	LastRunAt       sql.NullString `db:"last_run_at"`
}

func (r sourceRow) toDomain() (domain.Source, error) {
	start, err := ParseTime(r.StartTime)
	if err != nil {
		return domain.Source{}, fmt.Errorf("source %s start_time: %w", r.ID, err)
	}
	src := domain.Source{
		ID:        r.ID,
		Name:      r.Name,
		Kind:      domain.SourceKind(r.Kind),
		Command:   r.Command,
		Workdir:   r.Workdir,
		Interval:  time.Duration(r.IntervalSeconds) * time.Second,
		StartTime: start,
		Active:    r.Active != 0,
		Timeout:   time.Duration(r.TimeoutSeconds) * time.Second,
	}
	if r.LastRunAt.Valid && r.LastRunAt.String != "" {
		t, err := ParseTime(r.LastRunAt.String)
		if err != nil {
			return domain.Source{}, fmt.Errorf("source %s last_run_at: %w", r.ID, err)
		}
		src.LastRunAt = &t
	}
	return src, nil
}

type runRow struct {
	ID            string `db:"id"`
	SourceID      string `db:"source_id"`
	RanAt         string `db:"ran_at"`
	Success       int    `db:"success"`
	ReceivedCount int    `db:"received_count"`
}

type tagRow struct {
	ID       string `db:"id"`
	Name     string `db:"name"`
	Category string `db:"category"`
}

type postingRow struct {
	ID               string         `db:"id"`
	SourceID         sql.NullString `db:"source_id"`
	Title            string         `db:"title"`
	Company          string         `db:"company"`
	Description      string         `db:"description"`
	URL              string         `db:"url"`
	Type             string         `db:"type"`
	Status           string         `db:"status"`
	IsDeclined       int            `db:"is_declined"`
	CreatedAt        string         `db:"created_at"`
	VacancyCreatedAt string         `db:"vacancy_created_at"`
}

// ---- sources ----

const sourceColumns = `id, name, kind, command, workdir, interval_seconds, start_time, active, timeout_seconds, last_run_at`

// ListSources returns every registered source ordered by name.
func (s *Store) ListSources(ctx context.Context) ([]domain.Source, error) {
	var rows []sourceRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+sourceColumns+` FROM sources ORDER BY name`); err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	out := make([]domain.Source, 0, len(rows))
	for _, r := range rows {
		src, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, nil
}

func (s *Store) GetSource(ctx context.Context, id string) (domain.Source, error) {
	var r sourceRow
	err := s.db.GetContext(ctx, &r, s.db.Rebind(`SELECT `+sourceColumns+` FROM sources WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Source{}, ErrNotFound
	}
	if err != nil {
		return domain.Source{}, fmt.Errorf("get source: %w", err)
	}
	return r.toDomain()
}

// UpsertSource registers src by name. Configuration columns are overwritten;
// the id and the last-run marker of an existing row are kept.
func (s *Store) UpsertSource(ctx context.Context, src domain.Source) (domain.Source, error) {
	name := strings.TrimSpace(src.Name)
	if name == "" {
		return domain.Source{}, errors.New("upsert source: name is required")
	}
	if src.ID == "" {
		src.ID = uuid.NewString()
	}
	if src.Kind == "" {
		src.Kind = domain.KindWebsiteParser
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO sources(id, name, kind, command, workdir, interval_seconds, start_time, active, timeout_seconds)
		VALUES(?,?,?,?,?,?,?,?,?)
		ON CONFLICT(name) DO UPDATE SET
			kind = excluded.kind,
			command = excluded.command,
			workdir = excluded.workdir,
			interval_seconds = excluded.interval_seconds,
			start_time = excluded.start_time,
			active = excluded.active,
			timeout_seconds = excluded.timeout_seconds`),
		src.ID, name, string(src.Kind), src.Command, src.Workdir,
		int64(src.Interval/time.Second), FormatTime(src.StartTime), boolToInt(src.Active),
		int64(src.Timeout/time.Second),
	)
	if err != nil {
		return domain.Source{}, fmt.Errorf("upsert source %q: %w", name, err)
	}

	var r sourceRow
	if err := s.db.GetContext(ctx, &r, s.db.Rebind(`SELECT `+sourceColumns+` FROM sources WHERE name = ?`), name); err != nil {
		return domain.Source{}, fmt.Errorf("reload source %q: %w", name, err)
	}
	return r.toDomain()
}

// ---- run history ----

// RecentRuns returns up to limit run records for sourceID, newest first.
func (s *Store) RecentRuns(ctx context.Context, sourceID string, limit int) ([]domain.RunRecord, error) {
	if limit <= 0 {
		limit = 5
	}
	var rows []runRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT id, source_id, ran_at, success, received_count
		FROM run_records WHERE source_id = ?
		ORDER BY ran_at DESC, id DESC LIMIT ?`), sourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent runs: %w", err)
	}
	out := make([]domain.RunRecord, 0, len(rows))
	for _, r := range rows {
		at, err := ParseTime(r.RanAt)
		if err != nil {
			return nil, fmt.Errorf("run %s ran_at: %w", r.ID, err)
		}
		out = append(out, domain.RunRecord{
			ID:            r.ID,
			SourceID:      r.SourceID,
			At:            at,
			Success:       r.Success != 0,
			ReceivedCount: r.ReceivedCount,
		})
	}
	return out, nil
}

// AppendRun writes rec outside any transaction. It is the fallback used when
// a source's transaction could not be committed.
func (s *Store) AppendRun(ctx context.Context, rec domain.RunRecord) (domain.RunRecord, error) {
	return appendRun(ctx, s.db, rec)
}

// ---- tags ----

func (s *Store) ListTags(ctx context.Context) ([]domain.Tag, error) {
	var rows []tagRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT id, name, category FROM tags ORDER BY category, name`); err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	out := make([]domain.Tag, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.Tag{ID: r.ID, Name: r.Name, Category: domain.TagCategory(r.Category)})
	}
	return out, nil
}

// UpsertTags inserts tags missing from the vocabulary. A tag is identified by
// (name, category), so one name may appear under several categories.
func (s *Store) UpsertTags(ctx context.Context, tags []domain.Tag) (int, error) {
	if len(tags) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	q := tx.Rebind(`INSERT INTO tags(id, name, category) VALUES(?,?,?)
		ON CONFLICT(name, category) DO NOTHING`)
	n := 0
	for _, t := range tags {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			continue
		}
		id := t.ID
		if id == "" {
			id = uuid.NewString()
		}
		res, err := tx.ExecContext(ctx, q, id, name, string(t.Category))
		if err != nil {
			return 0, fmt.Errorf("upsert tag %q: %w", name, err)
		}
		if k, err := res.RowsAffected(); err == nil && k > 0 {
			n++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

// SeedTags inserts tags only when the vocabulary is empty.
func (s *Store) SeedTags(ctx context.Context, tags []domain.Tag) (int, error) {
	var count int
	if err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM tags`); err != nil {
		return 0, fmt.Errorf("count tags: %w", err)
	}
	if count > 0 {
		return 0, nil
	}
	return s.UpsertTags(ctx, tags)
}

// ---- postings ----

// ListPostings returns postings for sourceID (all sources when empty), oldest first.
func (s *Store) ListPostings(ctx context.Context, sourceID string) ([]domain.Posting, error) {
	q := `SELECT id, source_id, title, company, description, url, type, status, is_declined, created_at, vacancy_created_at FROM postings`
	args := []any{}
	if sourceID != "" {
		q += ` WHERE source_id = ?`
		args = append(args, sourceID)
	}
	q += ` ORDER BY created_at, id`

	var rows []postingRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("list postings: %w", err)
	}
	out := make([]domain.Posting, 0, len(rows))
	for _, r := range rows {
		created, err := ParseTime(r.CreatedAt)
		if err != nil {
			return nil, err
		}
		vacancy, err := ParseTime(r.VacancyCreatedAt)
		if err != nil {
			return nil, err
		}
		p := domain.Posting{
			ID:               r.ID,
			SourceID:         r.SourceID.String,
			Title:            r.Title,
			Company:          r.Company,
			Description:      r.Description,
			URL:              r.URL,
			Type:             domain.PostingType(r.Type),
			Status:           domain.PostingStatus(r.Status),
			IsDeclined:       r.IsDeclined != 0,
			CreatedAt:        created,
			VacancyCreatedAt: vacancy,
		}
		if err := s.db.SelectContext(ctx, &p.TagIDs,
			s.db.Rebind(`SELECT tag_id FROM posting_tags WHERE posting_id = ? ORDER BY tag_id`), r.ID); err != nil {
			return nil, fmt.Errorf("posting tags: %w", err)
		}
		out = append(out, p)
	}
	return out, nil
}

// PruneOld deletes postings created before cutoff along with their tag links.
// Run history is kept.
func (s *Store) PruneOld(ctx context.Context, before time.Time) (int64, error) {
	cutoff := FormatTime(before)
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		DELETE FROM posting_tags WHERE posting_id IN (SELECT id FROM postings WHERE created_at < ?)`), cutoff); err != nil {
		return 0, fmt.Errorf("prune posting tags: %w", err)
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM postings WHERE created_at < ?`), cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune postings: %w", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

// ---- shared helpers ----

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Rebind(query string) string
}

func appendRun(ctx context.Context, ex execer, rec domain.RunRecord) (domain.RunRecord, error) {
	if rec.SourceID == "" {
		return rec, errors.New("append run: source id is required")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	rec.At = rec.At.UTC()
	_, err := ex.ExecContext(ctx, ex.Rebind(`
		INSERT INTO run_records(id, source_id, ran_at, success, received_count) VALUES(?,?,?,?,?)`),
		rec.ID, rec.SourceID, FormatTime(rec.At), boolToInt(rec.Success), rec.ReceivedCount,
	)
	if err != nil {
		return rec, fmt.Errorf("append run: %w", err)
	}
	return rec, nil
}
