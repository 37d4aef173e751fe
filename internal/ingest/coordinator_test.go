package ingest

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"harvester/internal/agent"
	"harvester/internal/domain"
	"harvester/internal/eventbus"
	"harvester/internal/report"
	"harvester/internal/schedule"
	"harvester/internal/storage"
	logx "harvester/pkg/logx"
)

var t0 = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "ingest.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func addSource(t *testing.T, st *storage.Store, name string) domain.Source {
	t.Helper()
	src, err := st.UpsertSource(context.Background(), domain.Source{
		Name:      name,
		Kind:      domain.KindWebsiteParser,
		Command:   "python parsers/" + name + ".py",
		Interval:  time.Hour,
		StartTime: t0.Add(-24 * time.Hour),
		Active:    true,
	})
	if err != nil {
		t.Fatalf("upsert %s: %v", name, err)
	}
	return src
}

// agents resolves sources by name; unknown names fail to resolve.
func agents(byName map[string]agent.Func) agent.Resolver {
	return agent.ResolverFunc(func(src domain.Source) (agent.Agent, error) {
		f, ok := byName[src.Name]
		if !ok {
			return nil, errors.New("no agent")
		}
		return f, nil
	})
}

func items(raw ...domain.RawItem) agent.Func {
	return func(context.Context) ([]domain.RawItem, error) { return raw, nil }
}

type recordingReporter struct {
	mu        sync.Mutex
	incidents []report.Incident
}

func (r *recordingReporter) Report(_ context.Context, inc report.Incident) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.incidents = append(r.incidents, inc)
}

func (r *recordingReporter) all() []report.Incident {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]report.Incident(nil), r.incidents...)
}

func TestRunPassIngestsAndDeduplicates(t *testing.T) {
	t.Parallel()

	st := openStore(t)
	ctx := context.Background()
	src := addSource(t, st, "habr")

	if _, err := st.UpsertTags(ctx, []domain.Tag{
		{Name: "Go", Category: domain.CategoryLanguage},
		{Name: "remote", Category: domain.CategoryFormat},
		{Name: "Rust", Category: domain.CategoryLanguage},
	}); err != nil {
		t.Fatal(err)
	}

	// Prior success at t0; the pass runs exactly one interval later.
	if _, err := st.AppendRun(ctx, domain.RunRecord{SourceID: src.ID, At: t0, Success: true, ReceivedCount: 1}); err != nil {
		t.Fatal(err)
	}
	tx, err := st.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	existing := domain.Posting{Title: "Old", Company: "Acme", Description: "d", URL: "https://x/1", Type: domain.TypeJob, CreatedAt: t0, VacancyCreatedAt: t0}
	if _, err := tx.InsertPosting(ctx, &existing); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	rep := &recordingReporter{}
	c := New(FromStorage(st), agents(map[string]agent.Func{
		"habr": items(
			domain.RawItem{"title": "Dup", "description": "d", "url": "https://x/1"},
			domain.RawItem{"description": "no title", "url": "https://x/2"},
			domain.RawItem{"title": "Golang developer", "description": "Fully REMOTE", "url": "https://x/3", "company": "Umbrella"},
		),
	}), rep, nil, logx.Nop(), Options{})

	now := t0.Add(time.Hour)
	stats, err := c.RunPass(ctx, now)
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	want := domain.RunStats{SourceID: src.ID, SourceName: "habr", Success: true, Received: 3, Saved: 1}
	if len(stats) != 1 || stats[0] != want {
		t.Fatalf("stats=%+v want %+v", stats, want)
	}
	if got := rep.all(); len(got) != 0 {
		t.Fatalf("unexpected incidents: %+v", got)
	}

	runs, err := st.RecentRuns(ctx, src.ID, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 || !runs[0].Success || runs[0].ReceivedCount != 3 || !runs[0].At.Equal(now) {
		t.Fatalf("runs=%+v", runs)
	}

	reloaded, err := st.GetSource(ctx, src.ID)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.LastRunAt == nil || !reloaded.LastRunAt.Equal(now) {
		t.Fatalf("last run marker=%v want %v", reloaded.LastRunAt, now)
	}

	postings, err := st.ListPostings(ctx, src.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(postings) != 1 {
		t.Fatalf("postings=%+v", postings)
	}
	p := postings[0]
	if p.Title != "Golang developer" || p.Status != domain.StatusNew || p.Company != "Umbrella" {
		t.Fatalf("posting=%+v", p)
	}
	if len(p.TagIDs) != 2 {
		t.Fatalf("tags=%v want Go and remote", p.TagIDs)
	}
}

func TestRunPassFailedSourceDoesNotStopPass(t *testing.T) {
	t.Parallel()

	st := openStore(t)
	ctx := context.Background()
	bad := addSource(t, st, "a-broken")
	good := addSource(t, st, "b-working")

	rep := &recordingReporter{}
	c := New(FromStorage(st), agents(map[string]agent.Func{
		"a-broken": func(context.Context) ([]domain.RawItem, error) {
			return nil, &agent.ExecutionError{Source: "a-broken", ExitCode: 1, Stderr: "Traceback: boom"}
		},
		"b-working": items(domain.RawItem{"title": "t", "description": "d", "url": "https://y/1"}),
	}), rep, nil, logx.Nop(), Options{})

	stats, err := c.RunPass(ctx, t0)
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("stats=%+v", stats)
	}
	if stats[0].SourceID != bad.ID || stats[0].Success || stats[0].Received != 0 || stats[0].Saved != 0 {
		t.Fatalf("broken stats=%+v", stats[0])
	}
	if stats[1].SourceID != good.ID || !stats[1].Success || stats[1].Saved != 1 {
		t.Fatalf("working stats=%+v", stats[1])
	}

	runs, err := st.RecentRuns(ctx, bad.ID, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].Success || runs[0].ReceivedCount != 0 {
		t.Fatalf("broken runs=%+v", runs)
	}
	reloaded, err := st.GetSource(ctx, bad.ID)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.LastRunAt != nil {
		t.Fatalf("failed run must not move the marker: %v", reloaded.LastRunAt)
	}

	incidents := rep.all()
	if len(incidents) != 1 || incidents[0].SourceID != bad.ID || incidents[0].Stage() != "execution" || incidents[0].Stderr() != "Traceback: boom" {
		t.Fatalf("incidents=%+v", incidents)
	}

	// The failure streak now delays the broken source by the first backoff step.
	c2 := New(FromStorage(st), agents(nil), rep, nil, logx.Nop(), Options{})
	stats, err = c2.RunPass(ctx, t0.Add(10*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 0 {
		t.Fatalf("nothing should be due 10 minutes later: %+v", stats)
	}
	stats, err = c2.RunPass(ctx, t0.Add(schedule.DefaultFirstFailureDelay))
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 1 || stats[0].SourceID != bad.ID {
		t.Fatalf("broken source should be retried after backoff: %+v", stats)
	}
}

func TestRunPassSkipsSourcesNotDue(t *testing.T) {
	t.Parallel()

	st := openStore(t)
	ctx := context.Background()
	future, err := st.UpsertSource(ctx, domain.Source{Name: "later", Command: "x", Interval: time.Hour, StartTime: t0.Add(time.Hour), Active: true})
	if err != nil {
		t.Fatal(err)
	}
	inactive, err := st.UpsertSource(ctx, domain.Source{Name: "off", Command: "x", Interval: time.Hour, StartTime: t0.Add(-time.Hour), Active: false})
	if err != nil {
		t.Fatal(err)
	}

	called := false
	c := New(FromStorage(st), agent.ResolverFunc(func(domain.Source) (agent.Agent, error) {
		called = true
		return items(), nil
	}), nil, nil, logx.Nop(), Options{})

	stats, err := c.RunPass(ctx, t0)
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 0 || called {
		t.Fatalf("stats=%+v called=%v", stats, called)
	}
	for _, id := range []string{future.ID, inactive.ID} {
		runs, err := st.RecentRuns(ctx, id, 5)
		if err != nil {
			t.Fatal(err)
		}
		if len(runs) != 0 {
			t.Fatalf("skipped source %s got run records: %+v", id, runs)
		}
	}
}

// failingStore injects a failure into the last-run update so the whole
// source transaction rolls back.
type failingStore struct {
	Store
}

func (s failingStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return failingTx{tx}, nil
}

type failingTx struct {
	Tx
}

func (failingTx) MarkLastRun(context.Context, string, time.Time) error {
	return errors.New("disk full")
}

func TestRunPassPersistenceFailureRecordsFailedRun(t *testing.T) {
	t.Parallel()

	st := openStore(t)
	ctx := context.Background()
	src := addSource(t, st, "jobs")

	rep := &recordingReporter{}
	c := New(failingStore{FromStorage(st)}, agents(map[string]agent.Func{
		"jobs": items(
			domain.RawItem{"title": "a", "description": "d", "url": "https://z/1"},
			domain.RawItem{"title": "b", "description": "d", "url": "https://z/2"},
		),
	}), rep, nil, logx.Nop(), Options{})

	stats, err := c.RunPass(ctx, t0)
	if err != nil {
		t.Fatal(err)
	}
	want := domain.RunStats{SourceID: src.ID, SourceName: "jobs", Success: false, Received: 2, Saved: 0}
	if len(stats) != 1 || stats[0] != want {
		t.Fatalf("stats=%+v want %+v", stats, want)
	}

	postings, err := st.ListPostings(ctx, src.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(postings) != 0 {
		t.Fatalf("rolled back postings leaked: %+v", postings)
	}
	runs, err := st.RecentRuns(ctx, src.ID, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].Success || runs[0].ReceivedCount != 2 {
		t.Fatalf("runs=%+v", runs)
	}
	incidents := rep.all()
	if len(incidents) != 1 || incidents[0].Stage() != "persistence" {
		t.Fatalf("incidents=%+v", incidents)
	}
}

// historyFailStore fails RecentRuns for one source.
type historyFailStore struct {
	Store
	badID string
}

func (s historyFailStore) RecentRuns(ctx context.Context, id string, limit int) ([]domain.RunRecord, error) {
	if id == s.badID {
		return nil, errors.New("relation \"run_records\" does not exist")
	}
	return s.Store.RecentRuns(ctx, id, limit)
}

func TestRunPassReportsUnreadableHistory(t *testing.T) {
	t.Parallel()

	st := openStore(t)
	ctx := context.Background()
	bad := addSource(t, st, "a-broken-history")
	good := addSource(t, st, "b-fine")

	rep := &recordingReporter{}
	c := New(historyFailStore{Store: FromStorage(st), badID: bad.ID}, agents(map[string]agent.Func{
		"a-broken-history": items(domain.RawItem{"title": "x", "url": "https://h/1"}),
		"b-fine":           items(domain.RawItem{"title": "y", "description": "d", "url": "https://h/2"}),
	}), rep, nil, logx.Nop(), Options{})

	stats, err := c.RunPass(ctx, t0)
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 1 || stats[0].SourceID != good.ID || !stats[0].Success {
		t.Fatalf("stats=%+v", stats)
	}
	incidents := rep.all()
	if len(incidents) != 1 {
		t.Fatalf("incidents=%+v", incidents)
	}
	if inc := incidents[0]; inc.SourceID != bad.ID || inc.Stage() != "persistence" || !strings.Contains(inc.Err.Error(), "load run history") {
		t.Fatalf("incident=%+v", inc)
	}
}

func TestRunPassRecoversAgentPanic(t *testing.T) {
	t.Parallel()

	st := openStore(t)
	ctx := context.Background()
	panicky := addSource(t, st, "a-panics")
	addSource(t, st, "b-fine")

	rep := &recordingReporter{}
	c := New(FromStorage(st), agents(map[string]agent.Func{
		"a-panics": func(context.Context) ([]domain.RawItem, error) { panic("nil map") },
		"b-fine":   items(),
	}), rep, nil, logx.Nop(), Options{})

	stats, err := c.RunPass(ctx, t0)
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 2 || stats[0].Success || !stats[1].Success {
		t.Fatalf("stats=%+v", stats)
	}
	if len(rep.all()) != 1 {
		t.Fatalf("want one incident, got %+v", rep.all())
	}
	runs, err := st.RecentRuns(ctx, panicky.ID, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].Success {
		t.Fatalf("runs=%+v", runs)
	}
}

func TestRunPassWorkersKeepRegistryOrder(t *testing.T) {
	t.Parallel()

	st := openStore(t)
	ctx := context.Background()
	names := []string{"a", "b", "c", "d", "e", "f"}
	byName := map[string]agent.Func{}
	for i, n := range names {
		addSource(t, st, n)
		delay := time.Duration(len(names)-i) * 5 * time.Millisecond
		byName[n] = func(ctx context.Context) ([]domain.RawItem, error) {
			time.Sleep(delay)
			return []domain.RawItem{{"title": n, "description": "d", "url": "https://w/" + n}}, nil
		}
	}

	c := New(FromStorage(st), agents(byName), nil, nil, logx.Nop(), Options{Workers: 3})
	stats, err := c.RunPass(ctx, t0)
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != len(names) {
		t.Fatalf("stats=%+v", stats)
	}
	for i, s := range stats {
		if s.SourceName != names[i] || !s.Success || s.Saved != 1 {
			t.Fatalf("stats[%d]=%+v", i, s)
		}
	}
}

func TestRunPassPublishesEvents(t *testing.T) {
	t.Parallel()

	st := openStore(t)
	ctx := context.Background()
	addSource(t, st, "evt")

	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8)
	defer unsub()

	c := New(FromStorage(st), agents(map[string]agent.Func{"evt": items()}), nil, bus, logx.Nop(), Options{})
	if _, err := c.RunPass(ctx, t0); err != nil {
		t.Fatal(err)
	}

	var types []string
	for len(ch) > 0 {
		types = append(types, (<-ch).Type)
	}
	want := []string{eventbus.TypePassStarted, eventbus.TypeSourceFinished, eventbus.TypePassFinished}
	if len(types) != len(want) {
		t.Fatalf("events=%v", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("events=%v want %v", types, want)
		}
	}
}

func TestRunPassCanceledContext(t *testing.T) {
	t.Parallel()

	st := openStore(t)
	addSource(t, st, "never")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := New(FromStorage(st), agents(map[string]agent.Func{"never": items()}), nil, nil, logx.Nop(), Options{})
	if _, err := c.RunPass(ctx, t0); !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}

func TestRetentionPrunesOldPostings(t *testing.T) {
	t.Parallel()

	st := openStore(t)
	ctx := context.Background()
	tx, err := st.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for i, at := range []time.Time{t0.AddDate(0, 0, -100), t0.AddDate(0, 0, -10)} {
		p := domain.Posting{Title: "p", Company: "c", Description: "d", URL: "https://r/" + string(rune('a'+i)), Type: domain.TypeJob, CreatedAt: at, VacancyCreatedAt: at}
		if _, err := tx.InsertPosting(ctx, &p); err != nil {
			t.Fatal(err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	bus := eventbus.New()
	ch, unsub := bus.Subscribe(1)
	defer unsub()

	n, err := Retention{Store: st, Bus: bus}.Run(ctx, t0)
	if err != nil || n != 1 {
		t.Fatalf("Run=%d,%v", n, err)
	}
	ev := <-ch
	if data, ok := ev.Data.(eventbus.Retention); !ok || data.Deleted != 1 {
		t.Fatalf("event=%+v", ev)
	}
	left, err := st.ListPostings(ctx, "")
	if err != nil || len(left) != 1 {
		t.Fatalf("left=%+v err=%v", left, err)
	}
}
