package normalize

import (
	"encoding/json"
	"testing"
	"time"

	"harvester/internal/domain"
)

var passTime = time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)

func TestItemRequiredFields(t *testing.T) {
	t.Parallel()

	base := func() domain.RawItem {
		return domain.RawItem{"title": " Go dev ", "description": "backend", "url": "https://x/1"}
	}
	for _, field := range []string{"title", "description", "url"} {
		raw := base()
		delete(raw, field)
		if _, ok := Item(raw, passTime); ok {
			t.Fatalf("missing %s should drop item", field)
		}
		raw = base()
		raw[field] = "   "
		if _, ok := Item(raw, passTime); ok {
			t.Fatalf("blank %s should drop item", field)
		}
	}
	if _, ok := Item(nil, passTime); ok {
		t.Fatalf("nil item should drop")
	}

	p, ok := Item(base(), passTime)
	if !ok {
		t.Fatalf("valid item dropped")
	}
	if p.Title != "Go dev" {
		t.Fatalf("title not trimmed: %q", p.Title)
	}
	if p.Company != DefaultCompany {
		t.Fatalf("company=%q", p.Company)
	}
	if p.Type != domain.TypeJob || p.Status != domain.StatusNew {
		t.Fatalf("type=%q status=%q", p.Type, p.Status)
	}
	if !p.CreatedAt.Equal(passTime) || !p.VacancyCreatedAt.Equal(passTime) {
		t.Fatalf("timestamps should fall back to pass time: %v %v", p.CreatedAt, p.VacancyCreatedAt)
	}
}

func TestItemTypeAndCompany(t *testing.T) {
	t.Parallel()

	cases := []struct {
		typ  any
		want domain.PostingType
	}{
		{"internship", domain.TypeInternship},
		{"conference", domain.TypeConference},
		{"contest", domain.TypeContest},
		{"hackathon", domain.TypeJob},
		{nil, domain.TypeJob},
		{42, domain.TypeJob},
	}
	for _, tc := range cases {
		raw := domain.RawItem{"title": "t", "description": "d", "url": "u", "type": tc.typ, "company": "  Acme "}
		p, ok := Item(raw, passTime)
		if !ok {
			t.Fatalf("dropped")
		}
		if p.Type != tc.want {
			t.Fatalf("type %v -> %q want %q", tc.typ, p.Type, tc.want)
		}
		if p.Company != "Acme" {
			t.Fatalf("company=%q", p.Company)
		}
	}
}

func TestVacancyCreatedAtConvertsToUTC(t *testing.T) {
	t.Parallel()

	raw := domain.RawItem{
		"title": "t", "description": "d", "url": "u",
		"vacancy_created_at": "2025-01-01T10:00:00+03:00",
	}
	p, _ := Item(raw, passTime)
	want := time.Date(2025, 1, 1, 7, 0, 0, 0, time.UTC)
	if !p.VacancyCreatedAt.Equal(want) || p.VacancyCreatedAt.Location() != time.UTC {
		t.Fatalf("vacancy_created_at=%v want %v", p.VacancyCreatedAt, want)
	}
	if got := p.VacancyCreatedAt.Format("2006-01-02T15:04:05"); got != "2025-01-01T07:00:00" {
		t.Fatalf("formatted=%q", got)
	}
}

func TestVacancyCreatedAtFallsBackToCreatedAt(t *testing.T) {
	t.Parallel()

	raw := domain.RawItem{
		"title": "t", "description": "d", "url": "u",
		"created_at":         "2024-12-31T23:00:00Z",
		"vacancy_created_at": "yesterday",
	}
	p, _ := Item(raw, passTime)
	want := time.Date(2024, 12, 31, 23, 0, 0, 0, time.UTC)
	if !p.CreatedAt.Equal(want) || !p.VacancyCreatedAt.Equal(want) {
		t.Fatalf("created=%v vacancy=%v", p.CreatedAt, p.VacancyCreatedAt)
	}
}

func TestTimestamp(t *testing.T) {
	t.Parallel()

	fb := passTime
	moscow := time.FixedZone("MSK", 3*3600)
	cases := []struct {
		name string
		in   any
		want time.Time
	}{
		{"rfc3339 z", "2025-02-03T04:05:06Z", time.Date(2025, 2, 3, 4, 5, 6, 0, time.UTC)},
		{"fractional", "2025-02-03T04:05:06.250+01:00", time.Date(2025, 2, 3, 3, 5, 6, 250e6, time.UTC)},
		{"offset without colon", "2025-01-01T10:00:00+0300", time.Date(2025, 1, 1, 7, 0, 0, 0, time.UTC)},
		{"space offset without colon", "2025-01-01 10:00:00.5-0130", time.Date(2025, 1, 1, 11, 30, 0, 500e6, time.UTC)},
		{"naive", "2025-02-03T04:05:06", time.Date(2025, 2, 3, 4, 5, 6, 0, time.UTC)},
		{"space separated", "2025-02-03 04:05:06", time.Date(2025, 2, 3, 4, 5, 6, 0, time.UTC)},
		{"date only", "2025-02-03", time.Date(2025, 2, 3, 0, 0, 0, 0, time.UTC)},
		{"garbage", "next tuesday", fb},
		{"empty", "", fb},
		{"typed", time.Date(2025, 2, 3, 7, 0, 0, 0, moscow), time.Date(2025, 2, 3, 4, 0, 0, 0, time.UTC)},
		{"epoch seconds", json.Number("1735725600"), time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)},
		{"epoch float", 1735725600.5, time.Date(2025, 1, 1, 10, 0, 0, 500e6, time.UTC)},
		{"epoch millis", json.Number("1735725600000"), time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)},
		{"int", 0, time.Unix(0, 0).UTC()},
		{"negative", -5, fb},
		{"bool", true, fb},
		{"object", map[string]any{"x": 1}, fb},
		{"nil", nil, fb},
	}
	for _, tc := range cases {
		got := Timestamp(tc.in, fb)
		if !got.Equal(tc.want) {
			t.Fatalf("%s: got %v want %v", tc.name, got, tc.want)
		}
		if got.Location() != time.UTC {
			t.Fatalf("%s: location=%v", tc.name, got.Location())
		}
	}
}

func TestItemStringifiesScalars(t *testing.T) {
	t.Parallel()

	raw := domain.RawItem{"title": json.Number("2025"), "description": "d", "url": "u", "company": []any{"x"}}
	p, ok := Item(raw, passTime)
	if !ok {
		t.Fatalf("numeric title should be accepted")
	}
	if p.Title != "2025" || p.Company != DefaultCompany {
		t.Fatalf("title=%q company=%q", p.Title, p.Company)
	}
}
