// Package normalize coerces raw agent items into canonical postings.
package normalize

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"harvester/internal/domain"
)

const DefaultCompany = "Unknown"

// epochMillisThreshold separates second and millisecond epochs.
const epochMillisThreshold = 1e12

// isoLayouts are tried in order for string timestamps. Layouts without a
// zone are read as UTC.
var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999-0700",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999-0700",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

// Item converts raw into a posting candidate.
//
// ok is false when title, description or url is missing or blank; such items
// are dropped without error. fallback (the pass time) replaces a missing or
// unparseable created_at, and the resolved created_at replaces a missing or
// unparseable vacancy_created_at. The returned posting has no ID, source or
// tags yet.
func Item(raw domain.RawItem, fallback time.Time) (p domain.Posting, ok bool) {
	if raw == nil {
		return domain.Posting{}, false
	}
	title := text(raw["title"])
	description := text(raw["description"])
	url := text(raw["url"])
	if title == "" || description == "" || url == "" {
		return domain.Posting{}, false
	}

	company := text(raw["company"])
	if company == "" {
		company = DefaultCompany
	}

	createdAt := Timestamp(raw["created_at"], fallback)
	vacancyCreatedAt := Timestamp(raw["vacancy_created_at"], createdAt)

	return domain.Posting{
		Title:            title,
		Company:          company,
		Description:      description,
		URL:              url,
		Type:             domain.ParsePostingType(text(raw["type"])),
		Status:           domain.StatusNew,
		CreatedAt:        createdAt,
		VacancyCreatedAt: vacancyCreatedAt,
	}, true
}

// Timestamp coerces v into a UTC time.
//
// Accepted: time.Time, ISO-8601 strings, and numeric Unix epochs (seconds,
// or milliseconds when above 1e12). Anything else yields fallback in UTC.
func Timestamp(v any, fallback time.Time) time.Time {
	fallback = fallback.UTC()
	switch x := v.(type) {
	case time.Time:
		if x.IsZero() {
			return fallback
		}
		return x.UTC()
	case *time.Time:
		if x == nil || x.IsZero() {
			return fallback
		}
		return x.UTC()
	case string:
		if t, ok := parseISO(x); ok {
			return t
		}
		return fallback
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return fallback
		}
		return epoch(f, fallback)
	case float64:
		return epoch(x, fallback)
	case float32:
		return epoch(float64(x), fallback)
	case int:
		return epoch(float64(x), fallback)
	case int64:
		return epoch(float64(x), fallback)
	default:
		return fallback
	}
}

func parseISO(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func epoch(f float64, fallback time.Time) time.Time {
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return fallback
	}
	if f >= epochMillisThreshold {
		f /= 1000
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(math.Round(frac*1e6))*int64(time.Microsecond)).UTC()
}

// text renders scalar JSON values as trimmed strings. Objects and arrays
// count as missing.
func text(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		if !x {
			return ""
		}
		return "true"
	case fmt.Stringer:
		return strings.TrimSpace(x.String())
	default:
		return ""
	}
}
