package storage

import "harvester/internal/domain"

// DefaultTags is the vocabulary seeded into an empty tags table.
// Names are lowercase; matching is case-insensitive anyway.
func DefaultTags() []domain.Tag {
	seed := []struct {
		category domain.TagCategory
		names    []string
	}{
		{domain.CategoryFormat, []string{"remote", "office", "hybrid"}},
		{domain.CategoryOccupation, []string{"тестировщик", "разработчик", "дизайнер", "аналитик", "devops"}},
		{domain.CategoryPlatform, []string{"android", "ios", "windows"}},
		{domain.CategoryLanguage, []string{"python", "kotlin", "swift", "js", "csharp"}},
		{domain.CategoryLocation, []string{"moscow", "spb", "remote"}},
		{domain.CategoryTechnology, []string{"react", "sentry", "postgresql"}},
		{domain.CategoryDuration, []string{"part-time", "full-time"}},
	}
	var out []domain.Tag
	for _, s := range seed {
		for _, n := range s.names {
			out = append(out, domain.Tag{Name: n, Category: s.category})
		}
	}
	return out
}
