// Package storage persists the ingestion engine's state: the source
// registry, run history, postings with their tag links, and the tag
// vocabulary.
//
// One portable schema serves both drivers:
//   - "sqlite": modernc.org/sqlite database file (pure Go)
//   - "postgres": lib/pq
//
// Timestamps are stored as fixed-width UTC text so that lexical order is
// chronological on both backends.
package storage
