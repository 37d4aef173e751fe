// Package domain holds the entities shared by the ingestion engine:
// sources and their run history, raw agent output, normalized postings, and
// the tag vocabulary.
package domain
