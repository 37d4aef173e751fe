// Package schedule decides whether a source is due to run.
//
// Everything here is pure: callers pass the source, its most recent run
// records (newest first) and the current time.
package schedule
