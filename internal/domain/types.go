package domain

import "time"

// SourceKind describes how an agent retrieves data. It is informational only.
type SourceKind string

const (
	KindAPIClient       SourceKind = "api_client"
	KindWebsiteParser   SourceKind = "website_parser"
	KindTelegramChannel SourceKind = "tg_channel_parser"
)

func (k SourceKind) Valid() bool {
	switch k {
	case KindAPIClient, KindWebsiteParser, KindTelegramChannel:
		return true
	}
	return false
}

// Source is one configured agent together with its cadence.
//
// LastRunAt is the last-successful-run marker; only the ingestion engine writes it.
type Source struct {
	ID        string
	Name      string
	Kind      SourceKind
	Command   string
	Workdir   string
	Interval  time.Duration
	StartTime time.Time
	Active    bool
	// Timeout overrides the engine's default agent timeout when > 0.
	Timeout   time.Duration
	LastRunAt *time.Time
}

// RunRecord is an immutable outcome of one execution attempt.
type RunRecord struct {
	ID            string
	SourceID      string
	At            time.Time
	Success       bool
	ReceivedCount int
}

// RawItem is one untyped object emitted by an agent.
type RawItem map[string]any

// PostingType enumerates what a posting advertises.
type PostingType string

const (
	TypeJob        PostingType = "job"
	TypeInternship PostingType = "internship"
	TypeConference PostingType = "conference"
	TypeContest    PostingType = "contest"
)

// ParsePostingType maps s onto a known type, falling back to TypeJob.
func ParsePostingType(s string) PostingType {
	switch t := PostingType(s); t {
	case TypeJob, TypeInternship, TypeConference, TypeContest:
		return t
	}
	return TypeJob
}

// PostingStatus tracks a posting through the admin workflow.
// The engine only ever writes StatusNew.
type PostingStatus string

const (
	StatusNew      PostingStatus = "new"
	StatusDeclined PostingStatus = "declined"
	StatusReady    PostingStatus = "ready"
	StatusSent     PostingStatus = "sent"
)

// Posting is a normalized listing. Timestamps are UTC.
type Posting struct {
	ID               string
	SourceID         string
	Title            string
	Company          string
	Description      string
	URL              string
	Type             PostingType
	Status           PostingStatus
	IsDeclined       bool
	CreatedAt        time.Time
	VacancyCreatedAt time.Time
	TagIDs           []string
}

// TagCategory groups the tag vocabulary.
type TagCategory string

const (
	CategoryFormat     TagCategory = "format"
	CategoryOccupation TagCategory = "occupation"
	CategoryPlatform   TagCategory = "platform"
	CategoryLanguage   TagCategory = "language"
	CategoryLocation   TagCategory = "location"
	CategoryTechnology TagCategory = "technology"
	CategoryDuration   TagCategory = "duration"
)

func (c TagCategory) Valid() bool {
	switch c {
	case CategoryFormat, CategoryOccupation, CategoryPlatform, CategoryLanguage,
		CategoryLocation, CategoryTechnology, CategoryDuration:
		return true
	}
	return false
}

type Tag struct {
	ID       string
	Name     string
	Category TagCategory
}

// RunStats summarizes one source's processing within a pass.
type RunStats struct {
	SourceID   string `json:"source_id"`
	SourceName string `json:"source_name,omitempty"`
	Success    bool   `json:"success"`
	Received   int    `json:"received_count"`
	Saved      int    `json:"saved_count"`
}
