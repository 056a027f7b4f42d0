package models

import (
	"time"

	"github.com/google/uuid"
)

// Relation types carried on referenced records.
const (
	RelationRetweeted = "retweeted"
	RelationQuoted    = "quoted"
	RelationRepliedTo = "replied_to"
)

// LangUndetermined is the sentinel language code for text whose language
// could not be established.
const LangUndetermined = "und"

// Envelope sources.
const (
	SourceStream = "stream"
	SourceReplay = "replay"
)

// PublicMetrics holds the engagement counters attached to a record.
type PublicMetrics struct {
	RetweetCount int `json:"retweet_count"`
	ReplyCount   int `json:"reply_count"`
	LikeCount    int `json:"like_count"`
	QuoteCount   int `json:"quote_count"`
}

// ReferencedRecord links a record to another record it retweets, quotes
// or replies to.
type ReferencedRecord struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// Record is the canonical internal representation of one ingested post.
// ID is the natural key and is stable across re-ingestion.
type Record struct {
	ID             string             `json:"id"`
	AuthorID       string             `json:"author_id,omitempty"`
	Text           string             `json:"text"`
	Lang           string             `json:"lang,omitempty"`
	CreatedAt      time.Time          `json:"created_at,omitempty"`
	SourceLabel    string             `json:"source,omitempty"`
	ContextDomains []string           `json:"context_domains,omitempty"`
	Referenced     []ReferencedRecord `json:"referenced_records,omitempty"`
	Metrics        PublicMetrics      `json:"public_metrics"`
}

// IsRetweet reports whether the record is a plain retweet of another record.
func (r Record) IsRetweet() bool {
	for _, ref := range r.Referenced {
		if ref.Type == RelationRetweeted {
			return true
		}
	}
	return false
}

// Author is a user profile bundled with a record's ingestion event.
type Author struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Username string `json:"username,omitempty"`
}

// Includes carries secondary records bundled with a primary record:
// referenced/quoted originals and author profiles.
type Includes struct {
	Records []Record `json:"records,omitempty"`
	Authors []Author `json:"authors,omitempty"`
}

// StreamPayload is one ingestion event: a primary record plus its includes.
type StreamPayload struct {
	Record   Record   `json:"record"`
	Includes Includes `json:"includes,omitempty"`
}

// Author returns the bundled profile for the given author id, if present.
func (p StreamPayload) Author(id string) *Author {
	for i := range p.Includes.Authors {
		if p.Includes.Authors[i].ID == id {
			return &p.Includes.Authors[i]
		}
	}
	return nil
}

// Envelope wraps a StreamPayload on the transport.
type Envelope struct {
	ID        string        `json:"id"`
	Source    string        `json:"source"` // stream, replay
	Payload   StreamPayload `json:"payload"`
	Timestamp time.Time     `json:"timestamp"`
}

// NewEnvelope wraps a payload for publication.
func NewEnvelope(source string, payload StreamPayload) Envelope {
	return Envelope{
		ID:        uuid.New().String(),
		Source:    source,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// SentimentScores holds the per-class confidence of a sentiment call.
type SentimentScores struct {
	Positive float64 `json:"positive"`
	Negative float64 `json:"negative"`
	Neutral  float64 `json:"neutral"`
	Mixed    float64 `json:"mixed"`
}

// EnrichmentResult is the NLP-derived metadata for one distinct normalized
// text. It is computed once per NormalizedTextHash and cached; entries are
// immutable until they expire.
type EnrichmentResult struct {
	NormalizedText     string          `json:"normalized_text"`
	NormalizedTextHash string          `json:"normalized_text_hash"`
	Sentiment          string          `json:"sentiment"`
	SentimentScores    SentimentScores `json:"sentiment_scores"`
	Entities           []string        `json:"entities,omitempty"`
	LanguageCode       string          `json:"language_code"`
}
