package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pulsewire/platform/pkg/common/models"
)

// Wire DTOs for the upstream filtered-stream API. Payloads are validated
// and converted into internal models at this boundary; loosely-typed field
// chasing stops here.

type wireMessage struct {
	Data     *wireTweet   `json:"data"`
	Includes wireIncludes `json:"includes"`
}

type wireIncludes struct {
	Tweets []wireTweet `json:"tweets"`
	Users  []wireUser  `json:"users"`
}

type wireTweet struct {
	ID                 string                `json:"id"`
	Text               string                `json:"text"`
	AuthorID           string                `json:"author_id"`
	Lang               string                `json:"lang"`
	CreatedAt          string                `json:"created_at"`
	Source             string                `json:"source"`
	ContextAnnotations []wireContext         `json:"context_annotations"`
	ReferencedTweets   []wireReferencedTweet `json:"referenced_tweets"`
	PublicMetrics      wireMetrics           `json:"public_metrics"`
}

type wireContext struct {
	Domain wireNamed `json:"domain"`
	Entity wireNamed `json:"entity"`
}

type wireNamed struct {
	Name string `json:"name"`
}

type wireReferencedTweet struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type wireMetrics struct {
	RetweetCount int `json:"retweet_count"`
	ReplyCount   int `json:"reply_count"`
	LikeCount    int `json:"like_count"`
	QuoteCount   int `json:"quote_count"`
}

type wireUser struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username"`
}

// ParsePayload decodes and validates one stream line into the internal
// payload shape.
func ParsePayload(line []byte) (models.StreamPayload, error) {
	var msg wireMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return models.StreamPayload{}, fmt.Errorf("decoding stream message: %w", err)
	}
	if msg.Data == nil {
		return models.StreamPayload{}, errors.New("stream message has no data")
	}

	record, err := msg.Data.toRecord()
	if err != nil {
		return models.StreamPayload{}, err
	}

	payload := models.StreamPayload{Record: record}
	for _, t := range msg.Includes.Tweets {
		included, err := t.toRecord()
		if err != nil {
			// Included entities are best-effort; a bad one never blocks the
			// primary record.
			continue
		}
		payload.Includes.Records = append(payload.Includes.Records, included)
	}
	for _, u := range msg.Includes.Users {
		if u.ID == "" {
			continue
		}
		payload.Includes.Authors = append(payload.Includes.Authors, models.Author{
			ID:       u.ID,
			Name:     u.Name,
			Username: u.Username,
		})
	}
	return payload, nil
}

func (t wireTweet) toRecord() (models.Record, error) {
	if t.ID == "" {
		return models.Record{}, errors.New("tweet missing id")
	}
	if t.Text == "" {
		return models.Record{}, fmt.Errorf("tweet %s missing text", t.ID)
	}

	record := models.Record{
		ID:          t.ID,
		AuthorID:    t.AuthorID,
		Text:        t.Text,
		Lang:        t.Lang,
		SourceLabel: t.Source,
		Metrics: models.PublicMetrics{
			RetweetCount: t.PublicMetrics.RetweetCount,
			ReplyCount:   t.PublicMetrics.ReplyCount,
			LikeCount:    t.PublicMetrics.LikeCount,
			QuoteCount:   t.PublicMetrics.QuoteCount,
		},
	}

	if t.CreatedAt != "" {
		parsed, err := time.Parse(time.RFC3339, t.CreatedAt)
		if err == nil {
			record.CreatedAt = parsed.UTC()
		}
	}

	seen := make(map[string]struct{})
	for _, ann := range t.ContextAnnotations {
		name := ann.Domain.Name
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		record.ContextDomains = append(record.ContextDomains, name)
	}

	for _, ref := range t.ReferencedTweets {
		if ref.ID == "" {
			continue
		}
		record.Referenced = append(record.Referenced, models.ReferencedRecord{
			ID:   ref.ID,
			Type: ref.Type,
		})
	}

	return record, nil
}
