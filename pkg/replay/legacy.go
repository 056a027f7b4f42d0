package replay

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/pulsewire/platform/pkg/common/models"
	"github.com/pulsewire/platform/pkg/stream"
)

// Older archive objects predate the current wire schema: string ids live
// under id_str, timestamps use the classic ruby date layout, the source
// label is wrapped in an anchor tag and entities carry character-index
// offsets. translateLegacy lifts those lines into the current shape; the
// offsets are dropped since the current schema keys entities by text only.

var sourceAnchor = regexp.MustCompile(`<a[^>]*>(.*?)</a>`)

const legacyTimeLayout = time.RubyDate

type legacyEntity struct {
	Text    string `json:"text"`
	Indices []int  `json:"indices"`
}

type legacyEntities struct {
	Hashtags []legacyEntity `json:"hashtags"`
}

type legacyUser struct {
	IDStr      string `json:"id_str"`
	Name       string `json:"name"`
	ScreenName string `json:"screen_name"`
}

type legacyRecord struct {
	IDStr                string         `json:"id_str"`
	Text                 string         `json:"text"`
	FullText             string         `json:"full_text"`
	Lang                 string         `json:"lang"`
	CreatedAt            string         `json:"created_at"`
	Source               string         `json:"source"`
	User                 *legacyUser    `json:"user"`
	Entities             legacyEntities `json:"entities"`
	RetweetCount         int            `json:"retweet_count"`
	FavoriteCount        int            `json:"favorite_count"`
	RetweetedStatus      *legacyRecord  `json:"retweeted_status"`
	QuotedStatusIDStr    string         `json:"quoted_status_id_str"`
	InReplyToStatusIDStr string         `json:"in_reply_to_status_id_str"`
}

// parseArchivedLine decodes one archived line. Archive objects written by
// the archiver carry the internal payload shape; older objects may carry
// the raw upstream wire shape or the legacy schema.
func parseArchivedLine(line []byte) (models.StreamPayload, error) {
	var payload models.StreamPayload
	if err := json.Unmarshal(line, &payload); err == nil && payload.Record.ID != "" && payload.Record.Text != "" {
		return payload, nil
	}

	if payload, err := stream.ParsePayload(line); err == nil {
		return payload, nil
	}

	var legacy legacyRecord
	if err := json.Unmarshal(line, &legacy); err != nil || legacy.IDStr == "" {
		return models.StreamPayload{}, errors.New("line matches no known archive schema")
	}
	return translateLegacy(legacy)
}

func translateLegacy(legacy legacyRecord) (models.StreamPayload, error) {
	text := legacy.FullText
	if text == "" {
		text = legacy.Text
	}
	if text == "" {
		return models.StreamPayload{}, fmt.Errorf("legacy record %s has no text", legacy.IDStr)
	}

	rec := models.Record{
		ID:          legacy.IDStr,
		Text:        text,
		Lang:        legacy.Lang,
		SourceLabel: stripSourceAnchor(legacy.Source),
		Metrics: models.PublicMetrics{
			RetweetCount: legacy.RetweetCount,
			LikeCount:    legacy.FavoriteCount,
		},
	}
	if legacy.CreatedAt != "" {
		created, err := time.Parse(legacyTimeLayout, legacy.CreatedAt)
		if err != nil {
			return models.StreamPayload{}, fmt.Errorf("legacy record %s: bad created_at %q: %w", legacy.IDStr, legacy.CreatedAt, err)
		}
		rec.CreatedAt = created.UTC()
	}

	seen := make(map[string]struct{}, len(legacy.Entities.Hashtags))
	for _, tag := range legacy.Entities.Hashtags {
		name := strings.ToLower(tag.Text)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		rec.ContextDomains = append(rec.ContextDomains, name)
	}

	if legacy.RetweetedStatus != nil && legacy.RetweetedStatus.IDStr != "" {
		rec.Referenced = append(rec.Referenced, models.ReferencedRecord{
			ID:   legacy.RetweetedStatus.IDStr,
			Type: models.RelationRetweeted,
		})
	}
	if legacy.QuotedStatusIDStr != "" {
		rec.Referenced = append(rec.Referenced, models.ReferencedRecord{
			ID:   legacy.QuotedStatusIDStr,
			Type: models.RelationQuoted,
		})
	}
	if legacy.InReplyToStatusIDStr != "" {
		rec.Referenced = append(rec.Referenced, models.ReferencedRecord{
			ID:   legacy.InReplyToStatusIDStr,
			Type: models.RelationRepliedTo,
		})
	}

	payload := models.StreamPayload{Record: rec}
	if legacy.User != nil && legacy.User.IDStr != "" {
		rec.AuthorID = legacy.User.IDStr
		payload.Record = rec
		payload.Includes.Authors = []models.Author{{
			ID:       legacy.User.IDStr,
			Name:     legacy.User.Name,
			Username: legacy.User.ScreenName,
		}}
	}
	return payload, nil
}

func stripSourceAnchor(source string) string {
	if m := sourceAnchor.FindStringSubmatch(source); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(source)
}
