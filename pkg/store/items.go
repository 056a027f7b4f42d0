package store

import (
	"context"
	"errors"
	"time"

	"github.com/pulsewire/platform/pkg/common/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrNotFound = errors.New("item not found")

// Item is the durable-store projection of a record plus its enrichment.
// UpdatedAt is the monotonic conflict token: every mutation is conditional
// on it, plain overwrites are forbidden.
type Item struct {
	ID             string                                         `gorm:"primaryKey;column:id"`
	AuthorID       string                                         `gorm:"column:author_id"`
	AuthorName     string                                         `gorm:"column:author_name"`
	AuthorUsername string                                         `gorm:"column:author_username"`
	Text           string                                         `gorm:"column:text"`
	Lang           string                                         `gorm:"column:lang"`
	SourceLabel    string                                         `gorm:"column:source_label"`
	CreatedAt      time.Time                                      `gorm:"column:created_at"`
	ContextDomains datatypes.JSONSlice[string]                    `gorm:"column:context_domains"`
	Referenced     datatypes.JSONSlice[models.ReferencedRecord]   `gorm:"column:referenced"`
	RetweetCount   int                                            `gorm:"column:retweet_count"`
	ReplyCount     int                                            `gorm:"column:reply_count"`
	LikeCount      int                                            `gorm:"column:like_count"`
	QuoteCount     int                                            `gorm:"column:quote_count"`
	Sentiment      string                                         `gorm:"column:sentiment"`
	SentimentPos   float64                                        `gorm:"column:sentiment_positive"`
	SentimentNeg   float64                                        `gorm:"column:sentiment_negative"`
	SentimentNeu   float64                                        `gorm:"column:sentiment_neutral"`
	SentimentMix   float64                                        `gorm:"column:sentiment_mixed"`
	Entities       datatypes.JSONSlice[string]                    `gorm:"column:entities"`
	NormalizedHash string                                         `gorm:"column:normalized_hash"`
	UpdatedAt      int64                                          `gorm:"column:updated_at"`
}

func (Item) TableName() string {
	return "items"
}

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&Item{})
}

// mutable columns overwritten by a full upsert; id and created_at are
// immutable once written.
var upsertColumns = []string{
	"author_id", "author_name", "author_username", "text", "lang",
	"source_label", "context_domains", "referenced",
	"retweet_count", "reply_count", "like_count", "quote_count",
	"sentiment", "sentiment_positive", "sentiment_negative",
	"sentiment_neutral", "sentiment_mixed", "entities",
	"normalized_hash", "updated_at",
}

// PutIfAbsentOrNewer inserts the item, or overwrites an existing row only
// when the incoming conflict token is equal or newer. Losing the race is
// benign: another writer already applied a newer version.
func (r *Repository) PutIfAbsentOrNewer(ctx context.Context, item *Item) (bool, error) {
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns(upsertColumns),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "items.updated_at <= excluded.updated_at"},
		}},
	}).Create(item)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

// UpdateMetricsIfNewer updates only the engagement counters, conditional on
// the conflict token. The second return reports whether a row existed at
// all, so callers can fall back to a full insert for out-of-order arrivals.
func (r *Repository) UpdateMetricsIfNewer(ctx context.Context, id string, m models.PublicMetrics, updatedAt int64) (applied, priorExists bool, err error) {
	tx := r.db.WithContext(ctx).Model(&Item{}).
		Where("id = ? AND updated_at <= ?", id, updatedAt).
		Updates(map[string]interface{}{
			"retweet_count": m.RetweetCount,
			"reply_count":   m.ReplyCount,
			"like_count":    m.LikeCount,
			"quote_count":   m.QuoteCount,
			"updated_at":    updatedAt,
		})
	if tx.Error != nil {
		return false, false, tx.Error
	}
	if tx.RowsAffected > 0 {
		return true, true, nil
	}

	var count int64
	if err := r.db.WithContext(ctx).Model(&Item{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, false, err
	}
	return false, count > 0, nil
}

func (r *Repository) Get(ctx context.Context, id string) (*Item, error) {
	var item Item
	result := r.db.WithContext(ctx).First(&item, "id = ?", id)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &item, result.Error
}
