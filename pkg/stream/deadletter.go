package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pulsewire/platform/pkg/common/models"
)

// ObjectPutter is the archive-store write surface the dead-letter sink needs.
type ObjectPutter interface {
	Put(ctx context.Context, key string, data []byte, contentEncoding string) error
}

// BucketDeadLetter writes refused records to the archive bucket. The sink
// deliberately avoids the primary transport: if the broker is down, the
// bucket most likely is not.
type BucketDeadLetter struct {
	store  ObjectPutter
	prefix string
}

func NewBucketDeadLetter(store ObjectPutter, prefix string) *BucketDeadLetter {
	if prefix == "" {
		prefix = "deadletter"
	}
	return &BucketDeadLetter{store: store, prefix: prefix}
}

func (d *BucketDeadLetter) Write(ctx context.Context, payload models.StreamPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling dead-letter payload: %w", err)
	}
	key := fmt.Sprintf("%s/%s/%s.json", d.prefix, time.Now().UTC().Format("2006/01/02"), uuid.New().String())
	return d.store.Put(ctx, key, data, "")
}
