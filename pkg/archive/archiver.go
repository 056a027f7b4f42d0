package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pulsewire/platform/pkg/common/logger"
	"github.com/pulsewire/platform/pkg/common/models"
)

// ObjectPutter is the write surface the archiver needs from the store.
type ObjectPutter interface {
	Put(ctx context.Context, key string, data []byte, contentEncoding string) error
}

// Archiver buffers raw stream payloads and flushes them as gzip NDJSON
// objects, rotating by record count and buffer age. This is the write side
// of the replay path.
type Archiver struct {
	store      ObjectPutter
	prefix     string
	maxRecords int
	maxAge     time.Duration

	mu      sync.Mutex
	buf     bytes.Buffer
	gz      *gzip.Writer
	count   int
	started time.Time
}

func NewArchiver(store ObjectPutter, prefix string, maxRecords int, maxAge time.Duration) *Archiver {
	if maxRecords <= 0 {
		maxRecords = 5000
	}
	if maxAge <= 0 {
		maxAge = 5 * time.Minute
	}
	return &Archiver{
		store:      store,
		prefix:     prefix,
		maxRecords: maxRecords,
		maxAge:     maxAge,
	}
}

// Add appends one payload line and flushes when the object is full or old
// enough.
func (a *Archiver) Add(ctx context.Context, payload models.StreamPayload) error {
	line, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling payload for archive: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.gz == nil {
		a.gz = gzip.NewWriter(&a.buf)
		a.started = time.Now().UTC()
	}
	if _, err := a.gz.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("buffering archive line: %w", err)
	}
	a.count++

	if a.count >= a.maxRecords || time.Since(a.started) >= a.maxAge {
		return a.flushLocked(ctx)
	}
	return nil
}

// Flush writes any buffered records out immediately.
func (a *Archiver) Flush(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flushLocked(ctx)
}

func (a *Archiver) flushLocked(ctx context.Context) error {
	if a.count == 0 {
		return nil
	}
	if a.gz != nil {
		if err := a.gz.Close(); err != nil {
			return fmt.Errorf("closing gzip stream: %w", err)
		}
		// A nil writer over a non-empty buffer makes the next Add start a
		// fresh gzip member; concatenated members are a valid stream, so a
		// failed Put below keeps the data for the next flush attempt.
		a.gz = nil
	}

	now := time.Now().UTC()
	key := fmt.Sprintf("%s/%s/%s.ndjson.gz", a.prefix, now.Format("2006/01/02"), uuid.New().String())
	if err := a.store.Put(ctx, key, a.buf.Bytes(), "gzip"); err != nil {
		return err
	}

	logger.Log.WithFields(map[string]interface{}{
		"key":     key,
		"records": a.count,
	}).Info("Archive object written")

	a.buf.Reset()
	a.count = 0
	return nil
}
