package archive

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// ErrObjectNotFound is returned when a requested archive object does not exist.
var ErrObjectNotFound = errors.New("archive object not found")

// Store wraps the archive bucket. Objects are newline-delimited JSON,
// optionally gzip-compressed (signalled by ContentEncoding or a .gz suffix).
type Store struct {
	client *storage.Client
	bucket string
}

func NewStore(ctx context.Context, bucket string) (*Store, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating storage client: %w", err)
	}
	return &Store{client: client, bucket: bucket}, nil
}

// Open returns a reader for the object body plus its content encoding.
// Raw reads are requested so gzip handling stays with the caller.
func (s *Store) Open(ctx context.Context, key string) (io.ReadCloser, string, error) {
	obj := s.client.Bucket(s.bucket).Object(key).ReadCompressed(true)
	r, err := obj.NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, "", ErrObjectNotFound
		}
		return nil, "", fmt.Errorf("opening object %s: %w", key, err)
	}
	return r, r.Attrs.ContentEncoding, nil
}

// Put writes an object. When contentEncoding is "gzip" the data is expected
// to already be compressed.
func (s *Store) Put(ctx context.Context, key string, data []byte, contentEncoding string) error {
	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	w.ContentType = "application/x-ndjson"
	w.ContentEncoding = contentEncoding
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("writing object %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing object %s: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.client.Bucket(s.bucket).Object(key).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return ErrObjectNotFound
	}
	return err
}

// List returns all object keys under the given prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	var keys []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("listing objects under %s: %w", prefix, err)
		}
		keys = append(keys, attrs.Name)
	}
	return keys, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}
