package fanout

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/pulsewire/platform/pkg/common/models"
	"github.com/segmentio/kafka-go"
)

type fakeWriter struct {
	calls   [][]kafka.Message
	// failKeys maps a record id to how many times its message should be
	// rejected before succeeding. -1 fails forever.
	failKeys map[string]int
}

func (w *fakeWriter) WriteBatch(_ context.Context, msgs []kafka.Message) ([]int, error) {
	w.calls = append(w.calls, msgs)
	var failed []int
	for i, msg := range msgs {
		key := string(msg.Key)
		remaining, ok := w.failKeys[key]
		if !ok || remaining == 0 {
			continue
		}
		if remaining > 0 {
			w.failKeys[key] = remaining - 1
		}
		failed = append(failed, i)
	}
	return failed, nil
}

func envelopes(n int) []models.Envelope {
	envs := make([]models.Envelope, 0, n)
	for i := 0; i < n; i++ {
		envs = append(envs, models.NewEnvelope("stream", models.StreamPayload{
			Record: models.Record{ID: fmt.Sprintf("id-%d", i), Text: "hello"},
		}))
	}
	return envs
}

func TestPublishChunksByCount(t *testing.T) {
	w := &fakeWriter{}
	f := New(w, 10, 1<<20, 0)

	res := f.Publish(context.Background(), envelopes(25))
	if res.Accepted != 25 || res.Failed != 0 {
		t.Fatalf("got %+v, want 25 accepted", res)
	}
	if len(w.calls) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(w.calls))
	}
	if len(w.calls[0]) != 10 || len(w.calls[1]) != 10 || len(w.calls[2]) != 5 {
		t.Fatalf("unexpected batch sizes: %d/%d/%d", len(w.calls[0]), len(w.calls[1]), len(w.calls[2]))
	}
}

func TestPublishChunksByBytes(t *testing.T) {
	w := &fakeWriter{}
	f := New(w, 1000, 2048, 0)

	big := strings.Repeat("x", 900)
	envs := make([]models.Envelope, 0, 4)
	for i := 0; i < 4; i++ {
		envs = append(envs, models.NewEnvelope("stream", models.StreamPayload{
			Record: models.Record{ID: fmt.Sprintf("big-%d", i), Text: big},
		}))
	}

	res := f.Publish(context.Background(), envs)
	if res.Accepted != 4 {
		t.Fatalf("got %+v, want 4 accepted", res)
	}
	if len(w.calls) < 2 {
		t.Fatalf("expected byte cap to split batches, got %d call(s)", len(w.calls))
	}
	for i, call := range w.calls {
		var size int
		for _, msg := range call {
			size += len(msg.Key) + len(msg.Value)
		}
		if size > 2048 {
			t.Fatalf("batch %d exceeds byte cap: %d", i, size)
		}
	}
}

func TestPublishRetriesFailedSubsetOnly(t *testing.T) {
	w := &fakeWriter{failKeys: map[string]int{"id-1": 1}}
	f := New(w, 100, 1<<20, 3)
	f.retryDelay = 0

	res := f.Publish(context.Background(), envelopes(3))
	if res.Accepted != 3 || res.Failed != 0 {
		t.Fatalf("got %+v, want everything accepted after retry", res)
	}
	if len(w.calls) != 2 {
		t.Fatalf("expected 2 write calls, got %d", len(w.calls))
	}
	if len(w.calls[1]) != 1 || string(w.calls[1][0].Key) != "id-1" {
		t.Fatalf("retry call should contain only the failed message, got %d messages", len(w.calls[1]))
	}
}

func TestPublishCountsExhaustedFailures(t *testing.T) {
	w := &fakeWriter{failKeys: map[string]int{"id-0": -1}}
	f := New(w, 100, 1<<20, 2)
	f.retryDelay = 0

	res := f.Publish(context.Background(), envelopes(2))
	if res.Accepted != 1 || res.Failed != 1 {
		t.Fatalf("got %+v, want 1 accepted / 1 failed", res)
	}
}

func TestForwardSignalsFailure(t *testing.T) {
	w := &fakeWriter{failKeys: map[string]int{"only": -1}}
	f := New(w, 100, 1<<20, 0)
	f.retryDelay = 0

	err := f.Forward(context.Background(), "stream", models.StreamPayload{
		Record: models.Record{ID: "only", Text: "x"},
	})
	if err == nil {
		t.Fatal("expected ErrNotForwarded")
	}
}
