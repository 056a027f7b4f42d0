package metrics

import (
	"fmt"
	"net/http"
	"sync/atomic"
)

var (
	streamRecords     atomic.Int64
	streamKeepAlives  atomic.Int64
	streamReconnects  atomic.Int64
	streamDeadLetters atomic.Int64
	fanoutAccepted    atomic.Int64
	fanoutFailed      atomic.Int64
	filteredRecords   atomic.Int64
	enrichCacheHits   atomic.Int64
	enrichCacheMisses atomic.Int64
	enrichFailures    atomic.Int64
	storeApplied      atomic.Int64
	storeConflicts    atomic.Int64
	indexedDocs       atomic.Int64
	indexFailures     atomic.Int64
	replayResubmitted atomic.Int64
	replayDuplicates  atomic.Int64
)

func AddStreamRecords(n int)     { streamRecords.Add(int64(n)) }
func AddStreamKeepAlives(n int)  { streamKeepAlives.Add(int64(n)) }
func AddStreamReconnects(n int)  { streamReconnects.Add(int64(n)) }
func AddStreamDeadLetters(n int) { streamDeadLetters.Add(int64(n)) }
func AddFanoutAccepted(n int)    { fanoutAccepted.Add(int64(n)) }
func AddFanoutFailed(n int)      { fanoutFailed.Add(int64(n)) }
func AddFiltered(n int)          { filteredRecords.Add(int64(n)) }
func AddEnrichCacheHits(n int)   { enrichCacheHits.Add(int64(n)) }
func AddEnrichCacheMisses(n int) { enrichCacheMisses.Add(int64(n)) }
func AddEnrichFailures(n int)    { enrichFailures.Add(int64(n)) }
func AddStoreApplied(n int)      { storeApplied.Add(int64(n)) }
func AddStoreConflicts(n int)    { storeConflicts.Add(int64(n)) }
func AddIndexedDocs(n int)       { indexedDocs.Add(int64(n)) }
func AddIndexFailures(n int)     { indexFailures.Add(int64(n)) }
func AddReplayResubmitted(n int) { replayResubmitted.Add(int64(n)) }
func AddReplayDuplicates(n int)  { replayDuplicates.Add(int64(n)) }

func WritePrometheus(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	counters := []struct {
		name string
		help string
		val  *atomic.Int64
	}{
		{"pulsewire_stream_records_total", "Records received on the stream connection.", &streamRecords},
		{"pulsewire_stream_keepalives_total", "Keep-alive signals received on the stream connection.", &streamKeepAlives},
		{"pulsewire_stream_reconnects_total", "Stream reconnect attempts.", &streamReconnects},
		{"pulsewire_stream_deadletters_total", "Records routed to the dead-letter sink.", &streamDeadLetters},
		{"pulsewire_fanout_accepted_total", "Records accepted by the transport.", &fanoutAccepted},
		{"pulsewire_fanout_failed_total", "Records rejected by the transport after retries.", &fanoutFailed},
		{"pulsewire_filtered_total", "Records rejected by the filter chain.", &filteredRecords},
		{"pulsewire_enrich_cache_hits_total", "Enrichment cache hits.", &enrichCacheHits},
		{"pulsewire_enrich_cache_misses_total", "Enrichment cache misses.", &enrichCacheMisses},
		{"pulsewire_enrich_failures_total", "Records whose enrichment exhausted retries.", &enrichFailures},
		{"pulsewire_store_applied_total", "Conditional writes applied by the durable store.", &storeApplied},
		{"pulsewire_store_conflicts_total", "Conditional writes rejected as stale.", &storeConflicts},
		{"pulsewire_index_docs_total", "Documents upserted into the search index.", &indexedDocs},
		{"pulsewire_index_failures_total", "Per-document index failures.", &indexFailures},
		{"pulsewire_replay_resubmitted_total", "Archived records resubmitted through the transport.", &replayResubmitted},
		{"pulsewire_replay_duplicates_total", "Archived records dropped as duplicates before resubmission.", &replayDuplicates},
	}

	for _, c := range counters {
		fmt.Fprintf(w, "# HELP %s %s\n", c.name, c.help)
		fmt.Fprintf(w, "# TYPE %s counter\n", c.name)
		fmt.Fprintf(w, "%s %d\n", c.name, c.val.Load())
	}
}
