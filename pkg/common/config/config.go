package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Server
	ServerHost   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Database
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Redis
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Kafka
	KafkaBrokers  []string
	KafkaGroupID  string
	KafkaRawTopic string

	// Stream source
	StreamEndpoint    string
	StreamBearerToken string
	StreamBackoffBase time.Duration
	StreamBackoffMax  time.Duration

	// NLP service
	NLPBaseURL        string
	NLPAPIKey         string
	NLPRetryAttempts  int
	NLPRetryBaseDelay time.Duration
	NLPRetryMaxDelay  time.Duration
	NLPRequestTimeout time.Duration

	// Enrichment
	EnrichmentCacheTTL    time.Duration
	EnrichmentConcurrency int
	EntityScoreThreshold  float64

	// Filters
	FilterConfigPath string

	// Transport fanout
	FanoutMaxBatchCount int
	FanoutMaxBatchBytes int
	FanoutMaxRetries    int

	// Materializer batches
	BatchSize          int
	BatchFlushInterval time.Duration
	BatchDeadline      time.Duration

	// Search index
	IndexPrefix         string
	OpenSearchAddresses []string
	OpenSearchUser      string
	OpenSearchPassword  string

	// Archive / object store
	ArchiveBucket           string
	ArchivePrefix           string
	DeadLetterPrefix        string
	ArchiveMaxObjectRecords int
	ArchiveMaxObjectAge     time.Duration

	// Replay
	ReplayPrefix        string
	ReplayChunkSize     int
	ReplayChunkInterval time.Duration
}

func Load() *Config {
	return &Config{
		ServerHost:   getEnv("SERVER_HOST", "0.0.0.0"),
		ReadTimeout:  getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout: getDuration("WRITE_TIMEOUT", 30*time.Second),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "pulsewire"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "pulsewire123"),
		PostgresDB:       getEnv("POSTGRES_DB", "pulsewire"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),

		KafkaBrokers:  getStringSliceEnv("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaGroupID:  getEnv("KAFKA_GROUP_ID", "pulsewire-platform"),
		KafkaRawTopic: getEnv("KAFKA_RAW_TOPIC", "raw-records"),

		StreamEndpoint:    getEnv("STREAM_ENDPOINT", "https://api.twitter.com/2/tweets/search/stream"),
		StreamBearerToken: getEnv("STREAM_BEARER_TOKEN", ""),
		StreamBackoffBase: getDuration("STREAM_BACKOFF_BASE", time.Second),
		StreamBackoffMax:  getDuration("STREAM_BACKOFF_MAX", time.Minute),

		NLPBaseURL:        getEnv("NLP_BASE_URL", "http://localhost:8090"),
		NLPAPIKey:         getEnv("NLP_API_KEY", ""),
		NLPRetryAttempts:  getIntEnv("NLP_RETRY_ATTEMPTS", 10),
		NLPRetryBaseDelay: getDuration("NLP_RETRY_BASE_DELAY", 100*time.Millisecond),
		NLPRetryMaxDelay:  getDuration("NLP_RETRY_MAX_DELAY", 5*time.Second),
		NLPRequestTimeout: getDuration("NLP_REQUEST_TIMEOUT", 10*time.Second),

		EnrichmentCacheTTL:    getDuration("ENRICHMENT_CACHE_TTL", 30*24*time.Hour),
		EnrichmentConcurrency: getIntEnv("ENRICHMENT_CONCURRENCY", 10),
		EntityScoreThreshold:  getFloatEnv("ENTITY_SCORE_THRESHOLD", 0.8),

		FilterConfigPath: getEnv("FILTER_CONFIG_PATH", ""),

		FanoutMaxBatchCount: getIntEnv("FANOUT_MAX_BATCH_COUNT", 500),
		FanoutMaxBatchBytes: getIntEnv("FANOUT_MAX_BATCH_BYTES", 1<<20),
		FanoutMaxRetries:    getIntEnv("FANOUT_MAX_RETRIES", 3),

		BatchSize:          getIntEnv("BATCH_SIZE", 100),
		BatchFlushInterval: getDuration("BATCH_FLUSH_INTERVAL", 2*time.Second),
		BatchDeadline:      getDuration("BATCH_DEADLINE", 2*time.Minute),

		IndexPrefix:         getEnv("INDEX_PREFIX", "records"),
		OpenSearchAddresses: getStringSliceEnv("OPENSEARCH_ADDRESSES", []string{"http://localhost:9200"}),
		OpenSearchUser:      getEnv("OPENSEARCH_USER", ""),
		OpenSearchPassword:  getEnv("OPENSEARCH_PASSWORD", ""),

		ArchiveBucket:           getEnv("ARCHIVE_BUCKET", ""),
		ArchivePrefix:           getEnv("ARCHIVE_PREFIX", "raw"),
		DeadLetterPrefix:        getEnv("DEADLETTER_PREFIX", "deadletter"),
		ArchiveMaxObjectRecords: getIntEnv("ARCHIVE_MAX_OBJECT_RECORDS", 5000),
		ArchiveMaxObjectAge:     getDuration("ARCHIVE_MAX_OBJECT_AGE", 5*time.Minute),

		ReplayPrefix:        getEnv("REPLAY_PREFIX", ""),
		ReplayChunkSize:     getIntEnv("REPLAY_CHUNK_SIZE", 100),
		ReplayChunkInterval: getDuration("REPLAY_CHUNK_INTERVAL", 2200*time.Millisecond),
	}
}

// Require returns an error naming the first missing value among the given
// name/value pairs. Used by service mains to refuse startup on incomplete
// credentials rather than limping along.
func Require(pairs map[string]string) error {
	for name, value := range pairs {
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("required configuration %s is not set", name)
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getStringSliceEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
