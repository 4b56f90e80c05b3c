package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	stringutil "regpipe/pkg/platform/strings"
)

// Pipeline captures process-level configuration. FromEnv keeps main lean;
// stage tuning lives here rather than scattered across constructors.
type Pipeline struct {
	Addr         string
	DatabaseURL  string
	RedisAddr    string
	KafkaBrokers []string
	AuditTopic   string

	// AdminJWTKey verifies admin tokens; the subject claim becomes the
	// human approver identity.
	AdminJWTKey string

	// BatchSize bounds how many items one stage tick pulls.
	BatchSize int
	// StageRatePerMinute limits collaborator-facing calls per stage, distinct
	// from batch size.
	StageRatePerMinute int
	// MinIdleBackoff/MaxIdleBackoff bound the orchestrator's idle escalation.
	MinIdleBackoff time.Duration
	MaxIdleBackoff time.Duration
	// MaxAttempts caps transient retries before dead-lettering.
	MaxAttempts int

	// ReviewGracePeriod is how long a T2/T3 rule must sit in PENDING_REVIEW
	// before the relaxed auto-approval confidence threshold applies.
	ReviewGracePeriod time.Duration

	// QueryCacheTTL bounds staleness of the published-rule read cache.
	QueryCacheTTL time.Duration

	// BlockedDomains are synthetic/test domains rejected before composition.
	BlockedDomains []string

	// ExtractorModel names the LLM used by the extraction client.
	ExtractorModel string
	OpenAIKey      string
}

// FromEnv builds a Pipeline config from environment variables.
func FromEnv() Pipeline {
	return Pipeline{
		Addr:               envString("REGPIPE_ADDR", ":8080"),
		DatabaseURL:        envString("REGPIPE_DATABASE_URL", "postgres://localhost:5432/regpipe?sslmode=disable"),
		RedisAddr:          envString("REGPIPE_REDIS_ADDR", "localhost:6379"),
		KafkaBrokers:       envList("REGPIPE_KAFKA_BROKERS", "localhost:9092"),
		AuditTopic:         envString("REGPIPE_AUDIT_TOPIC", "regpipe.audit"),
		AdminJWTKey:        envString("REGPIPE_ADMIN_JWT_KEY", ""),
		BatchSize:          envInt("REGPIPE_BATCH_SIZE", 25),
		StageRatePerMinute: envInt("REGPIPE_STAGE_RATE_PER_MINUTE", 60),
		MinIdleBackoff:     envDuration("REGPIPE_MIN_IDLE_BACKOFF", time.Second),
		MaxIdleBackoff:     envDuration("REGPIPE_MAX_IDLE_BACKOFF", time.Minute),
		MaxAttempts:        envInt("REGPIPE_MAX_ATTEMPTS", 5),
		ReviewGracePeriod:  envDuration("REGPIPE_REVIEW_GRACE_PERIOD", 48*time.Hour),
		QueryCacheTTL:      envDuration("REGPIPE_QUERY_CACHE_TTL", 5*time.Minute),
		BlockedDomains:     envList("REGPIPE_BLOCKED_DOMAINS", "test,synthetic,fixture"),
		ExtractorModel:     envString("REGPIPE_EXTRACTOR_MODEL", "gpt-4o-mini"),
		OpenAIKey:          envString("OPENAI_API_KEY", ""),
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envList(key, fallback string) []string {
	raw := envString(key, fallback)
	return stringutil.DedupeAndTrim(strings.Split(raw, ","))
}
