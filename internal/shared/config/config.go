package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const maxConfigFileSize = 1 << 20

// Config holds application configuration.
type Config struct {
	Port            string
	Env             string
	CORSAllowOrigin []string
	DatabaseURL     string

	ObjectStoreType string
	LocalStoreDir   string
	AWSRegion       string
	S3Bucket        string
	S3Prefix        string
	SSEKMSKeyID     string

	LLMProvider  string
	LLMModel     string
	OpenAIAPIKey string
	GeminiAPIKey string
	LLMRateLimit float64
	LLMRateBurst int

	MatchMaxInFlight     int
	MatchScoreTimeout    time.Duration
	MatchScoreAttempts   int
	MatchScoreJitter     time.Duration
	StructureTimeout     time.Duration
	StructureMaxAttempts int
	StructureBackoff     time.Duration

	DispatchMode      string
	SQSQueueURL       string
	SQSVisibility     time.Duration
	WorkerConcurrency int
	ShutdownTimeout   time.Duration
	OCREnabled        bool

	LogJSON  bool
	LogDebug bool
}

// Load reads configuration from an optional YAML file named by CONFIG_FILE,
// then overrides it with environment variables. Keys are the lowercased
// environment names in both sources (database_url, match_max_in_flight).
func Load() (Config, error) {
	k := koanf.New(".")

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		content, err := readConfigFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", strings.ToLower), nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}

	return FromKoanf(k)
}

// FromKoanf builds a Config from already loaded keys, applying defaults.
func FromKoanf(k *koanf.Koanf) (Config, error) {
	r := reader{k: k}
	cfg := Config{
		Port:            r.str("port", "8080"),
		Env:             normalizeEnv(r.str("env", "dev")),
		CORSAllowOrigin: splitAndTrim(r.str("cors_allow_origins", "http://localhost:5173")),
		DatabaseURL:     r.str("database_url", ""),

		ObjectStoreType: normalizeStoreType(r.str("object_store", "local")),
		LocalStoreDir:   r.str("local_store_dir", "./data"),
		AWSRegion:       r.str("aws_region", ""),
		S3Bucket:        r.str("s3_bucket", ""),
		S3Prefix:        r.str("s3_prefix", ""),
		SSEKMSKeyID:     r.str("sse_kms_key_id", ""),

		LLMProvider:  normalizeProvider(r.str("llm_provider", "openai")),
		LLMModel:     r.str("llm_model", ""),
		OpenAIAPIKey: r.str("openai_api_key", ""),
		GeminiAPIKey: r.str("gemini_api_key", ""),
		LLMRateLimit: r.float("llm_rate_limit", 0),
		LLMRateBurst: r.int("llm_rate_burst", 1),

		MatchMaxInFlight:     r.int("match_max_in_flight", 20),
		MatchScoreTimeout:    r.duration("match_score_timeout", 120*time.Second),
		MatchScoreAttempts:   r.int("match_score_max_attempts", 3),
		MatchScoreJitter:     r.duration("match_score_jitter", 2*time.Second),
		StructureTimeout:     r.duration("structure_timeout", 120*time.Second),
		StructureMaxAttempts: r.int("structure_max_attempts", 3),
		StructureBackoff:     r.duration("structure_backoff", 60*time.Second),

		DispatchMode:      normalizeDispatchMode(r.str("dispatch_mode", "inline")),
		SQSQueueURL:       r.str("sqs_queue_url", ""),
		SQSVisibility:     r.duration("sqs_visibility_timeout", 20*time.Minute),
		WorkerConcurrency: r.int("worker_concurrency", 4),
		ShutdownTimeout:   r.duration("shutdown_timeout", 30*time.Second),
		OCREnabled:        r.bool("ocr_enabled", false),

		LogJSON:  r.bool("log_json", false),
		LogDebug: r.bool("log_debug", false),
	}
	if r.err != nil {
		return Config{}, r.err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field requirements.
func (c Config) Validate() error {
	if c.Env == "production" && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required in production")
	}
	if c.ObjectStoreType == "s3" && c.S3Bucket == "" {
		return fmt.Errorf("S3_BUCKET is required when OBJECT_STORE=s3")
	}
	if c.DispatchMode == "sqs" && c.SQSQueueURL == "" {
		return fmt.Errorf("SQS_QUEUE_URL is required when DISPATCH_MODE=sqs")
	}
	if c.MatchMaxInFlight <= 0 {
		return fmt.Errorf("MATCH_MAX_IN_FLIGHT must be positive")
	}
	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive")
	}
	if c.MatchScoreAttempts <= 0 || c.StructureMaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive")
	}
	return nil
}

func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if len(content) > maxConfigFileSize {
		return nil, fmt.Errorf("config file %s exceeds %d bytes", path, maxConfigFileSize)
	}
	return content, nil
}

// reader collects the first conversion error so FromKoanf can stay flat.
type reader struct {
	k   *koanf.Koanf
	err error
}

func (r *reader) str(key, def string) string {
	if !r.k.Exists(key) {
		return def
	}
	if v := strings.TrimSpace(r.k.String(key)); v != "" {
		return v
	}
	return def
}

func (r *reader) int(key string, def int) int {
	raw := r.str(key, "")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		r.fail(key, err)
		return def
	}
	return n
}

func (r *reader) float(key string, def float64) float64 {
	raw := r.str(key, "")
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		r.fail(key, err)
		return def
	}
	return f
}

func (r *reader) bool(key string, def bool) bool {
	raw := r.str(key, "")
	if raw == "" {
		return def
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		r.fail(key, err)
		return def
	}
	return b
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	raw := r.str(key, "")
	if raw == "" {
		return def
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		r.fail(key, err)
		return def
	}
	return d
}

func (r *reader) fail(key string, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("invalid %s: %w", strings.ToUpper(key), err)
	}
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	var out []string
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func normalizeEnv(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "production", "prod":
		return "production"
	case "staging":
		return "staging"
	case "local":
		return "local"
	default:
		return "dev"
	}
}

func normalizeStoreType(raw string) string {
	if strings.EqualFold(strings.TrimSpace(raw), "s3") {
		return "s3"
	}
	return "local"
}

func normalizeProvider(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "gemini", "google":
		return "gemini"
	case "fake", "stub":
		return "fake"
	default:
		return "openai"
	}
}

func normalizeDispatchMode(raw string) string {
	if strings.EqualFold(strings.TrimSpace(raw), "sqs") {
		return "sqs"
	}
	return "inline"
}
