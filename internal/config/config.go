// Package config centralizes how SlideFill reads environment variables and
// exposes them as strongly typed Go values.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/dharsanguruparan/SlideFill/internal/model"
	"github.com/dharsanguruparan/SlideFill/internal/quota"
)

// Dispatch modes select how accepted jobs reach an executor.
const (
	DispatchLocal = "local"
	DispatchAsynq = "asynq"
)

// Config represents runtime configuration for the API server, the worker and
// the CLI.
type Config struct {
	Address       string
	BaseURL       string
	MaxFileSize   int64
	SigningSecret []byte
	SignedURLTTL  time.Duration
	LogLevel      slog.Level

	// Job store. DatabaseURL wins over SQLitePath; with neither set the
	// server keeps records in memory.
	DatabaseURL string
	SQLitePath  string

	// Blob store. With S3Endpoint empty blobs live under BlobRoot.
	S3Endpoint      string
	S3AccessKey     string
	S3SecretKey     string
	S3UseSSL        bool
	S3Region        string
	S3Bucket        string
	S3PublicBaseURL string
	BlobRoot        string

	// Dispatch.
	DispatchMode   string
	ProcessingPool int
	QueueDepth     int
	RedisAddr      string
	RedisPassword  string
	RedisDB        int

	// Pipeline.
	WorkspaceRoot      string
	TransformerCommand []string
	SlideCountCommand  []string
	TransformerEnv     map[string]string
	TransformTimeout   time.Duration
	ResultPrefix       string
	ResultContentType  string
	StaleAfter         time.Duration
	SweepInterval      time.Duration

	Quota quota.Policy
}

const (
	defaultAddress        = ":8080"
	defaultMaxFileSize    = 50 << 20 // 50 MiB
	defaultSignedTTL      = 15 * time.Minute
	defaultWorkerCount    = 4
	defaultQueueDepth     = 64
	defaultRedisAddr      = "localhost:6379"
	defaultS3Bucket       = "slidefill"
	defaultBlobRoot       = "data/blobs"
	defaultTransformer    = "python3 -B scripts/convert_ppt.py"
	defaultSlideCounter   = "python3 -B scripts/get_slide_count.py"
	defaultTimeout        = 5 * time.Minute
	defaultResultPrefix   = "conversions"
	defaultResultType     = "application/vnd.openxmlformats-officedocument.presentationml.presentation"
	defaultStaleAfter     = 30 * time.Minute
	defaultSweepInterval  = 5 * time.Minute
	defaultTransformerEnv = "PYTHONDONTWRITEBYTECODE=1,PYTHONUNBUFFERED=1"
)

// Load reads configuration from a .env file (if one is found) and environment
// variables, falling back to defaults. The quota policy starts from
// quota.DefaultPolicy and is overlaid with SLIDEFILL_QUOTA_FILE when set.
func Load() (*Config, error) {
	loadDotEnv()
	cfg := &Config{
		Address:       readEnv("SLIDEFILL_ADDRESS", defaultAddress),
		BaseURL:       readEnv("SLIDEFILL_BASE_URL", ""),
		MaxFileSize:   parseInt64("SLIDEFILL_MAX_FILE_BYTES", defaultMaxFileSize),
		SigningSecret: parseSecret("SLIDEFILL_SIGNING_SECRET"),
		SignedURLTTL:  parseDuration("SLIDEFILL_SIGNED_TTL", defaultSignedTTL),
		LogLevel:      parseLevel("SLIDEFILL_LOG_LEVEL"),

		DatabaseURL: readEnv("DATABASE_URL", ""),
		SQLitePath:  readEnv("SLIDEFILL_SQLITE_PATH", ""),

		S3Endpoint:      readEnv("S3_ENDPOINT", ""),
		S3AccessKey:     readEnv("S3_ACCESS_KEY", ""),
		S3SecretKey:     readEnv("S3_SECRET_KEY", ""),
		S3UseSSL:        parseBool("S3_USE_SSL", false),
		S3Region:        readEnv("S3_REGION", ""),
		S3Bucket:        readEnv("S3_BUCKET", defaultS3Bucket),
		S3PublicBaseURL: readEnv("S3_PUBLIC_BASE_URL", ""),
		BlobRoot:        readEnv("SLIDEFILL_BLOB_ROOT", defaultBlobRoot),

		DispatchMode:   strings.ToLower(readEnv("SLIDEFILL_DISPATCH", DispatchLocal)),
		ProcessingPool: parseInt("SLIDEFILL_WORKERS", defaultWorkerCount),
		QueueDepth:     parseInt("SLIDEFILL_QUEUE_DEPTH", defaultQueueDepth),
		RedisAddr:      readEnv("REDIS_ADDR", defaultRedisAddr),
		RedisPassword:  readEnv("REDIS_PASSWORD", ""),
		RedisDB:        parseInt("REDIS_DB", 0),

		WorkspaceRoot:      readEnv("SLIDEFILL_WORKSPACE_ROOT", os.TempDir()),
		TransformerCommand: strings.Fields(readEnv("SLIDEFILL_TRANSFORMER", defaultTransformer)),
		SlideCountCommand:  strings.Fields(readEnv("SLIDEFILL_SLIDE_COUNTER", defaultSlideCounter)),
		TransformerEnv:     parseMap("SLIDEFILL_TRANSFORMER_ENV", defaultTransformerEnv),
		TransformTimeout:   parseDuration("SLIDEFILL_TRANSFORM_TIMEOUT", defaultTimeout),
		ResultPrefix:       readEnv("SLIDEFILL_RESULT_PREFIX", defaultResultPrefix),
		ResultContentType:  readEnv("SLIDEFILL_RESULT_CONTENT_TYPE", defaultResultType),
		StaleAfter:         parseDuration("SLIDEFILL_STALE_AFTER", defaultStaleAfter),
		SweepInterval:      parseDuration("SLIDEFILL_SWEEP_INTERVAL", defaultSweepInterval),

		Quota: quota.DefaultPolicy(),
	}
	if cfg.SigningSecret == nil {
		cfg.SigningSecret = randomSecret()
	}
	if cfg.ProcessingPool <= 0 {
		cfg.ProcessingPool = defaultWorkerCount
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = defaultQueueDepth
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = defaultMaxFileSize
	}
	if cfg.SignedURLTTL <= 0 {
		cfg.SignedURLTTL = defaultSignedTTL
	}
	if cfg.BaseURL == "" {
		addr := cfg.Address
		if strings.HasPrefix(addr, ":") {
			addr = "localhost" + addr
		}
		cfg.BaseURL = "http://" + addr
	}
	switch cfg.DispatchMode {
	case DispatchLocal, DispatchAsynq:
	default:
		return nil, fmt.Errorf("unknown dispatch mode %q", cfg.DispatchMode)
	}
	if len(cfg.TransformerCommand) == 0 {
		return nil, fmt.Errorf("SLIDEFILL_TRANSFORMER must name an executable")
	}
	if path := readEnv("SLIDEFILL_QUOTA_FILE", ""); path != "" {
		policy, err := LoadQuotaPolicy(path, cfg.Quota)
		if err != nil {
			return nil, err
		}
		cfg.Quota = policy
	}
	return cfg, nil
}

// LoadQuotaPolicy reads a YAML policy file and overlays it on base. Tiers in
// the file replace the matching rows; a default row replaces base.Default.
//
//	tiers:
//	  free: {max_templates: 1, max_slides_per_template: 5, max_pairs_per_job: 10}
//	default: {max_templates: -1, max_slides_per_template: -1, max_pairs_per_job: -1}
func LoadQuotaPolicy(path string, base quota.Policy) (quota.Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("read quota file: %w", err)
	}
	return ParseQuotaPolicy(data, base)
}

// ParseQuotaPolicy is LoadQuotaPolicy without the file read.
func ParseQuotaPolicy(data []byte, base quota.Policy) (quota.Policy, error) {
	var file struct {
		Tiers   map[string]quota.Limits `yaml:"tiers"`
		Default *quota.Limits           `yaml:"default"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return base, fmt.Errorf("parse quota file: %w", err)
	}
	out := quota.Policy{Tiers: make(map[model.Tier]quota.Limits, len(base.Tiers)+len(file.Tiers)), Default: base.Default}
	for tier, limits := range base.Tiers {
		out.Tiers[tier] = limits
	}
	for name, limits := range file.Tiers {
		out.Tiers[model.Tier(strings.ToLower(strings.TrimSpace(name)))] = limits
	}
	if file.Default != nil {
		out.Default = *file.Default
	}
	return out, nil
}

// NewLogger returns a JSON slog logger at the configured level and installs it
// as the process default.
func (c *Config) NewLogger() *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: c.LogLevel}))
	slog.SetDefault(logger)
	return logger
}

func loadDotEnv() {
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for i := 0; i < 5; i++ {
		envPath := filepath.Join(dir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			// godotenv.Load never overrides variables that are already set.
			_ = godotenv.Load(envPath)
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}

func readEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func parseMap(key, def string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(readEnv(key, def), ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(k) == "" {
			continue
		}
		out[strings.TrimSpace(k)] = v
	}
	return out
}

func parseInt64(key string, def int64) int64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			return parsed
		}
	}
	return def
}

func parseInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseLevel(key string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func parseSecret(key string) []byte {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return []byte(v)
	}
	return nil
}

func randomSecret() []byte {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return []byte(hex.EncodeToString([]byte("fallbacksecret")))
	}
	return buf
}
