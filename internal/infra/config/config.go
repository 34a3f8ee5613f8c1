// Package config loads and validates the archiver's operational configuration
// from the environment (.env via godotenv). It does not use reflection-based
// binding: every field is read and normalized explicitly, with sane defaults
// for non-critical knobs and hard failures for the handful of settings the
// archiver cannot run without (Telegram credentials, store DSNs).
//
// Unlike the settings layer this package was adapted from, Load returns a
// *Config rather than installing a package-level singleton: main constructs
// one Config and passes it into each service explicitly.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every configuration value the archiver's services need at
// construction time. Values are read once at startup; changing them requires
// a restart (per SPEC_FULL.md §0, "non-secret, may be changed by restart").
type Config struct {
	// Telegram
	APIID       int
	APIHash     string
	PhoneNumber string
	SessionFile string
	PeersDBFile string
	TestDC      bool
	SourceAccount string

	// Discovery / folder reconciliation (§4.1)
	FolderName               string
	DiscoveryIntervalSeconds int
	GapDetectionEnabled      bool
	GapThresholdHours        int
	GapCheckIntervalSeconds  int
	GapMaxChannelsPerCheck   int

	// Backfill (§4.2)
	BackfillEnabled      bool
	BackfillMode         string // on_discovery | manual | scheduled
	BackfillStartDate    time.Time
	BackfillBatchSize    int
	BackfillDelayMS      int

	// Processor / translation (§4.6)
	ProcessorBatchSize  int
	ProcessorWorkers    int
	TranslationEnabled  bool
	TranslationTarget   string

	// Broker (§4.4/§4.5)
	BrokerURL        string
	ConsumerGroup    string
	StreamMaxLen     int64
	DLQMaxLen        int64

	// Relational store
	RelationalDSN  string
	MigrationsPath string

	// Object store (§4.7)
	ObjectStoreEndpoint string
	ObjectStoreRegion   string
	ObjectStoreBucket   string
	ObjectStoreAccessKey string
	ObjectStoreSecretKey string

	// Translation provider credentials
	TranslationAPIKey string
	TranslationModel  string

	// Shutdown
	ShutdownTimeoutSeconds int

	LogLevel string
	LogFile  string

	// Warnings accumulated while filling in defaults for non-critical knobs.
	Warnings []string
}

const (
	defaultSessionFile              = "data/session.bin"
	defaultPeersDBFile               = "data/peers.bbolt"
	defaultFolderName                = "Archive"
	defaultDiscoveryIntervalSeconds  = 300
	defaultGapThresholdHours         = 2
	defaultGapCheckIntervalSeconds   = 3600
	defaultGapMaxChannelsPerCheck    = 25
	defaultBackfillMode              = "on_discovery"
	defaultBackfillBatchSize         = 100
	defaultBackfillDelayMS           = 1000
	defaultProcessorBatchSize        = 10
	defaultProcessorWorkers          = 4
	defaultConsumerGroup             = "processor-workers"
	defaultStreamMaxLen              = 100000
	defaultDLQMaxLen                 = 10000
	defaultShutdownTimeoutSeconds    = 30
	defaultLogLevel                  = "info"
	defaultTranslationTarget         = "en"
)

// Load reads .env from envPath (empty string means "rely on process
// environment only") and produces a validated Config. Missing required
// fields are a *Configuration* class error per SPEC_FULL.md §7 — the process
// must refuse to start, not limp along with guesses.
func Load(envPath string) (*Config, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", envPath, err)
		}
	}

	var warnings []string
	var missing []string

	apiID, err := parseRequiredInt("API_ID", &missing)
	apiHash := requiredString("API_HASH", &missing)
	phone := requiredString("PHONE_NUMBER", &missing)
	brokerURL := requiredString("BROKER_URL", &missing)
	relDSN := requiredString("RELATIONAL_DSN", &missing)
	objBucket := requiredString("OBJECT_STORE_BUCKET", &missing)

	if len(missing) > 0 {
		return nil, fmt.Errorf("config: missing required settings: %s", strings.Join(missing, ", "))
	}
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		APIID:         apiID,
		APIHash:       apiHash,
		PhoneNumber:   phone,
		SessionFile:   stringDefault("SESSION_FILE", defaultSessionFile, &warnings),
		PeersDBFile:   stringDefault("PEERS_DB_FILE", defaultPeersDBFile, &warnings),
		TestDC:        boolDefault("TEST_DC", false),
		SourceAccount: stringDefault("SOURCE_ACCOUNT", phone, &warnings),

		FolderName:               stringDefault("FOLDER_ARCHIVE_ALL_PATTERN", defaultFolderName, &warnings),
		DiscoveryIntervalSeconds: intDefault("DISCOVERY_INTERVAL_SECONDS", defaultDiscoveryIntervalSeconds, greaterThanZero, &warnings),
		GapDetectionEnabled:      boolDefault("GAP_DETECTION_ENABLED", true),
		GapThresholdHours:        intDefault("GAP_THRESHOLD_HOURS", defaultGapThresholdHours, greaterThanZero, &warnings),
		GapCheckIntervalSeconds:  intDefault("GAP_CHECK_INTERVAL_SECONDS", defaultGapCheckIntervalSeconds, greaterThanZero, &warnings),
		GapMaxChannelsPerCheck:   intDefault("GAP_MAX_CHANNELS_PER_CHECK", defaultGapMaxChannelsPerCheck, greaterThanZero, &warnings),

		BackfillEnabled:   boolDefault("BACKFILL_ENABLED", true),
		BackfillMode:      sanitizeEnum("BACKFILL_MODE", defaultBackfillMode, []string{"on_discovery", "manual", "scheduled"}, &warnings),
		BackfillStartDate: dateDefault("BACKFILL_START_DATE", time.Unix(0, 0).UTC(), &warnings),
		BackfillBatchSize: intDefault("BACKFILL_BATCH_SIZE", defaultBackfillBatchSize, greaterThanZero, &warnings),
		BackfillDelayMS:   intDefault("BACKFILL_DELAY_MS", defaultBackfillDelayMS, nonNegative, &warnings),

		ProcessorBatchSize: intDefault("PROCESSOR_BATCH_SIZE", defaultProcessorBatchSize, greaterThanZero, &warnings),
		ProcessorWorkers:   intDefault("PROCESSOR_WORKERS", defaultProcessorWorkers, greaterThanZero, &warnings),
		TranslationEnabled: boolDefault("TRANSLATION_ENABLED", false),
		TranslationTarget:  stringDefault("TRANSLATION_TARGET_LANG", defaultTranslationTarget, &warnings),
		TranslationAPIKey:  os.Getenv("TRANSLATION_API_KEY"),
		TranslationModel:   stringDefault("TRANSLATION_MODEL", "gpt-4o-mini", &warnings),

		BrokerURL:     brokerURL,
		ConsumerGroup: stringDefault("BROKER_CONSUMER_GROUP", defaultConsumerGroup, &warnings),
		StreamMaxLen:  int64Default("STREAM_MAX_LEN", defaultStreamMaxLen, &warnings),
		DLQMaxLen:     int64Default("DLQ_MAX_LEN", defaultDLQMaxLen, &warnings),

		RelationalDSN:  relDSN,
		MigrationsPath: stringDefault("MIGRATIONS_PATH", "internal/store/relstore/migrations", &warnings),

		ObjectStoreEndpoint:  os.Getenv("OBJECT_STORE_ENDPOINT"),
		ObjectStoreRegion:    stringDefault("OBJECT_STORE_REGION", "us-east-1", &warnings),
		ObjectStoreBucket:    objBucket,
		ObjectStoreAccessKey: os.Getenv("OBJECT_STORE_ACCESS_KEY"),
		ObjectStoreSecretKey: os.Getenv("OBJECT_STORE_SECRET_KEY"),

		ShutdownTimeoutSeconds: intDefault("SHUTDOWN_TIMEOUT_SECONDS", defaultShutdownTimeoutSeconds, greaterThanZero, &warnings),

		LogLevel: sanitizeEnum("LOG_LEVEL", defaultLogLevel, []string{"debug", "info", "warn", "error"}, &warnings),
		LogFile:  os.Getenv("LOG_FILE"),

		Warnings: warnings,
	}

	return cfg, nil
}

func requiredString(name string, missing *[]string) string {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		*missing = append(*missing, name)
	}
	return v
}

func parseRequiredInt(name string, missing *[]string) (int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		*missing = append(*missing, name)
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be an integer: %w", name, err)
	}
	return v, nil
}

func stringDefault(name, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		appendWarningf(warnings, "env %s is not set; using default %q", name, fallback)
		return fallback
	}
	return v
}

func boolDefault(name string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return fallback
	}
	return strings.EqualFold(v, "true") || v == "1"
}

func intDefault(name string, fallback int, validator func(int) bool, warnings *[]string) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		appendWarningf(warnings, "env %s is not set; using default %d", name, fallback)
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || (validator != nil && !validator(v)) {
		appendWarningf(warnings, "env %s value %q is invalid; using default %d", name, raw, fallback)
		return fallback
	}
	return v
}

func int64Default(name string, fallback int64, warnings *[]string) int64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		appendWarningf(warnings, "env %s is not set; using default %d", name, fallback)
		return fallback
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v <= 0 {
		appendWarningf(warnings, "env %s value %q is invalid; using default %d", name, raw, fallback)
		return fallback
	}
	return v
}

func dateDefault(name string, fallback time.Time, warnings *[]string) time.Time {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not YYYY-MM-DD; using default %s", name, raw, fallback)
		return fallback
	}
	return t.UTC()
}

func sanitizeEnum(name, fallback string, allowed []string, warnings *[]string) string {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	if v == "" {
		appendWarningf(warnings, "env %s is not set; using default %q", name, fallback)
		return fallback
	}
	for _, a := range allowed {
		if v == a {
			return v
		}
	}
	appendWarningf(warnings, "env %s value %q is invalid; using default %q", name, v, fallback)
	return fallback
}

func appendWarningf(warnings *[]string, format string, args ...any) {
	if warnings == nil {
		return
	}
	*warnings = append(*warnings, fmt.Sprintf(format, args...))
}

func greaterThanZero(v int) bool { return v > 0 }
func nonNegative(v int) bool     { return v >= 0 }

// ErrNotSet is returned by callers that look up an optional setting that was
// left blank; kept for symmetry with store-layer sentinel errors.
var ErrNotSet = errors.New("config: value not set")
