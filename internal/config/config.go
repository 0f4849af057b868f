package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	settingsFile     = "config/setting.ini"
	defaultEnv       = "dev"
	envConfigPattern = "config/%s/conversations.ini"
)

// Settings contains global toggles such as the active environment.
type Settings struct {
	Environment string
	Defaults    map[string]string
}

// Config describes runtime options for the streaming daemon.
type Config struct {
	Environment string
	HTTPAddress string

	LogFile     string
	LogLevel    string
	LogMaxBytes int64

	// Ledger storage: sqlite or postgres.
	LedgerDriver      string
	LedgerPath        string // sqlite file path
	LedgerDSN         string // postgres connection string
	LedgerAsync       bool
	LedgerBatchSize   int
	LedgerFlushMillis int
	// Postgres pool tuning.
	LedgerMaxOpen         int
	LedgerMaxIdle         int
	LedgerConnLifetimeMin int
	LedgerConnIdleMin     int

	// Upstream model API.
	AgentAPIKey         string
	AgentBaseURL        string
	AgentModel          string
	AgentTimeoutSeconds int

	// Stream retry policy. Zero or negative disables retries.
	RetryMaxAttempts   int
	RetryBaseDelayMS   int
	StreamBuffer       int
	JoinTimeoutSeconds int

	// Cancellation plumbing.
	CancelEventEnabled bool
	StopStoreBackend   string // memory or redis
	StopMarkerTTL      time.Duration
	RedisAddr          string
	RedisPassword      string
	RedisDB            int

	// Extended metrics capture.
	MetricsExtendedEnabled bool
	MetricsMappingFile     string
}

// Load reads the current environment and loads the appropriate config file.
func Load(root string) (Config, error) {
	if root == "" {
		root = "."
	}
	s, err := loadSettings(root)
	if err != nil {
		return Config{}, err
	}

	envValues, err := parseINI(filepath.Join(root, fmt.Sprintf(envConfigPattern, s.Environment)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			envValues = map[string]string{}
		} else {
			return Config{}, err
		}
	}

	merged := make(map[string]string)
	for k, v := range s.Defaults {
		merged[k] = v
	}
	for k, v := range envValues {
		merged[k] = v
	}

	cfg := Config{
		Environment: s.Environment,
		HTTPAddress: firstNonEmpty(os.Getenv("CONVERSATIONS_HTTP_ADDRESS"), merged["http_address"], ":8084"),
		LogFile:     firstNonEmpty(os.Getenv("CONVERSATIONS_LOG_FILE"), merged["log_file"], "-"),
		LogLevel:    firstNonEmpty(merged["log_level"], "info"),
		LogMaxBytes: int64(parseOptionalInt(merged["log_max_bytes"], 64<<20)),

		LedgerDriver:          strings.ToLower(firstNonEmpty(os.Getenv("CONVERSATIONS_LEDGER_DRIVER"), merged["ledger_driver"], "sqlite")),
		LedgerPath:            firstNonEmpty(os.Getenv("CONVERSATIONS_LEDGER_PATH"), merged["ledger_path"], DefaultLedgerPath()),
		LedgerDSN:             firstNonEmpty(os.Getenv("CONVERSATIONS_LEDGER_DSN"), merged["ledger_dsn"]),
		LedgerAsync:           parseOptionalBool(firstNonEmpty(os.Getenv("CONVERSATIONS_LEDGER_ASYNC"), merged["ledger_async"]), true),
		LedgerBatchSize:       parseOptionalInt(merged["ledger_batch_size"], 64),
		LedgerFlushMillis:     parseOptionalInt(merged["ledger_flush_ms"], 2000),
		LedgerMaxOpen:         parseOptionalInt(merged["ledger_max_open_conns"], 10),
		LedgerMaxIdle:         parseOptionalInt(merged["ledger_max_idle_conns"], 5),
		LedgerConnLifetimeMin: parseOptionalInt(merged["ledger_conn_lifetime_min"], 30),
		LedgerConnIdleMin:     parseOptionalInt(merged["ledger_conn_idle_min"], 5),

		AgentAPIKey:         firstNonEmpty(os.Getenv("CONVERSATIONS_API_KEY"), merged["api_key"]),
		AgentBaseURL:        firstNonEmpty(os.Getenv("CONVERSATIONS_API_BASE_URL"), merged["api_base_url"], "https://api.openai.com/v1"),
		AgentModel:          firstNonEmpty(os.Getenv("CONVERSATIONS_MODEL"), merged["model"], "gpt-4o-mini"),
		AgentTimeoutSeconds: parseOptionalInt(firstNonEmpty(os.Getenv("CONVERSATIONS_API_TIMEOUT_SECONDS"), merged["api_timeout_seconds"]), 600),

		RetryMaxAttempts:   parseOptionalInt(firstNonEmpty(os.Getenv("CONVERSATIONS_STREAM_RETRY_MAX_ATTEMPTS"), merged["stream_retry_max_attempts"]), 3),
		RetryBaseDelayMS:   parseOptionalInt(merged["stream_retry_base_delay_ms"], 500),
		StreamBuffer:       parseOptionalInt(merged["stream_buffer"], 10),
		JoinTimeoutSeconds: parseOptionalInt(merged["stream_join_timeout_seconds"], 5),

		CancelEventEnabled: parseOptionalBool(firstNonEmpty(os.Getenv("CONVERSATIONS_CANCEL_EVENT_ENABLED"), merged["cancel_event_enabled"]), true),
		StopStoreBackend:   strings.ToLower(firstNonEmpty(os.Getenv("CONVERSATIONS_STOP_STORE"), merged["stop_store"], "memory")),
		RedisAddr:          firstNonEmpty(os.Getenv("CONVERSATIONS_REDIS_ADDR"), merged["redis_addr"], "localhost:6379"),
		RedisPassword:      firstNonEmpty(os.Getenv("CONVERSATIONS_REDIS_PASSWORD"), merged["redis_password"]),
		RedisDB:            parseOptionalInt(merged["redis_db"], 0),

		MetricsExtendedEnabled: parseOptionalBool(firstNonEmpty(os.Getenv("CONVERSATIONS_METRICS_EXTENDED_ENABLED"), merged["metrics_extended_enabled"]), false),
		MetricsMappingFile:     firstNonEmpty(os.Getenv("CONVERSATIONS_METRICS_MAPPING_FILE"), merged["metrics_mapping_file"]),
	}

	if v := firstNonEmpty(os.Getenv("CONVERSATIONS_STOP_MARKER_TTL"), merged["stop_marker_ttl"]); v != "" {
		dur, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid stop_marker_ttl %q: %w", v, err)
		}
		cfg.StopMarkerTTL = dur
	} else {
		cfg.StopMarkerTTL = 10 * time.Minute
	}

	switch cfg.LedgerDriver {
	case "sqlite", "postgres":
	default:
		return Config{}, fmt.Errorf("invalid ledger_driver %q (want sqlite or postgres)", cfg.LedgerDriver)
	}
	if cfg.LedgerDriver == "postgres" && strings.TrimSpace(cfg.LedgerDSN) == "" {
		return Config{}, errors.New("ledger_dsn is required when ledger_driver=postgres")
	}
	switch cfg.StopStoreBackend {
	case "memory", "redis":
	default:
		return Config{}, fmt.Errorf("invalid stop_store %q (want memory or redis)", cfg.StopStoreBackend)
	}
	return cfg, nil
}

// MetricsMapping is the on-disk shape of the extended metrics mapping:
// output label to dotted path inside the provider usage payload.
type MetricsMapping struct {
	Metrics map[string]string `yaml:"metrics"`
}

// LoadMetricsMapping reads a YAML mapping file of metric labels to
// dotted usage paths. A missing path argument yields an empty map.
func LoadMetricsMapping(path string) (map[string]string, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read metrics mapping: %w", err)
	}
	var m MetricsMapping
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse metrics mapping: %w", err)
	}
	return m.Metrics, nil
}

func loadSettings(root string) (Settings, error) {
	values, err := parseINI(filepath.Join(root, settingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return Settings{Environment: defaultEnv, Defaults: map[string]string{}}, nil
	}
	if err != nil {
		return Settings{}, err
	}
	env := values["environment"]
	if env == "" {
		env = defaultEnv
	}
	defaults := make(map[string]string)
	for k, v := range values {
		if k == "environment" {
			continue
		}
		defaults[k] = v
	}
	return Settings{Environment: env, Defaults: defaults}, nil
}

func parseINI(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		values[strings.ToLower(key)] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseOptionalBool(v string, fallback bool) bool {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return parseBool(v)
}

func parseOptionalInt(v string, fallback int) int {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return parsed
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// DefaultLedgerPath returns the fallback sqlite location under the user's home directory.
func DefaultLedgerPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "usage.db"
	}
	return filepath.Join(home, ".conversations", "usage.db")
}
