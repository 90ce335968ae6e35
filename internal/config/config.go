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

	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/hooks"
)

const (
	settingsFile     = "config/setting.ini"
	defaultEnv       = "dev"
	envConfigPattern = "config/%s/aggregator.ini"
)

// Settings contains global toggles such as the active environment.
type Settings struct {
	Environment string
	Defaults    map[string]string
}

// AggregatorConfig describes runtime options for the daemon. Values come
// from config/setting.ini, the per-environment aggregator.ini, and
// AGGREGATOR_* environment overrides, in increasing precedence.
type AggregatorConfig struct {
	Environment string
	HTTPAddress string
	LogFile     string
	LogLevel    string

	// Persistence: "sqlite" (default) or "postgres".
	DBDriver     string
	DatabasePath string
	PostgresDSN  string

	// Upstream provider credentials. A provider with no key configured is
	// absent from the registry.
	GeminiAPIKey      string
	GeminiBaseURL     string
	DeepSeekAPIKey    string
	DeepSeekBaseURL   string
	GroqAPIKey        string
	GroqBaseURL       string
	OpenRouterAPIKey  string
	OpenRouterBaseURL string
	XAIAPIKey         string
	XAIBaseURL        string
	// LoopbackEnabled registers the offline echo provider for local runs.
	LoopbackEnabled bool

	BreakerFailureThreshold int
	BreakerRecoveryTimeout  time.Duration

	DemoGrokDaily         int
	DemoSmartCreditsDaily int
	DailyUSDCap           float64
	RateLimitPerMinute    int

	MaxTokens   int
	Temperature float64
	CallTimeout time.Duration

	// PlansFile optionally overrides the built-in subscription catalog.
	PlansFile string

	Hooks hooks.Config
}

// LoadAggregatorConfig reads the current environment and loads the
// appropriate config file.
func LoadAggregatorConfig(root string) (AggregatorConfig, error) {
	if root == "" {
		root = "."
	}
	s, err := loadSettings(root)
	if err != nil {
		return AggregatorConfig{}, err
	}

	envValues, err := parseINI(filepath.Join(root, fmt.Sprintf(envConfigPattern, s.Environment)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			envValues = map[string]string{}
		} else {
			return AggregatorConfig{}, err
		}
	}

	merged := make(map[string]string)
	for k, v := range s.Defaults {
		merged[k] = v
	}
	for k, v := range envValues {
		merged[k] = v
	}

	cfg := AggregatorConfig{
		Environment:  s.Environment,
		HTTPAddress:  firstNonEmpty(os.Getenv("AGGREGATOR_HTTP_ADDRESS"), merged["http_address"], ":8080"),
		LogFile:      firstNonEmpty(os.Getenv("AGGREGATOR_LOG_FILE"), merged["log_file"]),
		LogLevel:     firstNonEmpty(os.Getenv("AGGREGATOR_LOG_LEVEL"), merged["log_level"], "info"),
		DBDriver:     strings.ToLower(firstNonEmpty(os.Getenv("AGGREGATOR_DB_DRIVER"), merged["db_driver"], "sqlite")),
		DatabasePath: firstNonEmpty(os.Getenv("AGGREGATOR_DATABASE_PATH"), merged["database_path"], DefaultDatabasePath()),
		PostgresDSN:  firstNonEmpty(os.Getenv("AGGREGATOR_POSTGRES_DSN"), merged["postgres_dsn"]),

		GeminiAPIKey:      firstNonEmpty(os.Getenv("AGGREGATOR_GEMINI_API_KEY"), merged["gemini_api_key"]),
		GeminiBaseURL:     firstNonEmpty(os.Getenv("AGGREGATOR_GEMINI_BASE_URL"), merged["gemini_base_url"]),
		DeepSeekAPIKey:    firstNonEmpty(os.Getenv("AGGREGATOR_DEEPSEEK_API_KEY"), merged["deepseek_api_key"]),
		DeepSeekBaseURL:   firstNonEmpty(os.Getenv("AGGREGATOR_DEEPSEEK_BASE_URL"), merged["deepseek_base_url"]),
		GroqAPIKey:        firstNonEmpty(os.Getenv("AGGREGATOR_GROQ_API_KEY"), merged["groq_api_key"]),
		GroqBaseURL:       firstNonEmpty(os.Getenv("AGGREGATOR_GROQ_BASE_URL"), merged["groq_base_url"]),
		OpenRouterAPIKey:  firstNonEmpty(os.Getenv("AGGREGATOR_OPENROUTER_API_KEY"), merged["openrouter_api_key"]),
		OpenRouterBaseURL: firstNonEmpty(os.Getenv("AGGREGATOR_OPENROUTER_BASE_URL"), merged["openrouter_base_url"]),
		XAIAPIKey:         firstNonEmpty(os.Getenv("AGGREGATOR_XAI_API_KEY"), merged["xai_api_key"]),
		XAIBaseURL:        firstNonEmpty(os.Getenv("AGGREGATOR_XAI_BASE_URL"), merged["xai_base_url"]),

		BreakerFailureThreshold: parseOptionalInt(firstNonEmpty(os.Getenv("AGGREGATOR_BREAKER_THRESHOLD"), merged["breaker_failure_threshold"]), 3),

		DemoGrokDaily:         parseOptionalInt(firstNonEmpty(os.Getenv("AGGREGATOR_DEMO_GROK_DAILY"), merged["demo_grok_daily"]), 5),
		DemoSmartCreditsDaily: parseOptionalInt(firstNonEmpty(os.Getenv("AGGREGATOR_DEMO_SMART_CREDITS_DAILY"), merged["demo_smart_credits_daily"]), 20),
		RateLimitPerMinute:    parseOptionalInt(firstNonEmpty(os.Getenv("AGGREGATOR_RATE_LIMIT_PER_MINUTE"), merged["rate_limit_per_minute"]), 30),
		MaxTokens:             parseOptionalInt(firstNonEmpty(os.Getenv("AGGREGATOR_MAX_TOKENS"), merged["max_tokens"]), 1200),

		PlansFile: firstNonEmpty(os.Getenv("AGGREGATOR_PLANS_FILE"), merged["plans_file"]),
	}

	cfg.LoopbackEnabled = parseOptionalBool(firstNonEmpty(os.Getenv("AGGREGATOR_LOOPBACK_ENABLED"), merged["loopback_enabled"]), cfg.Environment == defaultEnv)

	cfg.DailyUSDCap, err = parseOptionalFloat(firstNonEmpty(os.Getenv("AGGREGATOR_DAILY_USD_CAP"), merged["daily_usd_cap"]), 5.0)
	if err != nil {
		return AggregatorConfig{}, fmt.Errorf("invalid daily_usd_cap: %w", err)
	}
	cfg.Temperature, err = parseOptionalFloat(firstNonEmpty(os.Getenv("AGGREGATOR_TEMPERATURE"), merged["temperature"]), 0.7)
	if err != nil {
		return AggregatorConfig{}, fmt.Errorf("invalid temperature: %w", err)
	}
	cfg.BreakerRecoveryTimeout, err = parseOptionalDuration(firstNonEmpty(os.Getenv("AGGREGATOR_BREAKER_RECOVERY"), merged["breaker_recovery_timeout"]), 300*time.Second)
	if err != nil {
		return AggregatorConfig{}, fmt.Errorf("invalid breaker_recovery_timeout: %w", err)
	}
	cfg.CallTimeout, err = parseOptionalDuration(firstNonEmpty(os.Getenv("AGGREGATOR_CALL_TIMEOUT"), merged["call_timeout"]), 60*time.Second)
	if err != nil {
		return AggregatorConfig{}, fmt.Errorf("invalid call_timeout: %w", err)
	}

	switch cfg.DBDriver {
	case "sqlite", "postgres":
	default:
		return AggregatorConfig{}, fmt.Errorf("unsupported db_driver %q", cfg.DBDriver)
	}
	if cfg.DBDriver == "postgres" && cfg.PostgresDSN == "" {
		return AggregatorConfig{}, fmt.Errorf("db_driver postgres requires postgres_dsn")
	}

	hookArgs := firstNonEmpty(os.Getenv("AGGREGATOR_HOOK_SCRIPT_ARGS"), merged["hooks_script_args"])
	hookEnv := firstNonEmpty(os.Getenv("AGGREGATOR_HOOK_SCRIPT_ENV"), merged["hooks_script_env"])
	cfg.Hooks = hooks.Config{
		Enabled:    parseBool(firstNonEmpty(os.Getenv("AGGREGATOR_HOOKS_ENABLED"), merged["hooks_enabled"])),
		ScriptPath: firstNonEmpty(os.Getenv("AGGREGATOR_HOOK_SCRIPT"), merged["hooks_script_path"]),
		ScriptArgs: parseCSV(hookArgs),
		Env:        parseMap(hookEnv),
	}
	if v := firstNonEmpty(os.Getenv("AGGREGATOR_HOOK_TIMEOUT"), merged["hooks_timeout"]); v != "" {
		dur, err := time.ParseDuration(v)
		if err != nil {
			return AggregatorConfig{}, fmt.Errorf("invalid hooks_timeout %q: %w", v, err)
		}
		cfg.Hooks.Timeout = dur
	}
	if err := cfg.Hooks.Validate(); err != nil {
		return AggregatorConfig{}, err
	}

	return cfg, nil
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

func parseOptionalFloat(v string, fallback float64) (float64, error) {
	if strings.TrimSpace(v) == "" {
		return fallback, nil
	}
	return strconv.ParseFloat(strings.TrimSpace(v), 64)
}

func parseOptionalDuration(v string, fallback time.Duration) (time.Duration, error) {
	if strings.TrimSpace(v) == "" {
		return fallback, nil
	}
	return time.ParseDuration(strings.TrimSpace(v))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func parseCSV(input string) []string {
	if strings.TrimSpace(input) == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	var out []string
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseMap(input string) map[string]string {
	if strings.TrimSpace(input) == "" {
		return nil
	}
	entries := strings.Split(input, ",")
	result := make(map[string]string)
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		kv := strings.SplitN(entry, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(kv[0])
		value := strings.TrimSpace(kv[1])
		if key != "" {
			result[key] = value
		}
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

// DefaultDatabasePath returns the fallback SQLite location under the user's
// home directory.
func DefaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "aggregator.db"
	}
	return filepath.Join(home, ".aggregator", "aggregator.db")
}
