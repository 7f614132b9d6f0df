// Package config loads Protectogram's runtime configuration from the
// environment, per the recognized-keys contract. A `.env` file, if
// present in the working directory, seeds process environment variables
// that are not already set — mirroring the teacher daemon's local-dev
// convenience — before the canonical env-var lookups run. An optional
// `protectogram.yaml` in PROTECTOGRAM_HOME layers dev-convenience
// defaults in ahead of both: yaml, then .env/env vars, so a deployed
// environment's env vars always win regardless of what a checked-in
// yaml file says.
package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AppEnv identifies the deployment environment.
type AppEnv string

const (
	EnvDevelopment AppEnv = "development"
	EnvTest        AppEnv = "test"
	EnvStaging     AppEnv = "staging"
	EnvProduction  AppEnv = "production"
)

// Config holds every environment-driven setting recognized by the core,
// per spec §6. Fields have defaults applied in Load so callers never see
// the zero value for a setting that has one.
type Config struct {
	DatabaseURL string

	ChatBotToken      string
	ChatWebhookSecret string

	VoiceAPIKey        string
	VoiceConnectionID  string
	VoiceWebhookSecret string

	AdminKey string

	AppEnv AppEnv

	FeaturePanic     bool
	SchedulerEnabled bool

	DefaultRingTimeout      time.Duration
	DefaultMaxRetries       int
	DefaultRetryBackoff     time.Duration
	DefaultReminderInterval time.Duration
	IncidentMaxTotalRing    time.Duration

	AllowedE164Numbers []string
	AllowOnlyWhitelist bool

	// BindAddr and PublicBaseURL are not part of the recognized-keys
	// table (they govern the HTTP listener and the externally-visible
	// webhook URLs the cascade hands to the voice provider, both
	// implementation concerns) but are env-overridable for deployment
	// flexibility, following the teacher's convention of layering
	// implementation-only settings onto the same struct.
	BindAddr      string
	PublicBaseURL string

	// OtelEnabled and friends configure internal/otel's exporter; also
	// implementation concerns layered onto Config rather than spec §6
	// recognized keys, env-overridable the same way as BindAddr.
	OtelEnabled     bool
	OtelExporter    string
	OtelEndpoint    string
	OtelSampleRate  float64
	OtelServiceName string

	// WebhookRateLimit* govern internal/webhook's per-source-IP token
	// bucket, guarding the chat/voice intake endpoints against a flooding
	// provider retry storm; also an implementation concern layered onto
	// Config rather than a spec §6 recognized key.
	WebhookRateLimitEnabled bool
	WebhookRateLimitPerMin  int
	WebhookRateLimitBurst   int

	LogLevel string
	HomeDir  string
}

// Load reads configuration from the process environment, first seeding
// unset variables from a local .env file if one is present.
func Load() (Config, error) {
	loadDotEnv(".env")

	cfg := defaultConfig()

	if raw := strings.TrimSpace(os.Getenv("PROTECTOGRAM_HOME")); raw != "" {
		cfg.HomeDir = raw
	}
	if err := cfg.applyYAMLOverride(filepath.Join(cfg.HomeDir, "protectogram.yaml")); err != nil {
		return Config{}, fmt.Errorf("config: protectogram.yaml: %w", err)
	}
	cfg.applyAllowedE164File(filepath.Join(cfg.HomeDir, "allowed_e164.txt"))

	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	cfg.ChatBotToken = strings.TrimSpace(os.Getenv("CHAT_BOT_TOKEN"))
	cfg.ChatWebhookSecret = strings.TrimSpace(os.Getenv("CHAT_WEBHOOK_SECRET"))
	cfg.VoiceAPIKey = strings.TrimSpace(os.Getenv("VOICE_API_KEY"))
	cfg.VoiceConnectionID = strings.TrimSpace(os.Getenv("VOICE_CONNECTION_ID"))
	cfg.VoiceWebhookSecret = strings.TrimSpace(os.Getenv("VOICE_WEBHOOK_SECRET"))
	cfg.AdminKey = strings.TrimSpace(os.Getenv("ADMIN_KEY"))

	if raw := strings.TrimSpace(os.Getenv("APP_ENV")); raw != "" {
		cfg.AppEnv = AppEnv(raw)
	}

	if raw := strings.TrimSpace(os.Getenv("FEATURE_PANIC")); raw != "" {
		cfg.FeaturePanic = parseBool(raw, cfg.FeaturePanic)
	}
	if raw := strings.TrimSpace(os.Getenv("SCHEDULER_ENABLED")); raw != "" {
		cfg.SchedulerEnabled = parseBool(raw, cfg.SchedulerEnabled)
	}
	if raw := strings.TrimSpace(os.Getenv("DEFAULT_RING_TIMEOUT_SEC")); raw != "" {
		cfg.DefaultRingTimeout = parseSeconds(raw, cfg.DefaultRingTimeout)
	}
	if raw := strings.TrimSpace(os.Getenv("DEFAULT_MAX_RETRIES")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			cfg.DefaultMaxRetries = n
		}
	}
	if raw := strings.TrimSpace(os.Getenv("DEFAULT_RETRY_BACKOFF_SEC")); raw != "" {
		cfg.DefaultRetryBackoff = parseSeconds(raw, cfg.DefaultRetryBackoff)
	}
	if raw := strings.TrimSpace(os.Getenv("DEFAULT_REMINDER_INTERVAL_SEC")); raw != "" {
		cfg.DefaultReminderInterval = parseSeconds(raw, cfg.DefaultReminderInterval)
	}
	if raw := strings.TrimSpace(os.Getenv("INCIDENT_MAX_TOTAL_RING_SEC")); raw != "" {
		cfg.IncidentMaxTotalRing = parseSeconds(raw, cfg.IncidentMaxTotalRing)
	}
	if raw := strings.TrimSpace(os.Getenv("ALLOWED_E164_NUMBERS")); raw != "" {
		cfg.AllowedE164Numbers = splitCSV(raw)
	}
	if raw := strings.TrimSpace(os.Getenv("FEATURE_ALLOW_ONLY_WHITELIST")); raw != "" {
		cfg.AllowOnlyWhitelist = parseBool(raw, cfg.AllowOnlyWhitelist)
	}
	if raw := strings.TrimSpace(os.Getenv("BIND_ADDR")); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := strings.TrimSpace(os.Getenv("PUBLIC_BASE_URL")); raw != "" {
		cfg.PublicBaseURL = strings.TrimRight(raw, "/")
	}
	if raw := strings.TrimSpace(os.Getenv("OTEL_ENABLED")); raw != "" {
		cfg.OtelEnabled = parseBool(raw, cfg.OtelEnabled)
	}
	if raw := strings.TrimSpace(os.Getenv("OTEL_EXPORTER")); raw != "" {
		cfg.OtelExporter = raw
	}
	if raw := strings.TrimSpace(os.Getenv("OTEL_ENDPOINT")); raw != "" {
		cfg.OtelEndpoint = raw
	}
	if raw := strings.TrimSpace(os.Getenv("OTEL_SAMPLE_RATE")); raw != "" {
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			cfg.OtelSampleRate = f
		}
	}
	if raw := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); raw != "" {
		cfg.OtelServiceName = raw
	}
	if raw := strings.TrimSpace(os.Getenv("WEBHOOK_RATE_LIMIT_ENABLED")); raw != "" {
		cfg.WebhookRateLimitEnabled = parseBool(raw, cfg.WebhookRateLimitEnabled)
	}
	if raw := strings.TrimSpace(os.Getenv("WEBHOOK_RATE_LIMIT_PER_MIN")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			cfg.WebhookRateLimitPerMin = n
		}
	}
	if raw := strings.TrimSpace(os.Getenv("WEBHOOK_RATE_LIMIT_BURST")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			cfg.WebhookRateLimitBurst = n
		}
	}
	if raw := strings.TrimSpace(os.Getenv("LOG_LEVEL")); raw != "" {
		cfg.LogLevel = raw
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaultConfig() Config {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return Config{
		AppEnv:                  EnvDevelopment,
		FeaturePanic:            true,
		SchedulerEnabled:        true,
		DefaultRingTimeout:      25 * time.Second,
		DefaultMaxRetries:       2,
		DefaultRetryBackoff:     60 * time.Second,
		DefaultReminderInterval: 120 * time.Second,
		IncidentMaxTotalRing:    180 * time.Second,
		AllowOnlyWhitelist:      false,
		BindAddr:                "0.0.0.0:8080",
		PublicBaseURL:           "http://localhost:8080",
		OtelEnabled:             false,
		OtelExporter:            "otlp-http",
		OtelSampleRate:          1.0,
		OtelServiceName:         "protectogram",
		WebhookRateLimitEnabled: true,
		WebhookRateLimitPerMin:  120,
		WebhookRateLimitBurst:   30,
		LogLevel:                "info",
		HomeDir:                 home + "/.protectogram",
	}
}

// validate enforces the invariants Load's callers depend on: a running
// core needs a database and, when the panic feature is enabled, both
// provider credentials so the cascade engine has somewhere to send alerts.
func (c Config) validate() error {
	switch c.AppEnv {
	case EnvDevelopment, EnvTest, EnvStaging, EnvProduction:
	default:
		return fmt.Errorf("config: invalid APP_ENV %q", c.AppEnv)
	}
	if c.AppEnv != EnvTest && c.DatabaseURL == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}
	if c.FeaturePanic && c.AppEnv == EnvProduction {
		if c.ChatBotToken == "" {
			return fmt.Errorf("config: CHAT_BOT_TOKEN is required when FEATURE_PANIC is enabled in production")
		}
		if c.VoiceAPIKey == "" {
			return fmt.Errorf("config: VOICE_API_KEY is required when FEATURE_PANIC is enabled in production")
		}
	}
	if c.DefaultMaxRetries < 0 {
		return fmt.Errorf("config: DEFAULT_MAX_RETRIES must be >= 0")
	}
	return nil
}

// IsWhitelisted reports whether to is permitted to receive outbound calls,
// honoring FEATURE_ALLOW_ONLY_WHITELIST. Normalization to E.164 happens
// before this check; see internal/voiceport.NormalizeE164.
func (c Config) IsWhitelisted(e164 string) bool {
	if !c.AllowOnlyWhitelist {
		return true
	}
	for _, allowed := range c.AllowedE164Numbers {
		if allowed == e164 {
			return true
		}
	}
	return false
}

// yamlOverride mirrors the dev-tunable subset of Config. Secrets
// (DATABASE_URL, the provider tokens, the admin key) are deliberately
// absent — they stay env-var-only so a checked-in yaml file is safe to
// commit, per the teacher's convention of never putting credentials in
// its own dev-override file.
type yamlOverride struct {
	AppEnv                  *string  `yaml:"app_env"`
	FeaturePanic            *bool    `yaml:"feature_panic"`
	SchedulerEnabled        *bool    `yaml:"scheduler_enabled"`
	DefaultRingTimeoutSec   *int     `yaml:"default_ring_timeout_sec"`
	DefaultMaxRetries       *int     `yaml:"default_max_retries"`
	DefaultRetryBackoffSec  *int     `yaml:"default_retry_backoff_sec"`
	DefaultReminderInterval *int     `yaml:"default_reminder_interval_sec"`
	IncidentMaxTotalRingSec *int     `yaml:"incident_max_total_ring_sec"`
	AllowOnlyWhitelist      *bool    `yaml:"allow_only_whitelist"`
	AllowedE164Numbers      []string `yaml:"allowed_e164_numbers"`
	BindAddr                *string  `yaml:"bind_addr"`
	PublicBaseURL           *string  `yaml:"public_base_url"`
	LogLevel                *string  `yaml:"log_level"`
}

// applyYAMLOverride layers an optional local dev-override file onto cfg.
// A missing file is not an error; a present-but-malformed one is, so a
// typo in a checked-in yaml file fails startup loudly rather than being
// silently ignored.
func (c *Config) applyYAMLOverride(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var o yamlOverride
	if err := yaml.Unmarshal(data, &o); err != nil {
		return err
	}
	if o.AppEnv != nil {
		c.AppEnv = AppEnv(*o.AppEnv)
	}
	if o.FeaturePanic != nil {
		c.FeaturePanic = *o.FeaturePanic
	}
	if o.SchedulerEnabled != nil {
		c.SchedulerEnabled = *o.SchedulerEnabled
	}
	if o.DefaultRingTimeoutSec != nil {
		c.DefaultRingTimeout = time.Duration(*o.DefaultRingTimeoutSec) * time.Second
	}
	if o.DefaultMaxRetries != nil {
		c.DefaultMaxRetries = *o.DefaultMaxRetries
	}
	if o.DefaultRetryBackoffSec != nil {
		c.DefaultRetryBackoff = time.Duration(*o.DefaultRetryBackoffSec) * time.Second
	}
	if o.DefaultReminderInterval != nil {
		c.DefaultReminderInterval = time.Duration(*o.DefaultReminderInterval) * time.Second
	}
	if o.IncidentMaxTotalRingSec != nil {
		c.IncidentMaxTotalRing = time.Duration(*o.IncidentMaxTotalRingSec) * time.Second
	}
	if o.AllowOnlyWhitelist != nil {
		c.AllowOnlyWhitelist = *o.AllowOnlyWhitelist
	}
	if len(o.AllowedE164Numbers) > 0 {
		c.AllowedE164Numbers = o.AllowedE164Numbers
	}
	if o.BindAddr != nil {
		c.BindAddr = *o.BindAddr
	}
	if o.PublicBaseURL != nil {
		c.PublicBaseURL = strings.TrimRight(*o.PublicBaseURL, "/")
	}
	if o.LogLevel != nil {
		c.LogLevel = *o.LogLevel
	}
	return nil
}

// applyAllowedE164File layers a file-backed allowlist override, one
// E.164 number per line, on top of whatever protectogram.yaml set.
// A missing or unreadable file leaves the existing allowlist untouched.
func (c *Config) applyAllowedE164File(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	var numbers []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		numbers = append(numbers, line)
	}
	if len(numbers) > 0 {
		c.AllowedE164Numbers = numbers
	}
}

// ReloadWhitelist re-reads the yaml dev-override's whitelist fields and
// the file-backed allowlist override from homeDir, without touching any
// other setting. It is the hot-reload path internal/config.Watcher
// drives: only the access-control allowlist needs to change without a
// process restart, per SPEC_FULL.md's staging-only hot-reload scope.
func ReloadWhitelist(homeDir string) (enabled bool, numbers []string, err error) {
	cfg := Config{AllowOnlyWhitelist: false}
	if err := cfg.applyYAMLOverride(filepath.Join(homeDir, "protectogram.yaml")); err != nil {
		return false, nil, err
	}
	cfg.applyAllowedE164File(filepath.Join(homeDir, "allowed_e164.txt"))
	return cfg.AllowOnlyWhitelist, cfg.AllowedE164Numbers, nil
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}

func parseBool(raw string, fallback bool) bool {
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}

func parseSeconds(raw string, fallback time.Duration) time.Duration {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return time.Duration(n) * time.Second
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
