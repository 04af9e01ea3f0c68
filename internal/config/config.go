package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"slawatch/internal/bizcal"
	"slawatch/internal/domain"
	"slawatch/internal/templatefmt"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultServiceName    = "slawatch"
	defaultIntervalSec    = 3600
	defaultWorkers        = 4
	defaultRunLockTTLSec  = 900
	defaultCooldownHours  = 24.0
	defaultStartHour      = 9
	defaultEndHour        = 17
	defaultTimezone       = "UTC"
	defaultTrackerTimeout = 15
	defaultTrackerRetries = 3
	defaultTrackerBackoff = 500
	defaultHTTPListen     = ":8080"
	defaultHealthPath     = "/healthz"
	defaultReadyPath      = "/readyz"
	defaultRunPath        = "/run"
	defaultNATSURL        = "nats://127.0.0.1:4222"
	defaultRecordBucket   = "sla_alerts"
	defaultLockBucket     = "sla_runlock"
	defaultPostgresLock   = 727001

	// StoreBackendMemory keeps alert records in process memory.
	StoreBackendMemory = "memory"
	// StoreBackendNATS keeps alert records in a JetStream KV bucket.
	StoreBackendNATS = "nats"
	// StoreBackendPostgres keeps alert records in a Postgres table.
	StoreBackendPostgres = "postgres"

	// NotifyChannelTelegram identifies the Telegram transport.
	NotifyChannelTelegram = "telegram"
	// NotifyChannelWebhook identifies the generic JSON webhook transport.
	NotifyChannelWebhook = "webhook"
	// NotifyChannelMattermost identifies the Mattermost transport.
	NotifyChannelMattermost = "mattermost"
)

var notifyChannelOrder = []string{
	NotifyChannelTelegram,
	NotifyChannelWebhook,
	NotifyChannelMattermost,
}

var defaultWeekdays = []string{"mon", "tue", "wed", "thu", "fri"}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

// Config holds service runtime settings, the calendar, and the SLA rule table.
// Params: TOML sections from one file or a merged directory snapshot.
// Returns: validated runtime configuration, immutable after load.
type Config struct {
	Service  ServiceConfig  `toml:"service"`
	Log      LogConfig      `toml:"log"`
	Calendar CalendarConfig `toml:"calendar"`
	Store    StoreConfig    `toml:"store"`
	Tracker  TrackerConfig  `toml:"tracker"`
	Notify   NotifyConfig   `toml:"notify"`
	HTTP     HTTPConfig     `toml:"http"`
	Rule     []RuleConfig   `toml:"rule"`
}

// rawConfig mirrors the TOML model before rule-map normalization.
// Params: decoded sections from one TOML source.
// Returns: raw rule map keyed by rule name.
type rawConfig struct {
	Service  ServiceConfig            `toml:"service"`
	Log      LogConfig                `toml:"log"`
	Calendar CalendarConfig           `toml:"calendar"`
	Store    StoreConfig              `toml:"store"`
	Tracker  TrackerConfig            `toml:"tracker"`
	Notify   NotifyConfig             `toml:"notify"`
	HTTP     HTTPConfig               `toml:"http"`
	Rule     map[string]rawRuleConfig `toml:"rule"`
}

// rawRuleConfig stores one rule body from a `[rule.<name>]` table.
// Params: rule fields except the key-derived name.
// Returns: intermediate rule body used for normalization.
type rawRuleConfig struct {
	Kind              string             `toml:"kind"`
	ThresholdHours    float64            `toml:"threshold_hours"`
	BoundariesHours   []float64          `toml:"boundaries_hours"`
	CooldownHours     float64            `toml:"cooldown_hours"`
	DueSoonHours      []float64          `toml:"due_soon_hours"`
	StallHours        float64            `toml:"stall_hours"`
	Multiplier        map[string]float64 `toml:"multiplier"`
	CommentOnEscalate bool               `toml:"comment_on_escalate"`
	Route             []RuleNotifyRoute  `toml:"route"`
}

// ServiceConfig contains process-level settings.
// Params: run interval, worker pool size, run lock TTL, and snapshot dir.
// Returns: service behavior defaults.
type ServiceConfig struct {
	Name              string `toml:"name"`
	IntervalSec       int    `toml:"interval_sec"`
	BusinessHoursOnly bool   `toml:"business_hours_only"`
	Workers           int    `toml:"workers"`
	RunLockTTLSec     int    `toml:"run_lock_ttl_sec"`
	SnapshotDir       string `toml:"snapshot_dir"`
}

// CalendarConfig defines the business calendar.
// Params: working weekdays, daily window, timezone, and holiday dates.
// Returns: calendar construction inputs.
type CalendarConfig struct {
	Weekdays  []string `toml:"weekdays"`
	StartHour int      `toml:"start_hour"`
	EndHour   int      `toml:"end_hour"`
	Timezone  string   `toml:"timezone"`
	Holidays  []string `toml:"holidays"`
}

// Build constructs the immutable runtime calendar.
// Params: none.
// Returns: validated calendar or configuration error.
func (c CalendarConfig) Build() (bizcal.Calendar, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return bizcal.Calendar{}, fmt.Errorf("calendar.timezone %q: %w", c.Timezone, err)
	}
	weekdays := make([]time.Weekday, 0, len(c.Weekdays))
	for _, name := range c.Weekdays {
		day, ok := weekdayNames[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return bizcal.Calendar{}, fmt.Errorf("calendar.weekdays contains unknown day %q", name)
		}
		weekdays = append(weekdays, day)
	}
	return bizcal.New(weekdays, c.StartHour, c.EndHour, loc, c.Holidays)
}

// StoreConfig selects and configures the alert record backend.
// Params: backend name plus backend-specific sections.
// Returns: store construction inputs.
type StoreConfig struct {
	Backend  string              `toml:"backend"`
	NATS     NATSStoreConfig     `toml:"nats"`
	Postgres PostgresStoreConfig `toml:"postgres"`
}

// NATSStoreConfig contains JetStream KV settings for the record store.
// Params: URL list, record/lock bucket names, and bucket-creation toggle.
// Returns: NATS backend options.
type NATSStoreConfig struct {
	URL                []string `toml:"url"`
	Bucket             string   `toml:"bucket"`
	LockBucket         string   `toml:"lock_bucket"`
	AllowCreateBuckets bool     `toml:"allow_create_buckets"`
}

// PostgresStoreConfig contains Postgres settings for the record store.
// Params: connection DSN and advisory lock key.
// Returns: Postgres backend options.
type PostgresStoreConfig struct {
	DSN     string `toml:"dsn"`
	LockKey int64  `toml:"lock_key"`
}

// TrackerConfig defines the work item query/comment adapter.
// Params: endpoint paths, timeout, bounded retry policy, and auth.
// Returns: tracker client construction inputs.
type TrackerConfig struct {
	BaseURL        string            `toml:"base_url"`
	ItemsPath      string            `toml:"items_path"`
	CommentPath    string            `toml:"comment_path"`
	TimeoutSec     int               `toml:"timeout_sec"`
	MaxAttempts    int               `toml:"max_attempts"`
	RetryBackoffMS int               `toml:"retry_backoff_ms"`
	Headers        map[string]string `toml:"headers"`
	Auth           AuthConfig        `toml:"auth"`
}

// AuthConfig defines an HTTP auth strategy for outbound adapters.
// Params: auth type and credentials/header options.
// Returns: auth controls for tracker requests.
type AuthConfig struct {
	Type     string `toml:"type"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	Token    string `toml:"token"`
	Header   string `toml:"header"`
	Prefix   string `toml:"prefix"`
}

// NotifyConfig defines outbound alert delivery behavior.
// Params: dedup cooldown, summary routing, and per-channel transports.
// Returns: notification controls.
type NotifyConfig struct {
	CooldownHours   float64          `toml:"cooldown_hours"`
	SummaryChannel  string           `toml:"summary_channel"`
	SummaryTemplate string           `toml:"summary_template"`
	Telegram        TelegramNotifier `toml:"telegram"`
	Webhook         WebhookNotifier  `toml:"webhook"`
	Mattermost      MattermostConfig `toml:"mattermost"`
}

// NamedTemplateConfig describes one reusable message template in one channel.
// Params: template name and Go text/template body.
// Returns: template entry referenced from rule routes.
type NamedTemplateConfig struct {
	Name    string `toml:"name"`
	Message string `toml:"message"`
}

// NotifyRetry configures outbound delivery retries.
// Params: retry toggle, backoff shape, attempt limits, and logging.
// Returns: retry policy for one channel.
type NotifyRetry struct {
	Enabled        bool   `toml:"enabled"`
	Backoff        string `toml:"backoff"`
	InitialMS      int    `toml:"initial_ms"`
	MaxMS          int    `toml:"max_ms"`
	MaxAttempts    int    `toml:"max_attempts"`
	LogEachAttempt bool   `toml:"log_each_attempt"`
}

// TelegramNotifier defines Telegram channel settings.
// Params: enabled flag, bot token, chat ID, API base URL, and retry policy.
// Returns: Telegram sender configuration.
type TelegramNotifier struct {
	Enabled      bool                  `toml:"enabled"`
	BotToken     string                `toml:"bot_token"`
	ChatID       string                `toml:"chat_id"`
	APIBase      string                `toml:"api_base"`
	Retry        NotifyRetry           `toml:"retry"`
	NameTemplate []NamedTemplateConfig `toml:"name-template"`
}

// WebhookNotifier defines the generic JSON webhook channel.
// Params: URL, method, timeout, headers, thread-ref JSON path, and retries.
// Returns: webhook sender configuration.
type WebhookNotifier struct {
	Enabled      bool                  `toml:"enabled"`
	URL          string                `toml:"url"`
	Method       string                `toml:"method"`
	TimeoutSec   int                   `toml:"timeout_sec"`
	Headers      map[string]string     `toml:"headers"`
	RefJSONPath  string                `toml:"ref_json_path"`
	Retry        NotifyRetry           `toml:"retry"`
	NameTemplate []NamedTemplateConfig `toml:"name-template"`
}

// MattermostConfig defines Mattermost API channel settings.
// Params: API base URL, bot token, channel id, timeout, and retry policy.
// Returns: Mattermost sender configuration.
type MattermostConfig struct {
	Enabled      bool                  `toml:"enabled"`
	BaseURL      string                `toml:"base_url"`
	BotToken     string                `toml:"bot_token"`
	ChannelID    string                `toml:"channel_id"`
	TimeoutSec   int                   `toml:"timeout_sec"`
	Retry        NotifyRetry           `toml:"retry"`
	NameTemplate []NamedTemplateConfig `toml:"name-template"`
}

// HTTPConfig configures the health/trigger HTTP endpoint.
// Params: enable flag, listen address, and route paths.
// Returns: HTTP surface behavior.
type HTTPConfig struct {
	Enabled    bool   `toml:"enabled"`
	Listen     string `toml:"listen"`
	HealthPath string `toml:"health_path"`
	ReadyPath  string `toml:"ready_path"`
	RunPath    string `toml:"run_path"`
}

// RuleConfig describes one SLA rule.
// Params: violation kind, thresholds, escalation boundaries, and routing.
// Returns: runtime rule definition.
type RuleConfig struct {
	Name              string             `toml:"name"`
	Kind              string             `toml:"kind"`
	ThresholdHours    float64            `toml:"threshold_hours"`
	BoundariesHours   []float64          `toml:"boundaries_hours"`
	CooldownHours     float64            `toml:"cooldown_hours"`
	DueSoonHours      []float64          `toml:"due_soon_hours"`
	StallHours        float64            `toml:"stall_hours"`
	Multiplier        map[string]float64 `toml:"multiplier"`
	CommentOnEscalate bool               `toml:"comment_on_escalate"`
	Route             []RuleNotifyRoute  `toml:"route"`
}

// ViolationKind returns the typed kind for this rule.
// Params: none.
// Returns: normalized violation kind.
func (r RuleConfig) ViolationKind() domain.ViolationKind {
	return domain.ViolationKind(strings.ToLower(strings.TrimSpace(r.Kind)))
}

// MultiplierFor resolves the status multiplier with an explicit default.
// Params: closed-enum item status.
// Returns: configured multiplier or 1.0 for unconfigured statuses.
func (r RuleConfig) MultiplierFor(status domain.ItemStatus) float64 {
	if value, ok := r.Multiplier[string(status)]; ok && value > 0 {
		return value
	}
	return 1.0
}

// RuleNotifyRoute binds one transport channel with one message template.
// Params: transport channel and notify template name.
// Returns: one outbound routing entry for alert dispatch.
type RuleNotifyRoute struct {
	Channel  string `toml:"channel"`
	Template string `toml:"template"`
}

// LogConfig contains console/file logging sinks.
// Params: sink settings for each output target.
// Returns: logger setup options.
type LogConfig struct {
	Console LogSinkConfig `toml:"console"`
	File    LogSinkConfig `toml:"file"`
}

// LogSinkConfig defines one logging sink.
// Params: sink enable flag, level, format, and path.
// Returns: sink-specific behavior.
type LogSinkConfig struct {
	Enabled bool   `toml:"enabled"`
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	Path    string `toml:"path"`
}

// ConfigSource describes a file or directory config source.
// Params: exactly one of file path or directory path.
// Returns: normalized source descriptor.
type ConfigSource struct {
	File string
	Dir  string
}

// FromCLI builds a normalized source from CLI paths.
// Params: optional file and directory arguments.
// Returns: source descriptor or validation error.
func FromCLI(filePath, dirPath string) (ConfigSource, error) {
	filePath = strings.TrimSpace(filePath)
	dirPath = strings.TrimSpace(dirPath)

	if filePath == "" && dirPath == "" {
		return ConfigSource{}, errors.New("either --config-file or --config-dir must be provided")
	}
	if filePath != "" && dirPath != "" {
		return ConfigSource{}, errors.New("config source must be either file or dir")
	}
	if filePath != "" {
		return ConfigSource{File: filePath}, nil
	}
	return ConfigSource{Dir: dirPath}, nil
}

// LoadSnapshot loads and validates configuration from one source.
// Params: source selects file or directory mode.
// Returns: validated config or load/validation error. Malformed rule
// thresholds fail here, never at runtime.
func LoadSnapshot(src ConfigSource) (Config, error) {
	var cfg Config
	var err error
	if src.File != "" {
		cfg, err = loadFile(src.File)
	} else {
		cfg, err = loadDir(src.Dir)
	}
	if err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)
	expandSecrets(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadFile reads one TOML configuration file.
// Params: file path to config snapshot.
// Returns: decoded config or read/decode error.
func loadFile(path string) (Config, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", path, err)
	}
	var raw rawConfig
	if err := toml.Unmarshal(body, &raw); err != nil {
		return Config{}, fmt.Errorf("decode config file %q: %w", path, err)
	}
	cfg, err := normalizeRawConfig(raw)
	if err != nil {
		return Config{}, fmt.Errorf("decode config file %q: %w", path, err)
	}
	return cfg, nil
}

// loadDir reads and merges TOML fragments from one directory.
// Params: directory containing config fragments.
// Returns: merged config snapshot or load/decode error.
func loadDir(dir string) (Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Config{}, fmt.Errorf("read config dir %q: %w", dir, err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.ToLower(filepath.Ext(entry.Name())) != ".toml" {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	if len(files) == 0 {
		return Config{}, fmt.Errorf("no .toml files found in %q", dir)
	}
	sort.Strings(files)

	var merged Config
	for _, file := range files {
		fragment, err := loadFile(file)
		if err != nil {
			return Config{}, err
		}
		mergeConfig(&merged, fragment)
	}
	return merged, nil
}

// normalizeRawConfig converts the raw TOML model into runtime config.
// Params: decoded raw config from one fragment.
// Returns: normalized config snapshot with a deterministic rule order.
func normalizeRawConfig(raw rawConfig) (Config, error) {
	cfg := Config{
		Service:  raw.Service,
		Log:      raw.Log,
		Calendar: raw.Calendar,
		Store:    raw.Store,
		Tracker:  raw.Tracker,
		Notify:   raw.Notify,
		HTTP:     raw.HTTP,
	}
	if len(raw.Rule) == 0 {
		return cfg, nil
	}

	names := make([]string, 0, len(raw.Rule))
	for name := range raw.Rule {
		names = append(names, name)
	}
	sort.Strings(names)
	cfg.Rule = make([]RuleConfig, 0, len(names))
	for _, name := range names {
		body := raw.Rule[name]
		cfg.Rule = append(cfg.Rule, RuleConfig{
			Name:              name,
			Kind:              body.Kind,
			ThresholdHours:    body.ThresholdHours,
			BoundariesHours:   body.BoundariesHours,
			CooldownHours:     body.CooldownHours,
			DueSoonHours:      body.DueSoonHours,
			StallHours:        body.StallHours,
			Multiplier:        body.Multiplier,
			CommentOnEscalate: body.CommentOnEscalate,
			Route:             body.Route,
		})
	}
	return cfg, nil
}

// mergeConfig overlays one fragment onto the destination snapshot.
// Params: destination config and next fragment.
// Returns: merged configuration side-effect in dst. Sections replace when
// non-zero, rules append.
func mergeConfig(dst *Config, src Config) {
	if src.Service != (ServiceConfig{}) {
		dst.Service = src.Service
	}
	if src.Log != (LogConfig{}) {
		dst.Log = src.Log
	}
	if len(src.Calendar.Weekdays) > 0 || src.Calendar.StartHour != 0 || src.Calendar.EndHour != 0 ||
		src.Calendar.Timezone != "" || len(src.Calendar.Holidays) > 0 {
		dst.Calendar = src.Calendar
	}
	if src.Store.Backend != "" || len(src.Store.NATS.URL) > 0 || src.Store.Postgres.DSN != "" {
		dst.Store = src.Store
	}
	if src.Tracker.BaseURL != "" {
		dst.Tracker = src.Tracker
	}
	if hasNotifyConfig(src.Notify) {
		dst.Notify = src.Notify
	}
	if src.HTTP != (HTTPConfig{}) {
		dst.HTTP = src.HTTP
	}
	if len(src.Rule) > 0 {
		dst.Rule = append(dst.Rule, src.Rule...)
	}
}

// hasNotifyConfig checks whether the notify section carries explicit values.
// Params: notify configuration fragment.
// Returns: true when the section should replace the destination.
func hasNotifyConfig(cfg NotifyConfig) bool {
	return cfg.CooldownHours != 0 ||
		cfg.SummaryChannel != "" ||
		cfg.Telegram.Enabled || cfg.Telegram.BotToken != "" ||
		cfg.Webhook.Enabled || cfg.Webhook.URL != "" ||
		cfg.Mattermost.Enabled || cfg.Mattermost.BaseURL != ""
}

// expandSecrets resolves ${ENV} placeholders in secret-bearing fields.
// Params: cfg pointer to loaded snapshot.
// Returns: expansion applied in place.
func expandSecrets(cfg *Config) {
	cfg.Tracker.Auth.Username = os.ExpandEnv(cfg.Tracker.Auth.Username)
	cfg.Tracker.Auth.Password = os.ExpandEnv(cfg.Tracker.Auth.Password)
	cfg.Tracker.Auth.Token = os.ExpandEnv(cfg.Tracker.Auth.Token)
	cfg.Notify.Telegram.BotToken = os.ExpandEnv(cfg.Notify.Telegram.BotToken)
	cfg.Notify.Mattermost.BotToken = os.ExpandEnv(cfg.Notify.Mattermost.BotToken)
	cfg.Notify.Webhook.URL = os.ExpandEnv(cfg.Notify.Webhook.URL)
	for key, value := range cfg.Notify.Webhook.Headers {
		cfg.Notify.Webhook.Headers[key] = os.ExpandEnv(value)
	}
	cfg.Store.Postgres.DSN = os.ExpandEnv(cfg.Store.Postgres.DSN)
}

// applyDefaults fills omitted config fields with safe defaults.
// Params: cfg pointer to decoded snapshot.
// Returns: defaults applied in place.
func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Service.Name) == "" {
		cfg.Service.Name = defaultServiceName
	}
	if cfg.Service.IntervalSec <= 0 {
		cfg.Service.IntervalSec = defaultIntervalSec
	}
	if cfg.Service.Workers <= 0 {
		cfg.Service.Workers = defaultWorkers
	}
	if cfg.Service.RunLockTTLSec <= 0 {
		cfg.Service.RunLockTTLSec = defaultRunLockTTLSec
	}

	if cfg.Log.Console.Level == "" {
		cfg.Log.Console.Level = "info"
	}
	if cfg.Log.Console.Format == "" {
		cfg.Log.Console.Format = "line"
	}
	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console.Enabled = true
	}
	if cfg.Log.File.Level == "" {
		cfg.Log.File.Level = "info"
	}
	if cfg.Log.File.Format == "" {
		cfg.Log.File.Format = "json"
	}

	if len(cfg.Calendar.Weekdays) == 0 {
		cfg.Calendar.Weekdays = defaultWeekdays
	}
	if cfg.Calendar.StartHour == 0 && cfg.Calendar.EndHour == 0 {
		cfg.Calendar.StartHour = defaultStartHour
		cfg.Calendar.EndHour = defaultEndHour
	}
	if cfg.Calendar.Timezone == "" {
		cfg.Calendar.Timezone = defaultTimezone
	}

	if cfg.Store.Backend == "" {
		cfg.Store.Backend = StoreBackendMemory
	}
	cfg.Store.Backend = strings.ToLower(strings.TrimSpace(cfg.Store.Backend))
	if len(cfg.Store.NATS.URL) == 0 {
		cfg.Store.NATS.URL = []string{defaultNATSURL}
	}
	if cfg.Store.NATS.Bucket == "" {
		cfg.Store.NATS.Bucket = defaultRecordBucket
	}
	if cfg.Store.NATS.LockBucket == "" {
		cfg.Store.NATS.LockBucket = defaultLockBucket
	}
	if cfg.Store.Postgres.LockKey == 0 {
		cfg.Store.Postgres.LockKey = defaultPostgresLock
	}

	if cfg.Tracker.ItemsPath == "" {
		cfg.Tracker.ItemsPath = "/api/items"
	}
	if cfg.Tracker.CommentPath == "" {
		cfg.Tracker.CommentPath = "/api/items/{id}/comments"
	}
	if cfg.Tracker.TimeoutSec <= 0 {
		cfg.Tracker.TimeoutSec = defaultTrackerTimeout
	}
	if cfg.Tracker.MaxAttempts <= 0 {
		cfg.Tracker.MaxAttempts = defaultTrackerRetries
	}
	if cfg.Tracker.RetryBackoffMS <= 0 {
		cfg.Tracker.RetryBackoffMS = defaultTrackerBackoff
	}

	if cfg.Notify.CooldownHours <= 0 {
		cfg.Notify.CooldownHours = defaultCooldownHours
	}

	if cfg.HTTP.Enabled {
		if cfg.HTTP.Listen == "" {
			cfg.HTTP.Listen = defaultHTTPListen
		}
		if cfg.HTTP.HealthPath == "" {
			cfg.HTTP.HealthPath = defaultHealthPath
		}
		if cfg.HTTP.ReadyPath == "" {
			cfg.HTTP.ReadyPath = defaultReadyPath
		}
		if cfg.HTTP.RunPath == "" {
			cfg.HTTP.RunPath = defaultRunPath
		}
	}
}

// NotifyChannelNames returns the supported channel keys in stable order.
// Params: none.
// Returns: deterministic channel list.
func NotifyChannelNames() []string {
	return notifyChannelOrder
}

// NotifyChannelEnabled reports whether one channel is enabled in config.
// Params: notify config and normalized channel key.
// Returns: channel enabled flag; false for unknown keys.
func NotifyChannelEnabled(cfg NotifyConfig, channel string) bool {
	switch channel {
	case NotifyChannelTelegram:
		return cfg.Telegram.Enabled
	case NotifyChannelWebhook:
		return cfg.Webhook.Enabled
	case NotifyChannelMattermost:
		return cfg.Mattermost.Enabled
	default:
		return false
	}
}

// NotifyChannelRetry returns the retry policy for one channel.
// Params: notify config and normalized channel key.
// Returns: channel retry policy; zero value for unknown keys.
func NotifyChannelRetry(cfg NotifyConfig, channel string) NotifyRetry {
	switch channel {
	case NotifyChannelTelegram:
		return cfg.Telegram.Retry
	case NotifyChannelWebhook:
		return cfg.Webhook.Retry
	case NotifyChannelMattermost:
		return cfg.Mattermost.Retry
	default:
		return NotifyRetry{}
	}
}

// NotifyChannelTemplates returns the named templates for one channel.
// Params: notify config and normalized channel key.
// Returns: channel template list; nil for unknown keys.
func NotifyChannelTemplates(cfg NotifyConfig, channel string) []NamedTemplateConfig {
	switch channel {
	case NotifyChannelTelegram:
		return cfg.Telegram.NameTemplate
	case NotifyChannelWebhook:
		return cfg.Webhook.NameTemplate
	case NotifyChannelMattermost:
		return cfg.Mattermost.NameTemplate
	default:
		return nil
	}
}

// CooldownFor resolves the effective dedup cooldown for one rule.
// Params: notify section and rule.
// Returns: rule override when set, global cooldown otherwise.
func (c Config) CooldownFor(rule RuleConfig) time.Duration {
	hours := c.Notify.CooldownHours
	if rule.CooldownHours > 0 {
		hours = rule.CooldownHours
	}
	return time.Duration(hours * float64(time.Hour))
}

// validateConfig checks the full snapshot for startup-fatal mistakes.
// Params: config after defaults and secret expansion.
// Returns: first validation error.
func validateConfig(cfg Config) error {
	if _, err := cfg.Calendar.Build(); err != nil {
		return err
	}

	switch cfg.Store.Backend {
	case StoreBackendMemory, StoreBackendNATS:
	case StoreBackendPostgres:
		if strings.TrimSpace(cfg.Store.Postgres.DSN) == "" {
			return errors.New("store.postgres.dsn is required for postgres backend")
		}
	default:
		return fmt.Errorf("unsupported store.backend %q", cfg.Store.Backend)
	}

	if strings.TrimSpace(cfg.Tracker.BaseURL) == "" {
		return errors.New("tracker.base_url is required")
	}
	if err := validateAuth(cfg.Tracker.Auth); err != nil {
		return fmt.Errorf("tracker.auth: %w", err)
	}

	if len(cfg.Rule) == 0 {
		return errors.New("at least one [rule.<name>] is required")
	}
	seen := make(map[string]struct{}, len(cfg.Rule))
	for _, rule := range cfg.Rule {
		if _, dup := seen[rule.Name]; dup {
			return fmt.Errorf("duplicate rule name %q", rule.Name)
		}
		seen[rule.Name] = struct{}{}
		if err := validateRule(cfg, rule); err != nil {
			return fmt.Errorf("rule.%s: %w", rule.Name, err)
		}
	}

	if cfg.Notify.SummaryChannel != "" {
		if !NotifyChannelEnabled(cfg.Notify, cfg.Notify.SummaryChannel) {
			return fmt.Errorf("notify.summary_channel %q is not an enabled channel", cfg.Notify.SummaryChannel)
		}
		if err := validateTemplateRef(cfg.Notify, cfg.Notify.SummaryChannel, cfg.Notify.SummaryTemplate); err != nil {
			return fmt.Errorf("notify.summary_template: %w", err)
		}
	}

	for _, channel := range NotifyChannelNames() {
		for _, entry := range NotifyChannelTemplates(cfg.Notify, channel) {
			if strings.TrimSpace(entry.Name) == "" {
				return fmt.Errorf("notify.%s template name is required", channel)
			}
			if _, err := templatefmt.ParseAlertTemplate(channel+"."+entry.Name, entry.Message); err != nil {
				return fmt.Errorf("notify.%s template %q: %w", channel, entry.Name, err)
			}
		}
	}

	return nil
}

// validateRule checks one rule body against its kind contract.
// Params: full config (for route checks) and one rule.
// Returns: first rule validation error.
func validateRule(cfg Config, rule RuleConfig) error {
	kind := rule.ViolationKind()
	known := false
	for _, candidate := range domain.Kinds() {
		if candidate == kind {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("unknown kind %q", rule.Kind)
	}

	if rule.ThresholdHours < 0 {
		return errors.New("threshold_hours must not be negative")
	}
	if rule.CooldownHours < 0 {
		return errors.New("cooldown_hours must not be negative")
	}
	if err := validateAscending("boundaries_hours", rule.BoundariesHours); err != nil {
		return err
	}

	if kind == domain.KindDeadlineProximity {
		if len(rule.DueSoonHours) == 0 {
			return errors.New("due_soon_hours is required for deadline_proximity")
		}
		if err := validateAscending("due_soon_hours", rule.DueSoonHours); err != nil {
			return err
		}
		if rule.StallHours < 0 {
			return errors.New("stall_hours must not be negative")
		}
		for status, value := range rule.Multiplier {
			if domain.ParseStatus(status) == domain.StatusUnknown {
				return fmt.Errorf("multiplier status %q is not a known status", status)
			}
			if value <= 0 {
				return fmt.Errorf("multiplier for %q must be positive", status)
			}
		}
	} else {
		if len(rule.Multiplier) > 0 {
			return errors.New("multiplier applies only to deadline_proximity rules")
		}
		if len(rule.DueSoonHours) > 0 {
			return errors.New("due_soon_hours applies only to deadline_proximity rules")
		}
		if len(rule.BoundariesHours) == 0 {
			return errors.New("boundaries_hours is required")
		}
	}

	if len(rule.Route) == 0 {
		return errors.New("at least one route is required")
	}
	for _, route := range rule.Route {
		if !NotifyChannelEnabled(cfg.Notify, route.Channel) {
			return fmt.Errorf("route channel %q is not an enabled channel", route.Channel)
		}
		if err := validateTemplateRef(cfg.Notify, route.Channel, route.Template); err != nil {
			return err
		}
	}
	return nil
}

// validateTemplateRef checks a route template reference.
// Params: notify config, channel key, and template name.
// Returns: error when the name is neither defined nor the builtin default.
func validateTemplateRef(cfg NotifyConfig, channel, templateName string) error {
	name := strings.ToLower(strings.TrimSpace(templateName))
	if name == "" || name == "default" || name == "summary" {
		return nil
	}
	for _, entry := range NotifyChannelTemplates(cfg, channel) {
		if strings.EqualFold(entry.Name, name) {
			return nil
		}
	}
	return fmt.Errorf("template %q is not defined for channel %q", templateName, channel)
}

// validateAscending checks a boundary list is positive and strictly ascending.
// Params: field label and hour boundaries.
// Returns: validation error naming the field.
func validateAscending(field string, values []float64) error {
	previous := 0.0
	for index, value := range values {
		if value <= previous {
			return fmt.Errorf("%s must be positive and strictly ascending (index %d)", field, index)
		}
		previous = value
	}
	return nil
}

// validateAuth checks one auth section.
// Params: auth config.
// Returns: error for unknown auth types or missing credentials.
func validateAuth(cfg AuthConfig) error {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "", "none":
		return nil
	case "bearer":
		if strings.TrimSpace(cfg.Token) == "" {
			return errors.New("bearer auth requires token")
		}
	case "basic":
		if strings.TrimSpace(cfg.Username) == "" {
			return errors.New("basic auth requires username")
		}
	case "header":
		if strings.TrimSpace(cfg.Header) == "" {
			return errors.New("header auth requires header name")
		}
	default:
		return fmt.Errorf("unsupported auth type %q", cfg.Type)
	}
	return nil
}
