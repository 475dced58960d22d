package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"alertflow/internal/templatefmt"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultServiceName         = "alertflow"
	defaultWorkers             = 8
	defaultBatchTimeoutSec     = 30
	defaultShutdownTimeoutSec  = 10
	defaultStoreDSN            = "file:alertflow.db?_busy_timeout=5000"
	defaultHTTPListen          = ":8080"
	defaultHealthPath          = "/healthz"
	defaultReadyPath           = "/readyz"
	defaultIngestPath          = "/ingest"
	defaultMetricsPath         = "/metrics"
	defaultAlertsPath          = "/alerts"
	defaultMaxBodyBytes        = 2 << 20
	defaultNATSURL             = "nats://127.0.0.1:4222"
	defaultNATSSubject         = "alertflow.events"
	defaultNATSIngestStream    = "ALERTFLOW_EVENTS"
	defaultNATSIngestConsumer  = "alertflow-ingest"
	defaultNATSIngestGroup     = "alertflow-workers"
	defaultNATSIngestWorkers   = 1
	defaultNATSAckWaitSec      = 30
	defaultNATSNackDelayMS     = 1000
	defaultNATSMaxDeliver      = -1
	defaultNATSMaxAckPending   = 2048
	defaultRealtimeSubject     = "alertflow.updates"
	defaultRealtimeChannel     = "alertflow:updates"
	defaultRealtimeWSPath      = "/ws"
	defaultPublishTimeoutMS    = 2000
	defaultRedisAddr           = "127.0.0.1:6379"
	defaultDispatchSubject     = "alertflow.notifications"
	defaultDispatchStream      = "ALERTFLOW_NOTIFICATIONS"
	defaultDispatchIntervalSec = 5
	defaultDispatchBatchSize   = 100
	defaultDispatchLeaseSec    = 60
	defaultDispatchMaxAttempts = 5
	defaultWorkerConsumer      = "alertflow-delivery"
	defaultWorkerGroup         = "alertflow-delivery"
	defaultDLQSubject          = "alertflow.notifications.dlq"
	defaultDLQStream           = "ALERTFLOW_NOTIFICATIONS_DLQ"
	defaultRuleSeverity        = "high"
	defaultDeliveryTimeoutSec  = 10
	defaultTelegramAPIBase     = "https://api.telegram.org"
	// DefaultMessageTemplate renders one delivery attempt for chat channels.
	DefaultMessageTemplate = `[{{.Alert.Severity}}] {{.Alert.Title}}
status: {{.Alert.Status}} for {{fmtDuration .Age}}
key: {{.Alert.DedupeKey}}`
)

var (
	legacyRuleArrayPattern   = regexp.MustCompile(`(?m)^\s*\[\[\s*rule\s*\]\]`)
	legacyPolicyArrayPattern = regexp.MustCompile(`(?m)^\s*\[\[\s*policy\s*\]\]`)
	identifierPattern        = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]*$`)
)

// Config holds service runtime settings and seed configuration.
// Params: TOML sections from file or merged directory snapshot.
// Returns: validated runtime configuration.
type Config struct {
	Service     ServiceConfig       `toml:"service"`
	Log         LogConfig           `toml:"log"`
	Store       StoreConfig         `toml:"store"`
	Ingest      IngestConfig        `toml:"ingest"`
	Realtime    RealtimeConfig      `toml:"realtime"`
	Dispatch    DispatchConfig      `toml:"dispatch"`
	Rule        []RuleConfig        `toml:"-"`
	Policy      []PolicyConfig      `toml:"-"`
	Maintenance []MaintenanceConfig `toml:"-"`
}

// rawConfig mirrors TOML model before runtime normalization.
// Params: decoded sections from one TOML source.
// Returns: seed tables keyed by id.
type rawConfig struct {
	Service     ServiceConfig                `toml:"service"`
	Log         LogConfig                    `toml:"log"`
	Store       StoreConfig                  `toml:"store"`
	Ingest      IngestConfig                 `toml:"ingest"`
	Realtime    RealtimeConfig               `toml:"realtime"`
	Dispatch    DispatchConfig               `toml:"dispatch"`
	Rule        map[string]RuleConfig        `toml:"rule"`
	Policy      map[string]PolicyConfig      `toml:"policy"`
	Maintenance map[string]MaintenanceConfig `toml:"maintenance"`
}

// configHints records booleans explicitly present in one TOML source.
type configHints struct {
	Store struct {
		Migrate *bool `toml:"migrate"`
	} `toml:"store"`
}

// ServiceConfig contains process-level settings.
// Params: name, batch parallelism, and timeouts.
// Returns: service behavior defaults.
type ServiceConfig struct {
	Name               string `toml:"name"`
	Workers            int    `toml:"workers"`
	BatchTimeoutSec    int    `toml:"batch_timeout_sec"`
	ShutdownTimeoutSec int    `toml:"shutdown_timeout_sec"`
}

// LogConfig contains console/file logging sinks.
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

// StoreConfig configures the relational store.
// Params: SQLite DSN, pool size, and migration toggle.
// Returns: store setup options.
type StoreConfig struct {
	DSN          string `toml:"dsn"`
	MaxOpenConns int    `toml:"max_open_conns"`
	Migrate      bool   `toml:"migrate"`
}

// IngestConfig defines inbound event interfaces.
type IngestConfig struct {
	HTTP HTTPIngestConfig `toml:"http"`
	NATS NATSIngestConfig `toml:"nats"`
}

// HTTPIngestConfig configures the HTTP listener shared by ingest, operator, and observability routes.
// Params: enable flag, listen address, route paths, and body size limit.
// Returns: HTTP ingest behavior.
type HTTPIngestConfig struct {
	Enabled      bool   `toml:"enabled"`
	Listen       string `toml:"listen"`
	HealthPath   string `toml:"health_path"`
	ReadyPath    string `toml:"ready_path"`
	IngestPath   string `toml:"ingest_path"`
	MetricsPath  string `toml:"metrics_path"`
	AlertsPath   string `toml:"alerts_path"`
	MaxBodyBytes int64  `toml:"max_body_bytes"`
}

// NATSIngestConfig configures JetStream queue-consumer ingestion.
// Params: connection, stream routing, and ack/redelivery policy.
// Returns: NATS ingest behavior.
type NATSIngestConfig struct {
	Enabled       bool     `toml:"enabled"`
	URL           []string `toml:"url"`
	Subject       string   `toml:"subject"`
	Stream        string   `toml:"stream"`
	ConsumerName  string   `toml:"consumer_name"`
	DeliverGroup  string   `toml:"deliver_group"`
	Workers       int      `toml:"workers"`
	AckWaitSec    int      `toml:"ack_wait_sec"`
	NackDelayMS   int      `toml:"nack_delay_ms"`
	MaxDeliver    int      `toml:"max_deliver"`
	MaxAckPending int      `toml:"max_ack_pending"`
}

// RealtimeConfig configures alert change broadcast targets.
type RealtimeConfig struct {
	PublishTimeoutMS int                     `toml:"publish_timeout_ms"`
	NATS             RealtimeNATSConfig      `toml:"nats"`
	Redis            RealtimeRedisConfig     `toml:"redis"`
	WS               RealtimeWebSocketConfig `toml:"ws"`
}

// RealtimeNATSConfig publishes updates on core NATS subjects `<prefix>.<routing key>`.
type RealtimeNATSConfig struct {
	Enabled       bool     `toml:"enabled"`
	URL           []string `toml:"url"`
	SubjectPrefix string   `toml:"subject_prefix"`
}

// RealtimeRedisConfig publishes updates on Redis channels `<prefix>:<routing key>`.
type RealtimeRedisConfig struct {
	Enabled       bool   `toml:"enabled"`
	Addr          string `toml:"addr"`
	Password      string `toml:"password"`
	DB            int    `toml:"db"`
	ChannelPrefix string `toml:"channel_prefix"`
}

// RealtimeWebSocketConfig serves updates to connected UIs.
// AllowedOrigins lists browser origins (scheme://host[:port]) accepted besides the serving host.
type RealtimeWebSocketConfig struct {
	Enabled        bool     `toml:"enabled"`
	Path           string   `toml:"path"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

// DispatchConfig configures hand-off of due notifications to delivery workers.
// Params: JetStream routing, polling cadence, lease, and attempt budget.
// Returns: dispatcher and delivery worker behavior.
type DispatchConfig struct {
	Enabled     bool         `toml:"enabled"`
	URL         []string     `toml:"url"`
	Subject     string       `toml:"subject"`
	Stream      string       `toml:"stream"`
	IntervalSec int          `toml:"interval_sec"`
	BatchSize   int          `toml:"batch_size"`
	LeaseSec    int          `toml:"lease_sec"`
	MaxAttempts int          `toml:"max_attempts"`
	Worker      WorkerConfig `toml:"worker"`
}

// WorkerConfig configures the built-in delivery worker.
type WorkerConfig struct {
	Enabled       bool   `toml:"enabled"`
	ConsumerName  string `toml:"consumer_name"`
	DeliverGroup  string `toml:"deliver_group"`
	AckWaitSec    int    `toml:"ack_wait_sec"`
	NackDelayMS   int    `toml:"nack_delay_ms"`
	MaxDeliver    int    `toml:"max_deliver"`
	MaxAckPending int    `toml:"max_ack_pending"`
	DLQ           bool   `toml:"dlq"`
	DLQSubject    string `toml:"dlq_subject"`
	DLQStream     string `toml:"dlq_stream"`

	TimeoutSec      int                     `toml:"timeout_sec"`
	MessageTemplate string                  `toml:"message_template"`
	Webhook         WebhookChannelConfig    `toml:"webhook"`
	Mattermost      MattermostChannelConfig `toml:"mattermost"`
	Telegram        TelegramChannelConfig   `toml:"telegram"`
}

// WebhookChannelConfig enables the "webhook" channel; step target is a URL or {url, method}.
type WebhookChannelConfig struct {
	Enabled bool              `toml:"enabled"`
	Headers map[string]string `toml:"headers"`
}

// MattermostChannelConfig enables the "mattermost" channel; step target is a channel id.
type MattermostChannelConfig struct {
	Enabled  bool   `toml:"enabled"`
	BaseURL  string `toml:"base_url"`
	BotToken string `toml:"bot_token"`
}

// TelegramChannelConfig enables the "telegram" channel; step target is a chat id.
type TelegramChannelConfig struct {
	Enabled   bool   `toml:"enabled"`
	BotToken  string `toml:"bot_token"`
	APIBase   string `toml:"api_base"`
	ParseMode string `toml:"parse_mode"`
}

// ConfigSource identifies where configuration is loaded from.
// Params: exactly one of file path or directory path.
// Returns: normalized source descriptor.
type ConfigSource struct {
	File string
	Dir  string
}

// FromCLI builds normalized source configuration from input paths.
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
// Returns: validated config or load/validation error.
func LoadSnapshot(src ConfigSource) (Config, error) {
	var (
		cfg   Config
		hints configHints
		err   error
	)
	if src.File != "" {
		cfg, hints, err = loadFile(src.File)
	} else {
		cfg, hints, err = loadDir(src.Dir)
	}
	if err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg, hints)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// normalizeRawConfig converts raw TOML model to runtime config.
// Params: decoded raw config from one file.
// Returns: config with seed tables flattened in id order.
func normalizeRawConfig(raw rawConfig) (Config, error) {
	cfg := Config{
		Service:  raw.Service,
		Log:      raw.Log,
		Store:    raw.Store,
		Ingest:   raw.Ingest,
		Realtime: raw.Realtime,
		Dispatch: raw.Dispatch,
	}

	for _, id := range sortedKeys(raw.Rule) {
		rule := raw.Rule[id]
		rule.ID = id
		cfg.Rule = append(cfg.Rule, rule)
	}
	for _, id := range sortedKeys(raw.Policy) {
		policy := raw.Policy[id]
		policy.ID = id
		cfg.Policy = append(cfg.Policy, policy)
	}
	for _, id := range sortedKeys(raw.Maintenance) {
		window := raw.Maintenance[id]
		window.ID = id
		cfg.Maintenance = append(cfg.Maintenance, window)
	}
	return cfg, nil
}

// rejectUnsupportedSyntax checks forbidden TOML syntax and returns explicit error.
// Params: raw TOML file body.
// Returns: error when unsupported syntax is detected.
func rejectUnsupportedSyntax(body []byte) error {
	if legacyRuleArrayPattern.Match(body) {
		return errors.New("[[rule]] arrays are not supported; use [rule.<rule_id>] tables")
	}
	if legacyPolicyArrayPattern.Match(body) {
		return errors.New("[[policy]] arrays are not supported; use [policy.<policy_id>] tables")
	}
	return nil
}

// loadFile reads one TOML configuration file.
// Params: file path to config snapshot.
// Returns: decoded config, explicit-bool hints, or read/decode error.
func loadFile(path string) (Config, configHints, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return Config{}, configHints{}, fmt.Errorf("read config file %q: %w", path, err)
	}
	if err := rejectUnsupportedSyntax(body); err != nil {
		return Config{}, configHints{}, fmt.Errorf("decode config file %q: %w", path, err)
	}
	var raw rawConfig
	if err := toml.Unmarshal(body, &raw); err != nil {
		return Config{}, configHints{}, fmt.Errorf("decode config file %q: %w", path, err)
	}
	cfg, err := normalizeRawConfig(raw)
	if err != nil {
		return Config{}, configHints{}, fmt.Errorf("decode config file %q: %w", path, err)
	}
	var hints configHints
	if err := toml.Unmarshal(body, &hints); err != nil {
		return Config{}, configHints{}, fmt.Errorf("decode config hints %q: %w", path, err)
	}
	return cfg, hints, nil
}

// loadDir reads and merges TOML files from one directory in name order.
// Params: directory containing config fragments.
// Returns: merged config snapshot or load/decode error.
func loadDir(dir string) (Config, configHints, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Config{}, configHints{}, fmt.Errorf("read config dir %q: %w", dir, err)
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
		return Config{}, configHints{}, fmt.Errorf("no .toml files found in %q", dir)
	}
	sort.Strings(files)

	var (
		merged      Config
		mergedHints configHints
	)
	for _, file := range files {
		fragment, hints, err := loadFile(file)
		if err != nil {
			return Config{}, configHints{}, err
		}
		mergeConfig(&merged, fragment, hints)
		if hints.Store.Migrate != nil {
			mergedHints.Store.Migrate = hints.Store.Migrate
		}
	}
	return merged, mergedHints, nil
}

// mergeConfig overlays source onto destination.
// Params: destination config, next fragment, and its explicit-bool hints.
// Returns: merged configuration side-effect in dst.
func mergeConfig(dst *Config, src Config, hints configHints) {
	if src.Service != (ServiceConfig{}) {
		dst.Service = src.Service
	}
	if src.Log != (LogConfig{}) {
		dst.Log = src.Log
	}
	if src.Store != (StoreConfig{}) || hints.Store.Migrate != nil {
		dst.Store = src.Store
	}
	if hasIngestConfig(src.Ingest) {
		dst.Ingest = src.Ingest
	}
	if hasRealtimeConfig(src.Realtime) {
		dst.Realtime = src.Realtime
	}
	if hasDispatchConfig(src.Dispatch) {
		dst.Dispatch = src.Dispatch
	}
	dst.Rule = append(dst.Rule, src.Rule...)
	dst.Policy = append(dst.Policy, src.Policy...)
	dst.Maintenance = append(dst.Maintenance, src.Maintenance...)
}

// applyDefaults fills unset values.
// Params: cfg pointer to decoded snapshot and explicit-bool hints.
// Returns: defaults applied in place.
func applyDefaults(cfg *Config, hints configHints) {
	if strings.TrimSpace(cfg.Service.Name) == "" {
		cfg.Service.Name = defaultServiceName
	}
	if cfg.Service.Workers <= 0 {
		cfg.Service.Workers = defaultWorkers
	}
	if cfg.Service.BatchTimeoutSec <= 0 {
		cfg.Service.BatchTimeoutSec = defaultBatchTimeoutSec
	}
	if cfg.Service.ShutdownTimeoutSec <= 0 {
		cfg.Service.ShutdownTimeoutSec = defaultShutdownTimeoutSec
	}

	if cfg.Log.Console.Level == "" {
		cfg.Log.Console.Level = "info"
	}
	if cfg.Log.Console.Format == "" {
		cfg.Log.Console.Format = "line"
	}
	if cfg.Log.File.Level == "" {
		cfg.Log.File.Level = "info"
	}
	if cfg.Log.File.Format == "" {
		cfg.Log.File.Format = "json"
	}
	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console.Enabled = true
	}

	if strings.TrimSpace(cfg.Store.DSN) == "" {
		cfg.Store.DSN = defaultStoreDSN
	}
	if cfg.Store.MaxOpenConns <= 0 {
		cfg.Store.MaxOpenConns = 1
	}
	if hints.Store.Migrate == nil {
		cfg.Store.Migrate = true
	}

	applyHTTPDefaults(&cfg.Ingest.HTTP)
	applyNATSIngestDefaults(&cfg.Ingest.NATS)
	if !cfg.Ingest.HTTP.Enabled && !cfg.Ingest.NATS.Enabled {
		cfg.Ingest.HTTP.Enabled = true
	}

	if cfg.Realtime.PublishTimeoutMS <= 0 {
		cfg.Realtime.PublishTimeoutMS = defaultPublishTimeoutMS
	}
	cfg.Realtime.NATS.URL = normalizeNATSURLs(cfg.Realtime.NATS.URL)
	if len(cfg.Realtime.NATS.URL) == 0 {
		cfg.Realtime.NATS.URL = append([]string(nil), cfg.Ingest.NATS.URL...)
	}
	if strings.TrimSpace(cfg.Realtime.NATS.SubjectPrefix) == "" {
		cfg.Realtime.NATS.SubjectPrefix = defaultRealtimeSubject
	}
	if strings.TrimSpace(cfg.Realtime.Redis.Addr) == "" {
		cfg.Realtime.Redis.Addr = defaultRedisAddr
	}
	if strings.TrimSpace(cfg.Realtime.Redis.ChannelPrefix) == "" {
		cfg.Realtime.Redis.ChannelPrefix = defaultRealtimeChannel
	}
	if strings.TrimSpace(cfg.Realtime.WS.Path) == "" {
		cfg.Realtime.WS.Path = defaultRealtimeWSPath
	}

	applyDispatchDefaults(&cfg.Dispatch, cfg.Ingest.NATS.URL)

	for i := range cfg.Rule {
		rule := &cfg.Rule[i]
		if strings.TrimSpace(rule.Severity) == "" {
			rule.Severity = defaultRuleSeverity
		}
	}
}

func applyHTTPDefaults(cfg *HTTPIngestConfig) {
	if strings.TrimSpace(cfg.Listen) == "" {
		cfg.Listen = defaultHTTPListen
	}
	if strings.TrimSpace(cfg.HealthPath) == "" {
		cfg.HealthPath = defaultHealthPath
	}
	if strings.TrimSpace(cfg.ReadyPath) == "" {
		cfg.ReadyPath = defaultReadyPath
	}
	if strings.TrimSpace(cfg.IngestPath) == "" {
		cfg.IngestPath = defaultIngestPath
	}
	if strings.TrimSpace(cfg.MetricsPath) == "" {
		cfg.MetricsPath = defaultMetricsPath
	}
	if strings.TrimSpace(cfg.AlertsPath) == "" {
		cfg.AlertsPath = defaultAlertsPath
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
}

func applyNATSIngestDefaults(cfg *NATSIngestConfig) {
	cfg.URL = normalizeNATSURLs(cfg.URL)
	if len(cfg.URL) == 0 {
		cfg.URL = []string{defaultNATSURL}
	}
	if strings.TrimSpace(cfg.Subject) == "" {
		cfg.Subject = defaultNATSSubject
	}
	if strings.TrimSpace(cfg.Stream) == "" {
		cfg.Stream = defaultNATSIngestStream
	}
	if strings.TrimSpace(cfg.ConsumerName) == "" {
		cfg.ConsumerName = defaultNATSIngestConsumer
	}
	if strings.TrimSpace(cfg.DeliverGroup) == "" {
		cfg.DeliverGroup = defaultNATSIngestGroup
	}
	if cfg.Workers == 0 {
		cfg.Workers = defaultNATSIngestWorkers
	}
	if cfg.AckWaitSec <= 0 {
		cfg.AckWaitSec = defaultNATSAckWaitSec
	}
	if cfg.NackDelayMS == 0 {
		cfg.NackDelayMS = defaultNATSNackDelayMS
	}
	if cfg.MaxDeliver == 0 {
		cfg.MaxDeliver = defaultNATSMaxDeliver
	}
	if cfg.MaxAckPending <= 0 {
		cfg.MaxAckPending = defaultNATSMaxAckPending
	}
}

func applyDispatchDefaults(cfg *DispatchConfig, fallbackURL []string) {
	cfg.URL = normalizeNATSURLs(cfg.URL)
	if len(cfg.URL) == 0 {
		cfg.URL = append([]string(nil), fallbackURL...)
	}
	if strings.TrimSpace(cfg.Subject) == "" {
		cfg.Subject = defaultDispatchSubject
	}
	if strings.TrimSpace(cfg.Stream) == "" {
		cfg.Stream = defaultDispatchStream
	}
	if cfg.IntervalSec <= 0 {
		cfg.IntervalSec = defaultDispatchIntervalSec
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultDispatchBatchSize
	}
	if cfg.LeaseSec <= 0 {
		cfg.LeaseSec = defaultDispatchLeaseSec
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultDispatchMaxAttempts
	}

	worker := &cfg.Worker
	if strings.TrimSpace(worker.ConsumerName) == "" {
		worker.ConsumerName = defaultWorkerConsumer
	}
	if strings.TrimSpace(worker.DeliverGroup) == "" {
		worker.DeliverGroup = defaultWorkerGroup
	}
	if worker.AckWaitSec <= 0 {
		worker.AckWaitSec = defaultNATSAckWaitSec
	}
	if worker.NackDelayMS == 0 {
		worker.NackDelayMS = defaultNATSNackDelayMS
	}
	if worker.MaxDeliver == 0 {
		worker.MaxDeliver = defaultNATSMaxDeliver
	}
	if worker.MaxAckPending <= 0 {
		worker.MaxAckPending = defaultNATSMaxAckPending
	}
	if worker.TimeoutSec <= 0 {
		worker.TimeoutSec = defaultDeliveryTimeoutSec
	}
	if strings.TrimSpace(worker.MessageTemplate) == "" {
		worker.MessageTemplate = DefaultMessageTemplate
	}
	if strings.TrimSpace(worker.Telegram.APIBase) == "" {
		worker.Telegram.APIBase = defaultTelegramAPIBase
	}
	if strings.TrimSpace(worker.DLQSubject) == "" {
		worker.DLQSubject = defaultDLQSubject
	}
	if strings.TrimSpace(worker.DLQStream) == "" {
		worker.DLQStream = defaultDLQStream
	}
}

// validateConfig validates a defaulted snapshot.
// Params: config after applyDefaults.
// Returns: first validation error.
func validateConfig(cfg Config) error {
	if cfg.Service.Workers <= 0 {
		return errors.New("service.workers must be >0")
	}
	if cfg.Store.MaxOpenConns <= 0 {
		return errors.New("store.max_open_conns must be >0")
	}
	if err := validateLogSink("log.console", cfg.Log.Console, false); err != nil {
		return err
	}
	if err := validateLogSink("log.file", cfg.Log.File, true); err != nil {
		return err
	}

	httpCfg := cfg.Ingest.HTTP
	paths := map[string]string{
		"ingest.http.health_path":  httpCfg.HealthPath,
		"ingest.http.ready_path":   httpCfg.ReadyPath,
		"ingest.http.ingest_path":  httpCfg.IngestPath,
		"ingest.http.metrics_path": httpCfg.MetricsPath,
		"ingest.http.alerts_path":  httpCfg.AlertsPath,
	}
	if cfg.Realtime.WS.Enabled {
		paths["realtime.ws.path"] = cfg.Realtime.WS.Path
	}
	for _, name := range sortedKeys(paths) {
		if !strings.HasPrefix(paths[name], "/") {
			return fmt.Errorf("%s must start with '/'", name)
		}
	}
	if cfg.Realtime.WS.Enabled && !httpCfg.Enabled {
		return errors.New("realtime.ws.enabled requires ingest.http.enabled=true")
	}
	for _, origin := range cfg.Realtime.WS.AllowedOrigins {
		origin = strings.TrimSpace(origin)
		if origin == "*" {
			continue
		}
		parsed, err := url.Parse(origin)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("realtime.ws.allowed_origins entry %q must be scheme://host[:port] or \"*\"", origin)
		}
	}

	if cfg.Ingest.NATS.Enabled {
		if err := validateNATSURLs("ingest.nats.url", cfg.Ingest.NATS.URL); err != nil {
			return err
		}
		if cfg.Ingest.NATS.Workers <= 0 {
			return errors.New("ingest.nats.workers must be >0 when ingest.nats.enabled=true")
		}
		if cfg.Ingest.NATS.NackDelayMS < 0 {
			return errors.New("ingest.nats.nack_delay_ms must be >=0")
		}
		if cfg.Ingest.NATS.MaxDeliver == 0 || cfg.Ingest.NATS.MaxDeliver < -1 {
			return errors.New("ingest.nats.max_deliver must be -1 or >0")
		}
	}
	if cfg.Realtime.NATS.Enabled {
		if err := validateNATSURLs("realtime.nats.url", cfg.Realtime.NATS.URL); err != nil {
			return err
		}
	}
	if cfg.Dispatch.Enabled {
		if err := validateNATSURLs("dispatch.url", cfg.Dispatch.URL); err != nil {
			return err
		}
	}
	if cfg.Dispatch.Worker.Enabled && !cfg.Dispatch.Enabled {
		return errors.New("dispatch.worker.enabled requires dispatch.enabled=true")
	}
	if cfg.Dispatch.Worker.MaxDeliver == 0 || cfg.Dispatch.Worker.MaxDeliver < -1 {
		return errors.New("dispatch.worker.max_deliver must be -1 or >0")
	}
	if err := validateWorkerChannels(cfg.Dispatch.Worker); err != nil {
		return err
	}

	policies := make(map[string]struct{}, len(cfg.Policy))
	for i, policy := range cfg.Policy {
		if err := validatePolicy(policy); err != nil {
			return fmt.Errorf("policy[%d] %q: %w", i, policy.ID, err)
		}
		if _, exists := policies[policy.ID]; exists {
			return fmt.Errorf("duplicate policy id %q", policy.ID)
		}
		policies[policy.ID] = struct{}{}
	}

	rules := make(map[string]struct{}, len(cfg.Rule))
	for i, rule := range cfg.Rule {
		if err := validateRule(rule); err != nil {
			return fmt.Errorf("rule[%d] %q: %w", i, rule.ID, err)
		}
		if _, exists := rules[rule.ID]; exists {
			return fmt.Errorf("duplicate rule id %q", rule.ID)
		}
		rules[rule.ID] = struct{}{}
		if policy := strings.TrimSpace(rule.Policy); policy != "" {
			if _, ok := policies[policy]; !ok && len(cfg.Policy) > 0 {
				return fmt.Errorf("rule %q references unknown policy %q", rule.ID, policy)
			}
		}
	}

	windows := make(map[string]struct{}, len(cfg.Maintenance))
	for i, window := range cfg.Maintenance {
		if err := validateMaintenance(window); err != nil {
			return fmt.Errorf("maintenance[%d] %q: %w", i, window.ID, err)
		}
		if _, exists := windows[window.ID]; exists {
			return fmt.Errorf("duplicate maintenance id %q", window.ID)
		}
		windows[window.ID] = struct{}{}
	}
	return nil
}

func validateWorkerChannels(worker WorkerConfig) error {
	if _, err := templatefmt.ParseMessageTemplate("dispatch.worker.message_template", worker.MessageTemplate); err != nil {
		return fmt.Errorf("dispatch.worker.message_template: %w", err)
	}
	if worker.Mattermost.Enabled {
		if strings.TrimSpace(worker.Mattermost.BaseURL) == "" || strings.TrimSpace(worker.Mattermost.BotToken) == "" {
			return errors.New("dispatch.worker.mattermost requires base_url and bot_token")
		}
	}
	if worker.Telegram.Enabled && strings.TrimSpace(worker.Telegram.BotToken) == "" {
		return errors.New("dispatch.worker.telegram requires bot_token")
	}
	return nil
}

func hasIngestConfig(cfg IngestConfig) bool {
	return cfg.HTTP != (HTTPIngestConfig{}) || cfg.NATS.Enabled || len(cfg.NATS.URL) > 0 ||
		cfg.NATS.Workers != 0 || cfg.NATS.Subject != "" || cfg.NATS.Stream != ""
}

func hasRealtimeConfig(cfg RealtimeConfig) bool {
	return cfg.PublishTimeoutMS != 0 || cfg.NATS.Enabled || len(cfg.NATS.URL) > 0 ||
		cfg.NATS.SubjectPrefix != "" || cfg.Redis != (RealtimeRedisConfig{}) ||
		cfg.WS.Enabled || cfg.WS.Path != "" || len(cfg.WS.AllowedOrigins) > 0
}

func hasDispatchConfig(cfg DispatchConfig) bool {
	return cfg.Enabled || len(cfg.URL) > 0 || cfg.Subject != "" || cfg.Stream != "" ||
		cfg.IntervalSec != 0 || cfg.BatchSize != 0 || cfg.LeaseSec != 0 || cfg.MaxAttempts != 0 ||
		hasWorkerConfig(cfg.Worker)
}

func hasWorkerConfig(worker WorkerConfig) bool {
	return worker.Enabled || worker.ConsumerName != "" || worker.DeliverGroup != "" ||
		worker.AckWaitSec != 0 || worker.NackDelayMS != 0 || worker.MaxDeliver != 0 || worker.MaxAckPending != 0 ||
		worker.DLQ || worker.DLQSubject != "" || worker.DLQStream != "" ||
		worker.TimeoutSec != 0 || worker.MessageTemplate != "" ||
		worker.Webhook.Enabled || len(worker.Webhook.Headers) > 0 ||
		worker.Mattermost != (MattermostChannelConfig{}) || worker.Telegram != (TelegramChannelConfig{})
}

// normalizeNATSURLs trims entries and drops empty values.
func normalizeNATSURLs(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, url := range urls {
		if trimmed := strings.TrimSpace(url); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func validateNATSURLs(name string, urls []string) error {
	if len(urls) == 0 {
		return fmt.Errorf("%s is required", name)
	}
	for i, url := range urls {
		if strings.TrimSpace(url) == "" {
			return fmt.Errorf("%s[%d] is empty", name, i)
		}
	}
	return nil
}

// validateLogSink validates one log sink configuration.
// Params: sink name, sink values, and whether path is required.
// Returns: sink validation error.
func validateLogSink(name string, sink LogSinkConfig, requirePath bool) error {
	if !sink.Enabled {
		return nil
	}

	switch strings.ToLower(strings.TrimSpace(sink.Level)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%s.level has unsupported value %q", name, sink.Level)
	}

	switch strings.ToLower(strings.TrimSpace(sink.Format)) {
	case "line", "json":
	default:
		return fmt.Errorf("%s.format has unsupported value %q", name, sink.Format)
	}

	if requirePath && strings.TrimSpace(sink.Path) == "" {
		return fmt.Errorf("%s.path is required", name)
	}
	return nil
}

func sortedKeys[V any](values map[string]V) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
