package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

type Config struct {
	Server       ServerConfig       `json:"server"`
	Engine       EngineConfig       `json:"engine"`
	Triage       TriageConfig       `json:"triage"`
	Correlation  CorrelationConfig  `json:"correlation"`
	Definitions  DefinitionsConfig  `json:"definitions"`
	Storage      StorageConfig      `json:"storage"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Notify       NotifyConfig       `json:"notify"`
	Scheduler    SchedulerConfig    `json:"scheduler"`
}

type ServerConfig struct {
	HTTPAddr       string  `json:"http_addr"`
	RateLimitRPS   float64 `json:"rate_limit_rps"`
	RateLimitBurst int     `json:"rate_limit_burst"`
}

type EngineConfig struct {
	MaxConcurrentExecutions  int `json:"max_concurrent_executions"`
	DefaultActionTimeoutSecs int `json:"default_action_timeout_secs"`
	EventBuffer              int `json:"event_buffer"`
}

type TriageConfig struct {
	DuplicateWindowMins int        `json:"duplicate_window_mins"`
	DedupEnabled        *bool      `json:"dedup_enabled"`
	FalsePositiveCheck  *bool      `json:"false_positive_check"`
	Thresholds          Thresholds `json:"thresholds"`
	BatchConcurrency    int        `json:"batch_concurrency"`
}

// Thresholds maps a triage score to an assigned priority. Scanned from
// critical down; the first threshold the score meets or exceeds wins.
type Thresholds struct {
	Critical float64 `json:"critical"`
	High     float64 `json:"high"`
	Medium   float64 `json:"medium"`
	Low      float64 `json:"low"`
}

type CorrelationConfig struct {
	Enabled     bool    `json:"enabled"`
	Threshold   float64 `json:"threshold"`
	WindowHours int     `json:"window_hours"`
}

type DefinitionsConfig struct {
	Dir   string `json:"dir"`
	Watch bool   `json:"watch"`
}

type StorageConfig struct {
	PostgresDSN string `json:"postgres_dsn"`
}

type OrchestratorConfig struct {
	TemporalAddr string `json:"temporal_addr"`
	Namespace    string `json:"namespace"`
	TaskQueue    string `json:"task_queue"`
	HealthAddr   string `json:"health_addr"`
}

type NotifyConfig struct {
	SlackWebhookURL string `json:"slack_webhook_url"`
	DefaultChannel  string `json:"default_channel"`
}

type SchedulerConfig struct {
	Enabled          bool `json:"enabled"`
	PollIntervalSecs int  `json:"poll_interval_secs"`
}

func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	cfg.applyDefaults()
	return cfg, cfg.Validate()
}

func (c *Config) applyDefaults() {
	if c.Engine.MaxConcurrentExecutions <= 0 {
		c.Engine.MaxConcurrentExecutions = 10
	}
	if c.Engine.DefaultActionTimeoutSecs <= 0 {
		c.Engine.DefaultActionTimeoutSecs = 30
	}
	if c.Engine.EventBuffer <= 0 {
		c.Engine.EventBuffer = 64
	}
	if c.Triage.DuplicateWindowMins <= 0 {
		c.Triage.DuplicateWindowMins = 60
	}
	if c.Triage.BatchConcurrency <= 0 {
		c.Triage.BatchConcurrency = 8
	}
	if c.Triage.Thresholds == (Thresholds{}) {
		c.Triage.Thresholds = Thresholds{Critical: 90, High: 70, Medium: 40, Low: 0}
	}
	if c.Correlation.Threshold <= 0 {
		c.Correlation.Threshold = 0.6
	}
	if c.Correlation.WindowHours <= 0 {
		c.Correlation.WindowHours = 72
	}
	if c.Orchestrator.Namespace == "" {
		c.Orchestrator.Namespace = "default"
	}
	if c.Orchestrator.TaskQueue == "" {
		c.Orchestrator.TaskQueue = "threatflow-remediation"
	}
	if c.Scheduler.PollIntervalSecs <= 0 {
		c.Scheduler.PollIntervalSecs = 30
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Server.HTTPAddr) == "" {
		return errors.New("server.http_addr required")
	}
	t := c.Triage.Thresholds
	if t.Critical < t.High || t.High < t.Medium || t.Medium < t.Low {
		return fmt.Errorf("triage.thresholds must be ordered critical >= high >= medium >= low, got %+v", t)
	}
	if c.Correlation.Enabled && (c.Correlation.Threshold <= 0 || c.Correlation.Threshold > 1) {
		return errors.New("correlation.threshold must be in (0, 1]")
	}
	if strings.TrimSpace(c.Orchestrator.TemporalAddr) != "" {
		if strings.TrimSpace(c.Orchestrator.TaskQueue) == "" {
			return errors.New("orchestrator.task_queue required when temporal_addr is set")
		}
	}
	if c.Notify.SlackWebhookURL != "" && !strings.HasPrefix(c.Notify.SlackWebhookURL, "https://") {
		return errors.New("notify.slack_webhook_url must be https")
	}
	return nil
}

// DedupEnabled defaults to true when unset in the config file.
func (c TriageConfig) DedupeEnabled() bool {
	if c.DedupEnabled == nil {
		return true
	}
	return *c.DedupEnabled
}

// FalsePositiveEnabled defaults to true when unset in the config file.
func (c TriageConfig) FalsePositiveEnabled() bool {
	if c.FalsePositiveCheck == nil {
		return true
	}
	return *c.FalsePositiveCheck
}

func (c TriageConfig) DuplicateWindow() time.Duration {
	return time.Duration(c.DuplicateWindowMins) * time.Minute
}

func (c EngineConfig) DefaultActionTimeout() time.Duration {
	return time.Duration(c.DefaultActionTimeoutSecs) * time.Second
}

func (c CorrelationConfig) Window() time.Duration {
	return time.Duration(c.WindowHours) * time.Hour
}

func (c SchedulerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSecs) * time.Second
}
