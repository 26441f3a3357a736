package config

// Config is the on-disk daemon configuration. JSON and YAML are accepted;
// unknown keys are rejected. Durations are Go duration strings ("30s", "5m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls how fired jobs execute. If omitted the engine
	// follows scheduler.enabled with default limits.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Storage    StorageConfig    `json:"storage"`
	Devices    DevicesConfig    `json:"devices"`
	Irrigation IrrigationConfig `json:"irrigation"`

	Observability ObservabilityConfig `json:"observability,omitempty"`
	InfluxDB      *InfluxConfig       `json:"influxdb,omitempty"`
	Telegram      *TelegramConfig     `json:"telegram,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Alerts  LoggingAlerts `json:"alerts"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlerts forwards log lines at or above MinLevel to the telegram chat.
type LoggingAlerts struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`

	// MisfireGrace bounds how late a fired job may still start, and how far
	// back start-up catch-up looks. Default "5m"; "0s" disables both.
	MisfireGrace string `json:"misfire_grace,omitempty"`

	// HeartbeatEvery is how often the liveness checkpoint is written.
	HeartbeatEvery string `json:"heartbeat_every,omitempty"`
}

// TaskEngineConfig controls the task execution engine.
//
// Enabled is a pointer so "omitted" (follow scheduler.enabled) differs from
// an explicit false.
type TaskEngineConfig struct {
	Enabled     *bool `json:"enabled,omitempty"`
	MaxInFlight int   `json:"max_in_flight,omitempty"`

	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

// StorageConfig selects the record store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "/data/irrigation.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// DevicesConfig selects the valve transport: "homeassistant", "mqtt" or
// "memory" (dry run, nothing is switched).
type DevicesConfig struct {
	Driver        string              `json:"driver"`
	HomeAssistant HomeAssistantConfig `json:"homeassistant,omitempty"`
	MQTT          MQTTConfig          `json:"mqtt,omitempty"`
}

type HomeAssistantConfig struct {
	URL        string   `json:"url,omitempty"`       // default: http://supervisor/core
	Token      string   `json:"token,omitempty"`     // do not log
	TokenEnv   string   `json:"token_env,omitempty"` // default: SUPERVISOR_TOKEN
	Timeout    string   `json:"timeout,omitempty"`
	RatePerSec int      `json:"rate_per_sec,omitempty"`
	Domains    []string `json:"domains,omitempty"`
}

type MQTTConfig struct {
	Broker       string `json:"broker,omitempty"`
	ClientID     string `json:"client_id,omitempty"`
	Username     string `json:"username,omitempty"`
	Password     string `json:"password,omitempty"` // do not log
	CommandTopic string `json:"command_topic,omitempty"`
	StateTopic   string `json:"state_topic,omitempty"`
	QoS          int    `json:"qos,omitempty"`
	Retain       bool   `json:"retain,omitempty"`
}

// IrrigationConfig bounds schedules accepted by the control layer. Zero
// values fall back to 1..360 minutes and 50 slots.
type IrrigationConfig struct {
	MinDuration    int    `json:"min_duration,omitempty"`
	MaxDuration    int    `json:"max_duration,omitempty"`
	MaxSlots       int    `json:"max_slots,omitempty"`
	CommandTimeout string `json:"command_timeout,omitempty"`
	// SyncOnStart compiles every enabled schedule when the daemon starts.
	// Defaults to true.
	SyncOnStart *bool `json:"sync_on_start,omitempty"`
}

// ObservabilityConfig controls the operator HTTP server (/healthz, /metrics
// and /debug/pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9101").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type ObservabilityConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:9101"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Metrics       *bool  `json:"metrics,omitempty"` // default true
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

// InfluxConfig streams valve state changes to InfluxDB v2.
type InfluxConfig struct {
	Enabled     bool   `json:"enabled"`
	URL         string `json:"url"`
	Token       string `json:"token"` // do not log
	Org         string `json:"org"`
	Bucket      string `json:"bucket"`
	Measurement string `json:"measurement,omitempty"` // default: valve_state
}

// TelegramConfig delivers operator alerts and run failures to a chat.
type TelegramConfig struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token"` // do not log
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	// NotifyRuns also reports every finished run, not only failures.
	NotifyRuns bool `json:"notify_runs,omitempty"`
}
