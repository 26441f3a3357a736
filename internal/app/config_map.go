package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/goatboynz/ha-irrigation-control/internal/config"
	"github.com/goatboynz/ha-irrigation-control/internal/device/homeassistant"
	"github.com/goatboynz/ha-irrigation-control/internal/device/mqtt"
	"github.com/goatboynz/ha-irrigation-control/internal/irrigation"
	"github.com/goatboynz/ha-irrigation-control/internal/notify"
	"github.com/goatboynz/ha-irrigation-control/internal/observability/server"
	"github.com/goatboynz/ha-irrigation-control/internal/storage"
	"github.com/goatboynz/ha-irrigation-control/internal/task/engine"
	"github.com/goatboynz/ha-irrigation-control/internal/task/scheduler"
	"github.com/goatboynz/ha-irrigation-control/internal/telemetry"
	logx "github.com/goatboynz/ha-irrigation-control/pkg/logx"
)

const (
	defaultMisfireGrace   = 5 * time.Minute
	defaultHeartbeat      = 30 * time.Second
	defaultCommandTimeout = 2 * time.Minute
	defaultHATimeout      = 10 * time.Second
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
		Alerts: logx.AlertConfig{
			// alerts go through the telegram notifier, so they need it on
			Enabled:    lc.Alerts.Enabled && cfg.Telegram != nil && cfg.Telegram.Enabled,
			MinLevel:   lc.Alerts.MinLevel,
			RatePerSec: lc.Alerts.RatePerSec,
		},
	}
}

// mapTaskEngineConfig resolves the engine config. An omitted task_engine
// section follows scheduler.enabled. The misfire grace doubles as the
// engine's stale-task cutoff.
func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	if cfg == nil {
		return engine.Config{}, nil
	}
	grace, err := config.DurationOrDefault("scheduler.misfire_grace", cfg.Scheduler.MisfireGrace, defaultMisfireGrace)
	if err != nil {
		return engine.Config{}, err
	}
	out := engine.Config{
		Enabled:       cfg.Scheduler.Enabled,
		MaxQueueDelay: grace,
	}
	te := cfg.TaskEngine
	if te == nil {
		return out, nil
	}
	if te.Enabled != nil {
		out.Enabled = *te.Enabled
	}
	if cfg.Scheduler.Enabled && !out.Enabled {
		return engine.Config{}, fmt.Errorf("task_engine.enabled cannot be false while scheduler.enabled is true")
	}
	out.MaxInFlight = te.MaxInFlight
	out.HistorySize = te.HistorySize
	if out.DefaultTimeout, err = config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	grace, err := config.DurationOrDefault("scheduler.misfire_grace", sc.MisfireGrace, defaultMisfireGrace)
	if err != nil {
		return scheduler.Config{}, err
	}
	hb, err := config.ParseDurationOrDefault("scheduler.heartbeat_every", sc.HeartbeatEvery, defaultHeartbeat)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:        sc.Enabled,
		Timezone:       strings.TrimSpace(sc.Timezone),
		MisfireGrace:   grace,
		HeartbeatEvery: hb,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "sqlite3":
		driver = config.StorageSQLite
	case config.StorageSQLite:
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
}

func mapHomeAssistantConfig(cfg *config.Config) (homeassistant.Config, error) {
	hc := cfg.Devices.HomeAssistant
	timeout, err := config.ParseDurationOrDefault("devices.homeassistant.timeout", hc.Timeout, defaultHATimeout)
	if err != nil {
		return homeassistant.Config{}, err
	}
	return homeassistant.Config{
		URL:        hc.URL,
		Token:      hc.Token,
		TokenEnv:   hc.TokenEnv,
		Timeout:    timeout,
		RatePerSec: hc.RatePerSec,
		Domains:    hc.Domains,
	}, nil
}

func mapMQTTConfig(cfg *config.Config) mqtt.Config {
	mc := cfg.Devices.MQTT
	return mqtt.Config{
		Broker:       mc.Broker,
		ClientID:     mc.ClientID,
		Username:     mc.Username,
		Password:     mc.Password,
		CommandTopic: mc.CommandTopic,
		StateTopic:   mc.StateTopic,
		QoS:          mc.QoS,
		Retain:       mc.Retain,
	}
}

// mapIrrigationConfig returns schedule limits and the per-command timeout.
func mapIrrigationConfig(cfg *config.Config) (irrigation.Limits, time.Duration, error) {
	ic := cfg.Irrigation
	timeout, err := config.ParseDurationOrDefault("irrigation.command_timeout", ic.CommandTimeout, defaultCommandTimeout)
	if err != nil {
		return irrigation.Limits{}, 0, err
	}
	// zero fields take the compiler's defaults
	return irrigation.Limits{
		MinDuration: ic.MinDuration,
		MaxDuration: ic.MaxDuration,
		MaxSlots:    ic.MaxSlots,
	}, timeout, nil
}

func mapServerConfig(cfg *config.Config) (server.Config, error) {
	oc := cfg.Observability
	rt, err := config.ParseDurationOrDefault("observability.read_timeout", oc.ReadTimeout, 10*time.Second)
	if err != nil {
		return server.Config{}, err
	}
	// pprof profiles stream for up to 30s by default
	wt, err := config.ParseDurationOrDefault("observability.write_timeout", oc.WriteTimeout, 60*time.Second)
	if err != nil {
		return server.Config{}, err
	}
	it, err := config.ParseDurationOrDefault("observability.idle_timeout", oc.IdleTimeout, 60*time.Second)
	if err != nil {
		return server.Config{}, err
	}
	return server.Config{
		Enabled:              oc.Enabled,
		Addr:                 strings.TrimSpace(oc.Addr),
		Token:                strings.TrimSpace(oc.Token),
		AllowInsecure:        oc.AllowInsecure,
		Metrics:              config.BoolOr(oc.Metrics, true),
		Pprof:                oc.Pprof,
		ReadTimeout:          rt,
		WriteTimeout:         wt,
		IdleTimeout:          it,
		MutexProfileFraction: oc.MutexProfileFraction,
		BlockProfileRate:     oc.BlockProfileRate,
	}, nil
}

func mapInfluxConfig(cfg *config.Config) telemetry.Config {
	ic := cfg.InfluxDB
	if ic == nil {
		return telemetry.Config{}
	}
	return telemetry.Config{
		Enabled:     ic.Enabled,
		URL:         ic.URL,
		Token:       ic.Token,
		Org:         ic.Org,
		Bucket:      ic.Bucket,
		Measurement: ic.Measurement,
	}
}

func mapTelegramConfig(cfg *config.Config) notify.Config {
	tc := cfg.Telegram
	if tc == nil {
		return notify.Config{}
	}
	return notify.Config{
		Enabled:    tc.Enabled,
		Token:      tc.Token,
		ChatID:     tc.ChatID,
		ThreadID:   tc.ThreadID,
		RatePerSec: float64(tc.RatePerSec),
		NotifyRuns: tc.NotifyRuns,
	}
}
