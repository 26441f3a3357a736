package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Known driver names.
const (
	StorageSQLite = "sqlite"

	DevicesHomeAssistant = "homeassistant"
	DevicesMQTT          = "mqtt"
	DevicesMemory        = "memory"
)

// Validate checks a parsed config for values that would fail at start-up or
// on hot reload. All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	check := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	check("scheduler.misfire_grace", cfg.Scheduler.MisfireGrace)
	check("scheduler.heartbeat_every", cfg.Scheduler.HeartbeatEvery)
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err))
		}
	}

	if te := cfg.TaskEngine; te != nil {
		if te.MaxInFlight < 0 {
			errs = append(errs, errors.New("task_engine.max_in_flight must be >= 0"))
		}
		if te.HistorySize < 0 {
			errs = append(errs, errors.New("task_engine.history_size must be >= 0"))
		}
		check("task_engine.default_timeout", te.DefaultTimeout)
		if cfg.Scheduler.Enabled && te.Enabled != nil && !*te.Enabled {
			errs = append(errs, errors.New("task_engine.enabled cannot be false while scheduler.enabled is true"))
		}
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d {
	case StorageSQLite, "sqlite3", "":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			errs = append(errs, errors.New("storage.path is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown %q", cfg.Storage.Driver))
	}
	check("storage.busy_timeout", cfg.Storage.BusyTimeout)

	switch d := strings.ToLower(strings.TrimSpace(cfg.Devices.Driver)); d {
	case DevicesHomeAssistant, "":
		check("devices.homeassistant.timeout", cfg.Devices.HomeAssistant.Timeout)
		if cfg.Devices.HomeAssistant.RatePerSec < 0 {
			errs = append(errs, errors.New("devices.homeassistant.rate_per_sec must be >= 0"))
		}
	case DevicesMQTT:
		if strings.TrimSpace(cfg.Devices.MQTT.Broker) == "" {
			errs = append(errs, errors.New("devices.mqtt.broker is required"))
		}
		if q := cfg.Devices.MQTT.QoS; q < 0 || q > 2 {
			errs = append(errs, fmt.Errorf("devices.mqtt.qos must be 0..2, got %d", q))
		}
	case DevicesMemory:
	default:
		errs = append(errs, fmt.Errorf("devices.driver: unknown %q", cfg.Devices.Driver))
	}

	ir := cfg.Irrigation
	if ir.MinDuration < 0 || ir.MaxDuration < 0 || ir.MaxSlots < 0 {
		errs = append(errs, errors.New("irrigation limits must be >= 0"))
	}
	if ir.MinDuration > 0 && ir.MaxDuration > 0 && ir.MinDuration > ir.MaxDuration {
		errs = append(errs, fmt.Errorf("irrigation.min_duration %d exceeds max_duration %d", ir.MinDuration, ir.MaxDuration))
	}
	check("irrigation.command_timeout", ir.CommandTimeout)

	ob := cfg.Observability
	check("observability.read_timeout", ob.ReadTimeout)
	check("observability.write_timeout", ob.WriteTimeout)
	check("observability.idle_timeout", ob.IdleTimeout)

	if in := cfg.InfluxDB; in != nil && in.Enabled {
		if strings.TrimSpace(in.URL) == "" || strings.TrimSpace(in.Bucket) == "" || strings.TrimSpace(in.Org) == "" {
			errs = append(errs, errors.New("influxdb: url, org and bucket are required when enabled"))
		}
	}
	if tg := cfg.Telegram; tg != nil && tg.Enabled {
		if strings.TrimSpace(tg.Token) == "" || tg.ChatID == 0 {
			errs = append(errs, errors.New("telegram: token and chat_id are required when enabled"))
		}
	}
	return errors.Join(errs...)
}
