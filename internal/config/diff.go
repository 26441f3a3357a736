package config

import (
	"reflect"
	"sort"
	"strings"

	logx "github.com/goatboynz/ha-irrigation-control/pkg/logx"
)

// Sections that need a process restart to take effect.
var restartSections = map[string]bool{
	"storage":    true,
	"devices":    true,
	"influxdb":   true,
	"telegram":   true,
	"irrigation": true,
}

// SummarizeChange returns the changed top-level sections and safe attrs for
// logging. Secrets (tokens, passwords) are only reported as set/unset.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alerts_enabled", newCfg.Logging.Alerts.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.misfire_grace", strings.TrimSpace(newCfg.Scheduler.MisfireGrace)),
		)
	}

	oTE, nTE := derefTaskEngine(oldCfg.TaskEngine), derefTaskEngine(newCfg.TaskEngine)
	if (oldCfg.TaskEngine != nil) != (newCfg.TaskEngine != nil) || !reflect.DeepEqual(oTE, nTE) {
		changed = append(changed, "task_engine")
		attrs = append(attrs,
			logx.Bool("task_engine.present", newCfg.TaskEngine != nil),
			logx.Int("task_engine.max_in_flight", nTE.MaxInFlight),
			logx.String("task_engine.default_timeout", strings.TrimSpace(nTE.DefaultTimeout)),
			logx.Int("task_engine.history_size", nTE.HistorySize),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Devices, newCfg.Devices) {
		changed = append(changed, "devices")
		attrs = append(attrs,
			logx.String("devices.driver", strings.TrimSpace(newCfg.Devices.Driver)),
			logx.Bool("devices.ha_token_set", strings.TrimSpace(newCfg.Devices.HomeAssistant.Token) != ""),
			logx.String("devices.mqtt_broker", strings.TrimSpace(newCfg.Devices.MQTT.Broker)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Irrigation, newCfg.Irrigation) {
		changed = append(changed, "irrigation")
		attrs = append(attrs,
			logx.Int("irrigation.min_duration", newCfg.Irrigation.MinDuration),
			logx.Int("irrigation.max_duration", newCfg.Irrigation.MaxDuration),
			logx.Int("irrigation.max_slots", newCfg.Irrigation.MaxSlots),
		)
	}

	oOb, nOb := oldCfg.Observability, newCfg.Observability
	oTok, nTok := strings.TrimSpace(oOb.Token) != "", strings.TrimSpace(nOb.Token) != ""
	oOb.Token, nOb.Token = "", ""
	if oTok != nTok || !reflect.DeepEqual(oOb, nOb) {
		changed = append(changed, "observability")
		attrs = append(attrs,
			logx.Bool("observability.enabled", nOb.Enabled),
			logx.String("observability.addr", strings.TrimSpace(nOb.Addr)),
			logx.Bool("observability.token_set", nTok),
			logx.Bool("observability.pprof", nOb.Pprof),
		)
	}

	if !reflect.DeepEqual(oldCfg.InfluxDB, newCfg.InfluxDB) {
		changed = append(changed, "influxdb")
		attrs = append(attrs, logx.Bool("influxdb.enabled", newCfg.InfluxDB != nil && newCfg.InfluxDB.Enabled))
	}
	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		changed = append(changed, "telegram")
		attrs = append(attrs, logx.Bool("telegram.enabled", newCfg.Telegram != nil && newCfg.Telegram.Enabled))
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired filters sections that cannot be applied live.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		if restartSections[s] {
			out = append(out, s)
		}
	}
	return out
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}
