package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/goatboynz/ha-irrigation-control/internal/config"
	"github.com/goatboynz/ha-irrigation-control/internal/device"
	"github.com/goatboynz/ha-irrigation-control/internal/device/homeassistant"
	"github.com/goatboynz/ha-irrigation-control/internal/device/mqtt"
	logx "github.com/goatboynz/ha-irrigation-control/pkg/logx"
)

// openTransport builds the valve transport named by devices.driver.
// An empty driver means Home Assistant.
func openTransport(ctx context.Context, cfg *config.Config, log logx.Logger) (device.Transport, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Devices.Driver))
	switch driver {
	case "", config.DevicesHomeAssistant:
		hc, err := mapHomeAssistantConfig(cfg)
		if err != nil {
			return nil, err
		}
		c, err := homeassistant.New(hc, log)
		if err != nil {
			return nil, err
		}
		return c, nil
	case config.DevicesMQTT:
		c, err := mqtt.Connect(ctx, mapMQTTConfig(cfg), log)
		if err != nil {
			return nil, err
		}
		return c, nil
	case config.DevicesMemory:
		log.Warn("memory device driver selected; valves are simulated")
		return device.NewMemory(log), nil
	default:
		return nil, fmt.Errorf("%w: %s", device.ErrUnknownDriver, cfg.Devices.Driver)
	}
}
