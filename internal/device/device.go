// Package device defines the valve transport contract and the drivers that
// implement it: Home Assistant REST, MQTT and an in-memory transport for
// dry runs and tests.
package device

import (
	"context"
	"errors"
	"strings"
)

// State values reported by GetDeviceState.
const (
	StateOn      = "on"
	StateOff     = "off"
	StateUnknown = "unknown"
)

var (
	ErrUnknownDriver = errors.New("unknown device driver")
	ErrUnavailable   = errors.New("device transport unavailable")
	ErrNotFound      = errors.New("device not found")
)

// Info describes a switchable entity exposed by a transport.
type Info struct {
	EntityID string
	Name     string
	State    string
}

// Transport switches valves and reads entity state.
type Transport interface {
	SetDeviceState(ctx context.Context, entityID string, on bool) error
	GetDeviceState(ctx context.Context, entityID string) (string, error)
	ListDevices(ctx context.Context) ([]Info, error)
	Close() error
}

// NormalizeState folds driver specific payloads ("ON", "open", "true") onto
// StateOn/StateOff. Other values are returned lower-cased and trimmed.
// It is for displaying valve state only; GetDeviceState returns raw values
// because conditions compare and parse them as published.
func NormalizeState(s string) string {
	v := strings.ToLower(strings.TrimSpace(s))
	switch v {
	case "on", "open", "opening", "true", "1":
		return StateOn
	case "off", "closed", "closing", "false", "0":
		return StateOff
	case "":
		return StateUnknown
	}
	return v
}
