package device

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	logx "github.com/goatboynz/ha-irrigation-control/pkg/logx"
)

// Memory is an in-process transport. It never touches hardware, which makes
// it useful for dry runs. Unknown entities are created on first write.
type Memory struct {
	mu     sync.Mutex
	log    logx.Logger
	states map[string]string
	names  map[string]string
}

func NewMemory(log logx.Logger, entities ...Info) *Memory {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Memory{log: log, states: map[string]string{}, names: map[string]string{}}
	for _, e := range entities {
		id := strings.TrimSpace(e.EntityID)
		if id == "" {
			continue
		}
		m.names[id] = e.Name
		st := strings.TrimSpace(e.State)
		if st == "" {
			st = StateOff
		}
		m.states[id] = st
	}
	return m
}

func (m *Memory) SetDeviceState(ctx context.Context, entityID string, on bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return fmt.Errorf("entity id required")
	}
	st := StateOff
	if on {
		st = StateOn
	}
	m.mu.Lock()
	m.states[entityID] = st
	m.mu.Unlock()
	m.log.Info("dry-run valve switch", logx.Entity(entityID), logx.String("state", st))
	return nil
}

func (m *Memory) GetDeviceState(ctx context.Context, entityID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[entityID]
	if !ok {
		return "", fmt.Errorf("%s: %w", entityID, ErrNotFound)
	}
	return st, nil
}

// Set stores an arbitrary state, for sensors read by conditions.
func (m *Memory) Set(entityID, state string) {
	m.mu.Lock()
	m.states[entityID] = state
	m.mu.Unlock()
}

func (m *Memory) ListDevices(ctx context.Context) ([]Info, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	out := make([]Info, 0, len(m.states))
	for id, st := range m.states {
		name := m.names[id]
		if name == "" {
			name = id
		}
		out = append(out, Info{EntityID: id, Name: name, State: NormalizeState(st)})
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out, nil
}

func (m *Memory) Close() error { return nil }
