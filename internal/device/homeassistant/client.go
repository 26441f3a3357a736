// Package homeassistant drives valves through the Home Assistant REST API.
package homeassistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/goatboynz/ha-irrigation-control/internal/device"
	logx "github.com/goatboynz/ha-irrigation-control/pkg/logx"
)

const (
	defaultURL      = "http://supervisor/core"
	defaultTokenEnv = "SUPERVISOR_TOKEN"
	defaultTimeout  = 10 * time.Second
	defaultRate     = 5
	maxErrorBody    = 512
)

// Config selects the Home Assistant instance. Token wins over TokenEnv.
type Config struct {
	URL        string
	Token      string
	TokenEnv   string
	Timeout    time.Duration
	RatePerSec int
	// Domains lists the entity prefixes ListDevices reports. Empty means
	// switch and valve.
	Domains []string
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Code)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

type Client struct {
	base    *url.URL
	token   string
	hc      *http.Client
	limiter *rate.Limiter
	domains []string
	log     logx.Logger
}

type entityState struct {
	EntityID   string         `json:"entity_id"`
	State      string         `json:"state"`
	Attributes map[string]any `json:"attributes"`
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	raw := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if raw == "" {
		raw = defaultURL
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("home assistant url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("home assistant url: unsupported scheme %q", base.Scheme)
	}

	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		env := strings.TrimSpace(cfg.TokenEnv)
		if env == "" {
			env = defaultTokenEnv
		}
		token = strings.TrimSpace(os.Getenv(env))
	}
	if token == "" {
		return nil, errors.New("home assistant token required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = defaultRate
	}
	domains := cfg.Domains
	if len(domains) == 0 {
		domains = []string{"switch", "valve"}
	}

	return &Client{
		base:    base,
		token:   token,
		hc:      &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		domains: domains,
		log:     log,
	}, nil
}

// SetDeviceState calls the turn_on/turn_off (or open_valve/close_valve)
// service for the entity's domain.
func (c *Client) SetDeviceState(ctx context.Context, entityID string, on bool) error {
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return errors.New("entity id required")
	}
	domain, service := serviceFor(entityID, on)
	path := "/api/services/" + domain + "/" + service
	body := map[string]string{"entity_id": entityID}
	if err := c.do(ctx, http.MethodPost, path, body, nil); err != nil {
		return fmt.Errorf("%s %s: %w", service, entityID, err)
	}
	c.log.Debug("service called", logx.Entity(entityID), logx.String("service", domain+"."+service))
	return nil
}

func (c *Client) GetDeviceState(ctx context.Context, entityID string) (string, error) {
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return "", errors.New("entity id required")
	}
	var st entityState
	if err := c.do(ctx, http.MethodGet, "/api/states/"+url.PathEscape(entityID), nil, &st); err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			return "", fmt.Errorf("%s: %w", entityID, device.ErrNotFound)
		}
		return "", err
	}
	return st.State, nil
}

// ListDevices returns entities in the configured domains, sorted by id.
func (c *Client) ListDevices(ctx context.Context) ([]device.Info, error) {
	var states []entityState
	if err := c.do(ctx, http.MethodGet, "/api/states", nil, &states); err != nil {
		return nil, err
	}
	out := make([]device.Info, 0, len(states))
	for _, st := range states {
		if !c.wanted(st.EntityID) {
			continue
		}
		name, _ := st.Attributes["friendly_name"].(string)
		if strings.TrimSpace(name) == "" {
			name = st.EntityID
		}
		out = append(out, device.Info{EntityID: st.EntityID, Name: name, State: device.NormalizeState(st.State)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out, nil
}

func (c *Client) Close() error {
	c.hc.CloseIdleConnections()
	return nil
}

func (c *Client) wanted(entityID string) bool {
	for _, d := range c.domains {
		if strings.HasPrefix(entityID, d+".") {
			return true
		}
	}
	return false
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	u := c.base.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", device.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func serviceFor(entityID string, on bool) (domain, service string) {
	domain, _, _ = strings.Cut(entityID, ".")
	switch domain {
	case "valve":
		if on {
			return domain, "open_valve"
		}
		return domain, "close_valve"
	case "switch", "input_boolean", "light", "fan":
	default:
		domain = "homeassistant"
	}
	if on {
		return domain, "turn_on"
	}
	return domain, "turn_off"
}
