// Package mqtt drives valves over an MQTT broker. Commands are published to
// a per-entity command topic; entity state is cached from a subscribed state
// topic.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/goatboynz/ha-irrigation-control/internal/device"
	logx "github.com/goatboynz/ha-irrigation-control/pkg/logx"
)

const (
	entityToken = "{entity}"

	defaultCommandTopic = "irrigation/" + entityToken + "/set"
	defaultStateTopic   = "irrigation/" + entityToken + "/state"
	defaultClientID     = "irrigationd"

	defaultConnectTimeout    = 10 * time.Second
	defaultPublishTimeout    = 5 * time.Second
	defaultKeepAlive         = 60 * time.Second
	defaultDisconnectQuiesce = 1000 // ms
	maxQoS                   = 2
)

var ErrBadTopic = errors.New("topic template must contain exactly one " + entityToken)

type Config struct {
	Broker   string // tcp://host:1883
	ClientID string
	Username string
	Password string

	// CommandTopic and StateTopic are templates; {entity} is replaced by the
	// entity id.
	CommandTopic string
	StateTopic   string
	QoS          int

	// Retain publishes commands with the retain flag.
	Retain bool
}

type Client struct {
	cfg    Config
	log    logx.Logger
	client pahomqtt.Client

	cmd   topicTemplate
	state topicTemplate

	mu     sync.RWMutex
	states map[string]string
	seen   map[string]time.Time
}

type topicTemplate struct {
	prefix string
	suffix string
}

func parseTemplate(s string) (topicTemplate, error) {
	if strings.Count(s, entityToken) != 1 {
		return topicTemplate{}, fmt.Errorf("%q: %w", s, ErrBadTopic)
	}
	pre, suf, _ := strings.Cut(s, entityToken)
	return topicTemplate{prefix: pre, suffix: suf}, nil
}

func (t topicTemplate) topic(entityID string) string { return t.prefix + entityID + t.suffix }

// wildcard turns the template into a subscription filter.
func (t topicTemplate) wildcard() string { return t.prefix + "+" + t.suffix }

func (t topicTemplate) entity(topic string) (string, bool) {
	if !strings.HasPrefix(topic, t.prefix) || !strings.HasSuffix(topic, t.suffix) {
		return "", false
	}
	id := topic[len(t.prefix) : len(topic)-len(t.suffix)]
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

func normalize(cfg Config) (Config, error) {
	cfg.Broker = strings.TrimSpace(cfg.Broker)
	if cfg.Broker == "" {
		return cfg, errors.New("mqtt broker required")
	}
	if strings.TrimSpace(cfg.ClientID) == "" {
		cfg.ClientID = defaultClientID
	}
	if strings.TrimSpace(cfg.CommandTopic) == "" {
		cfg.CommandTopic = defaultCommandTopic
	}
	if strings.TrimSpace(cfg.StateTopic) == "" {
		cfg.StateTopic = defaultStateTopic
	}
	if cfg.QoS < 0 || cfg.QoS > maxQoS {
		return cfg, fmt.Errorf("mqtt qos must be 0..%d, got %d", maxQoS, cfg.QoS)
	}
	return cfg, nil
}

func newClient(cfg Config, log logx.Logger) (*Client, error) {
	cfg, err := normalize(cfg)
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	cmd, err := parseTemplate(cfg.CommandTopic)
	if err != nil {
		return nil, fmt.Errorf("command topic: %w", err)
	}
	st, err := parseTemplate(cfg.StateTopic)
	if err != nil {
		return nil, fmt.Errorf("state topic: %w", err)
	}
	return &Client{
		cfg:    cfg,
		log:    log,
		cmd:    cmd,
		state:  st,
		states: map[string]string{},
		seen:   map[string]time.Time{},
	}, nil
}

// Connect dials the broker and subscribes to the state topic. The
// subscription is restored on every reconnect.
func Connect(ctx context.Context, cfg Config, log logx.Logger) (*Client, error) {
	c, err := newClient(cfg, log)
	if err != nil {
		return nil, err
	}

	opts := buildClientOptions(c.cfg)
	opts.SetOnConnectHandler(func(pc pahomqtt.Client) {
		c.log.Info("mqtt connected", logx.String("broker", c.cfg.Broker))
		tok := pc.Subscribe(c.state.wildcard(), byte(c.cfg.QoS), c.onMessage)
		if !tok.WaitTimeout(defaultPublishTimeout) || tok.Error() != nil {
			c.log.Warn("mqtt state subscribe failed", logx.String("topic", c.state.wildcard()), logx.Err(tok.Error()))
		}
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.log.Warn("mqtt connection lost", logx.Err(err))
	})

	c.client = pahomqtt.NewClient(opts)
	if err := wait(ctx, c.client.Connect(), defaultConnectTimeout); err != nil {
		c.client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect %s: %w", c.cfg.Broker, err)
	}
	return c, nil
}

func buildClientOptions(cfg Config) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(false)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)
	opts.SetOrderMatters(false)
	return opts
}

func (c *Client) onMessage(_ pahomqtt.Client, msg pahomqtt.Message) {
	c.handleState(msg.Topic(), msg.Payload())
}

func (c *Client) handleState(topic string, payload []byte) {
	id, ok := c.state.entity(topic)
	if !ok {
		return
	}
	// raw value; conditions compare and parse it as published
	st := strings.TrimSpace(string(payload))
	c.mu.Lock()
	c.states[id] = st
	c.seen[id] = time.Now()
	c.mu.Unlock()
	c.log.Trace("mqtt state", logx.Entity(id), logx.String("state", st))
}

// SetDeviceState publishes ON or OFF to the entity's command topic and waits
// for the broker acknowledgement (QoS > 0) or ctx.
func (c *Client) SetDeviceState(ctx context.Context, entityID string, on bool) error {
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return errors.New("entity id required")
	}
	if c.client == nil || !c.client.IsConnectionOpen() {
		return device.ErrUnavailable
	}
	payload := "OFF"
	if on {
		payload = "ON"
	}
	topic := c.cmd.topic(entityID)
	if err := wait(ctx, c.client.Publish(topic, byte(c.cfg.QoS), c.cfg.Retain, payload), defaultPublishTimeout); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// GetDeviceState returns the last payload seen on the entity's state topic,
// trimmed but otherwise unchanged.
func (c *Client) GetDeviceState(ctx context.Context, entityID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.mu.RLock()
	st, ok := c.states[entityID]
	c.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%s: %w", entityID, device.ErrNotFound)
	}
	return st, nil
}

// ListDevices lists every entity that has published a state.
func (c *Client) ListDevices(ctx context.Context) ([]device.Info, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	out := make([]device.Info, 0, len(c.states))
	for id, st := range c.states {
		out = append(out, device.Info{EntityID: id, Name: id, State: device.NormalizeState(st)})
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out, nil
}

func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	c.client.Disconnect(defaultDisconnectQuiesce)
	return nil
}

func wait(ctx context.Context, tok pahomqtt.Token, timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return fmt.Errorf("timeout after %s", timeout)
	}
}
