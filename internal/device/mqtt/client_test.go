package mqtt

import (
	"context"
	"errors"
	"testing"

	"github.com/goatboynz/ha-irrigation-control/internal/device"
	"github.com/goatboynz/ha-irrigation-control/internal/irrigation"
	logx "github.com/goatboynz/ha-irrigation-control/pkg/logx"
)

func TestTopicTemplate(t *testing.T) {
	t.Parallel()
	tpl, err := parseTemplate("home/valves/{entity}/state")
	if err != nil {
		t.Fatalf("parseTemplate: %v", err)
	}
	if got := tpl.topic("zone_1"); got != "home/valves/zone_1/state" {
		t.Fatalf("topic = %q", got)
	}
	if got := tpl.wildcard(); got != "home/valves/+/state" {
		t.Fatalf("wildcard = %q", got)
	}

	cases := []struct {
		topic string
		id    string
		ok    bool
	}{
		{"home/valves/zone_1/state", "zone_1", true},
		{"home/valves//state", "", false},
		{"home/valves/a/b/state", "", false},
		{"home/other/zone_1/state", "", false},
	}
	for _, tc := range cases {
		id, ok := tpl.entity(tc.topic)
		if id != tc.id || ok != tc.ok {
			t.Fatalf("entity(%q) = %q,%v want %q,%v", tc.topic, id, ok, tc.id, tc.ok)
		}
	}
}

func TestParseTemplateRejectsMissingToken(t *testing.T) {
	t.Parallel()
	for _, s := range []string{"irrigation/set", "{entity}/{entity}"} {
		if _, err := parseTemplate(s); !errors.Is(err, ErrBadTopic) {
			t.Fatalf("parseTemplate(%q) err = %v", s, err)
		}
	}
}

func TestNormalizeConfig(t *testing.T) {
	t.Parallel()
	if _, err := normalize(Config{}); err == nil {
		t.Fatalf("expected broker error")
	}
	if _, err := normalize(Config{Broker: "tcp://x:1883", QoS: 3}); err == nil {
		t.Fatalf("expected qos error")
	}
	cfg, err := normalize(Config{Broker: " tcp://x:1883 "})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if cfg.Broker != "tcp://x:1883" || cfg.CommandTopic != defaultCommandTopic || cfg.ClientID != defaultClientID {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestStateCache(t *testing.T) {
	t.Parallel()
	c, err := newClient(Config{Broker: "tcp://localhost:1883"}, logx.Nop())
	if err != nil {
		t.Fatalf("newClient: %v", err)
	}
	ctx := context.Background()

	if _, err := c.GetDeviceState(ctx, "zone_a"); !errors.Is(err, device.ErrNotFound) {
		t.Fatalf("unseen entity err = %v", err)
	}

	c.handleState("irrigation/zone_b/state", []byte("OFF"))
	c.handleState("irrigation/zone_a/state", []byte("ON"))
	c.handleState("irrigation/zone_a/set", []byte("OFF"))

	st, err := c.GetDeviceState(ctx, "zone_a")
	if err != nil || st != "ON" {
		t.Fatalf("zone_a = %q, %v", st, err)
	}
	list, err := c.ListDevices(ctx)
	if err != nil {
		t.Fatalf("ListDevices: %v", err)
	}
	if len(list) != 2 || list[0].EntityID != "zone_a" || list[1].State != device.StateOff {
		t.Fatalf("list = %+v", list)
	}
}

func TestSetDeviceStateWithoutConnection(t *testing.T) {
	t.Parallel()
	c, err := newClient(Config{Broker: "tcp://localhost:1883"}, logx.Nop())
	if err != nil {
		t.Fatalf("newClient: %v", err)
	}
	if err := c.SetDeviceState(context.Background(), "zone_a", true); !errors.Is(err, device.ErrUnavailable) {
		t.Fatalf("err = %v", err)
	}
}

func TestStateKeepsRawPayload(t *testing.T) {
	t.Parallel()
	c, err := newClient(Config{Broker: "tcp://localhost:1883", StateTopic: "sensors/{entity}/state"}, logx.Nop())
	if err != nil {
		t.Fatalf("newClient: %v", err)
	}
	ctx := context.Background()
	cases := map[string]struct{ payload, want string }{
		"rain_mm": {" 1\n", "1"},
		"weather": {"Sunny", "Sunny"},
		"soil":    {"0", "0"},
	}
	for id, tc := range cases {
		c.handleState("sensors/"+id+"/state", []byte(tc.payload))
	}
	for id, tc := range cases {
		if got, err := c.GetDeviceState(ctx, id); err != nil || got != tc.want {
			t.Fatalf("%s = %q, %v; want %q", id, got, err, tc.want)
		}
	}

	rain, _ := c.GetDeviceState(ctx, "rain_mm")
	if ok, err := irrigation.Compare(irrigation.KindNumeric, irrigation.OpLt, rain, "5"); !ok || err != nil {
		t.Fatalf("numeric condition on %q = %v, %v", rain, ok, err)
	}
	weather, _ := c.GetDeviceState(ctx, "weather")
	if ok, _ := irrigation.Compare(irrigation.KindState, irrigation.OpEq, weather, "Sunny"); !ok {
		t.Fatalf("state condition on %q not satisfied", weather)
	}

	list, _ := c.ListDevices(ctx)
	for _, d := range list {
		if d.EntityID == "rain_mm" && d.State != device.StateOn {
			t.Fatalf("listed state = %q, want normalized %q", d.State, device.StateOn)
		}
	}
}
