// Package notify sends operator alerts to a Telegram chat: forwarded WARN+
// log lines and failed irrigation runs.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"github.com/goatboynz/ha-irrigation-control/internal/eventbus"
	"github.com/goatboynz/ha-irrigation-control/internal/irrigation"
	logx "github.com/goatboynz/ha-irrigation-control/pkg/logx"
)

const textLimit = 4000

var ErrDisabled = errors.New("telegram notifications disabled")

type Config struct {
	Enabled    bool
	Token      string
	ChatID     int64
	ThreadID   int
	RatePerSec float64
	// NotifyRuns also reports successful runs, not only failures.
	NotifyRuns bool
}

// Priority picks the message prefix.
type Priority int

const (
	PriorityInfo     Priority = 1
	PriorityWarn     Priority = 5
	PriorityCritical Priority = 8
)

func (p Priority) prefix() string {
	switch {
	case p >= PriorityCritical:
		return "🚨 "
	case p >= PriorityWarn:
		return "⚠️ "
	default:
		return "ℹ️ "
	}
}

type sender interface {
	send(text string) error
}

type botSender struct {
	bot  *tele.Bot
	chat *tele.Chat
	opts *tele.SendOptions
}

func (b botSender) send(text string) error {
	_, err := b.bot.Send(b.chat, text, b.opts)
	return err
}

type Notifier struct {
	cfg     Config
	log     logx.Logger
	limiter *rate.Limiter
	out     sender
}

// New builds a notifier. The bot runs offline: it only sends, so no
// getMe round trip is made at startup.
func New(cfg Config, log logx.Logger) (*Notifier, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	bot, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: true,
	})
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	out := botSender{
		bot:  bot,
		chat: &tele.Chat{ID: cfg.ChatID},
		opts: &tele.SendOptions{DisableWebPagePreview: true, ThreadID: cfg.ThreadID},
	}
	return newNotifier(cfg, out, log), nil
}

func newNotifier(cfg Config, out sender, log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return &Notifier{
		cfg:     cfg,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		out:     out,
	}
}

// SendAlert implements logx.AlertSender.
func (n *Notifier) SendAlert(ctx context.Context, text string) error {
	return n.Notify(ctx, PriorityWarn, text)
}

// Notify sends text with a priority prefix, split into chunks that fit a
// single Telegram message.
func (n *Notifier) Notify(ctx context.Context, p Priority, text string) error {
	for _, chunk := range splitText(p.prefix()+text, textLimit) {
		if err := n.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := n.out.send(chunk); err != nil {
			// logged at debug so a broken chat does not feed the alert sink
			n.log.Debug("telegram send failed", logx.Int64("chat_id", n.cfg.ChatID), logx.Err(err))
			return err
		}
	}
	return nil
}

// Message formats an event for the operator. ok is false for events that
// are not worth a message.
func (n *Notifier) Message(e eventbus.Event) (Priority, string, bool) {
	switch e.Type {
	case eventbus.TypeValveFailed:
		ev, ok := e.Data.(irrigation.ValveEvent)
		if !ok {
			return 0, "", false
		}
		p := PriorityWarn
		if ev.Action == irrigation.ActionStop {
			// a valve that would not close keeps watering
			p = PriorityCritical
		}
		return p, fmt.Sprintf("valve %s failed to %s (schedule %d): %s", ev.EntityID, ev.Action, ev.ScheduleID, ev.Err), true

	case eventbus.TypeRunFinished:
		ev, ok := e.Data.(irrigation.RunEvent)
		if !ok {
			return 0, "", false
		}
		if ev.Failed > 0 {
			return PriorityWarn, fmt.Sprintf("schedule %d %s run finished with %d of %d valves failed", ev.ScheduleID, ev.Action, ev.Failed, len(ev.Entities)), true
		}
		if !n.cfg.NotifyRuns || (ev.Action != irrigation.ActionStop && !ev.Sequential) {
			return 0, "", false
		}
		msg := fmt.Sprintf("schedule %d finished watering %s", ev.ScheduleID, strings.Join(ev.Entities, ", "))
		if ev.Duration > 0 {
			msg += " in " + ev.Duration.Round(time.Second).String()
		}
		if ev.Reason != "" {
			msg += " (" + ev.Reason + ")"
		}
		return PriorityInfo, msg, true

	case eventbus.TypeRunSkipped:
		ev, ok := e.Data.(irrigation.RunEvent)
		if !ok || !n.cfg.NotifyRuns {
			return 0, "", false
		}
		return PriorityInfo, fmt.Sprintf("schedule %d skipped: %s", ev.ScheduleID, ev.Reason), true
	}
	return 0, "", false
}

// Run forwards bus events until ctx ends. Sends happen on this goroutine
// so a slow chat only delays alerts, never valve commands.
func (n *Notifier) Run(ctx context.Context, bus eventbus.Bus) error {
	events, unsub := bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			p, text, send := n.Message(e)
			if !send {
				continue
			}
			if err := n.Notify(ctx, p, text); err != nil && ctx.Err() == nil {
				n.log.Debug("run notification dropped", logx.String("event", e.Type), logx.Err(err))
			}
		}
	}
}

func splitText(s string, limit int) []string {
	r := []rune(s)
	if len(r) <= limit {
		return []string{s}
	}
	var out []string
	for len(r) > 0 {
		n := limit
		if n > len(r) {
			n = len(r)
		} else if i := lastNewline(r[:n]); i >= limit/2 {
			n = i + 1
		}
		out = append(out, string(r[:n]))
		r = r[n:]
	}
	return out
}

func lastNewline(r []rune) int {
	for i := len(r) - 1; i >= 0; i-- {
		if r[i] == '\n' {
			return i
		}
	}
	return -1
}
