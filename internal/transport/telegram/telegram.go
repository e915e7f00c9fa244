// Package telegram connects the operators' Telegram chat: warn+ log lines are
// forwarded there and a couple of read-only commands answer from it.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"rbs/internal/model"
	"rbs/internal/stats"
	rtsup "rbs/internal/runtime/supervisor"
	logx "rbs/pkg/logx"
)

type Config struct {
	Token       string
	ChatID      int64
	ThreadID    int
	PollTimeout time.Duration
	// Commands enables long polling for /stats and /round.
	Commands bool
	// APIURL overrides the Bot API endpoint.
	APIURL string
}

// Source is what the commands read from.
type Source interface {
	StatsView(ctx context.Context) (stats.View, error)
	Current() model.Round
	Remaining() time.Duration
}

type Bot struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	mu      sync.Mutex
	src     Source
	sup     *rtsup.Supervisor
	running bool
}

func New(cfg Config, log logx.Logger) (*Bot, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.APIURL,
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: cfg.PollTimeout},
		Offline: !cfg.Commands,
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return &Bot{cfg: cfg, log: log.With(logx.String("comp", "telegram")), bot: b}, nil
}

// SendAlert posts one log line to the operator chat. It implements
// logx.AlertSender.
func (b *Bot) SendAlert(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := b.bot.Send(&tele.Chat{ID: b.cfg.ChatID}, text, &tele.SendOptions{
		DisableWebPagePreview: true,
		ThreadID:              b.cfg.ThreadID,
	})
	return err
}

// Start begins polling for commands when enabled.
func (b *Bot) Start(ctx context.Context, src Source) {
	if !b.cfg.Commands {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return
	}
	b.src = src
	b.running = true
	b.bot.Handle("/stats", b.onStats)
	b.bot.Handle("/round", b.onRound)

	b.sup = rtsup.New(ctx, rtsup.WithLogger(b.log))
	b.sup.Go("telegram.poll", func(context.Context) error {
		b.bot.Start()
		return nil
	})
	b.log.Info("telegram polling started")
}

// Stop ends polling; telebot's Stop returns once the poller exits.
func (b *Bot) Stop(ctx context.Context) error {
	b.mu.Lock()
	sup, was := b.sup, b.running
	b.running, b.sup = false, nil
	b.mu.Unlock()
	if !was {
		return nil
	}
	go b.bot.Stop()

	grace, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Stop(grace); err != nil && ctx.Err() == nil {
		b.log.Warn("telegram stop grace elapsed")
	}
	return ctx.Err()
}

func (b *Bot) authorized(c tele.Context) bool {
	return c.Chat() != nil && c.Chat().ID == b.cfg.ChatID
}

func (b *Bot) onStats(c tele.Context) error {
	if !b.authorized(c) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := b.src.StatsView(ctx)
	if err != nil {
		return c.Send("stats unavailable: " + err.Error())
	}
	return c.Send(FormatStats(v))
}

func (b *Bot) onRound(c tele.Context) error {
	if !b.authorized(c) {
		return nil
	}
	return c.Send(FormatRound(b.src.Current(), b.src.Remaining()))
}

// FormatStats renders the stats view as a short plain-text summary.
func FormatStats(v stats.View) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "members %d (banned %d)\n", v.Members, v.Banned)
	fmt.Fprintf(&sb, "active 1h/24h/7d %d/%d/%d, this round %d\n", v.Active.Hour, v.Active.Day, v.Active.Week, v.Active.Current)
	fmt.Fprintf(&sb, "rotations %d, missed %d\n", v.Rotations, v.Missed)
	fmt.Fprintf(&sb, "broadcasts %d, words %d\n", v.Broadcasts.Messages, v.Broadcasts.Words)
	fmt.Fprintf(&sb, "round %d, %s left", v.RoundID, time.Duration(v.RemainingSeconds)*time.Second)
	return sb.String()
}

func FormatRound(r model.Round, remaining time.Duration) string {
	switch {
	case r.ID == 0:
		return "no round yet"
	case r.Redacted():
		return fmt.Sprintf("round %d: redacted", r.ID)
	case r.Waiting():
		return fmt.Sprintf("round %d: waiting for %s, %s left", r.ID, r.AuthorID, remaining.Round(time.Minute))
	default:
		return fmt.Sprintf("round %d by %s: +%d -%d, %d reports, %s left",
			r.ID, r.AuthorID, r.Upvotes, r.Downvotes, r.Reports, remaining.Round(time.Minute))
	}
}
