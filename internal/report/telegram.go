package report

import (
	"context"
	"errors"
	"strings"
	"sync"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	logx "harvester/pkg/logx"
)

type TelegramConfig struct {
	Token      string
	ChatID     int64
	ThreadID   int
	RatePerSec int
	QueueSize  int
}

// sender is the subset of *tele.Bot used here.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Telegram posts incident summaries to a chat. Messages are queued and sent
// by a single worker under a rate limit; when the queue is full new incidents
// are dropped.
type Telegram struct {
	bot      sender
	chat     *tele.Chat
	threadID int
	limiter  *rate.Limiter
	queue    chan string
	log      logx.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewTelegram(cfg TelegramConfig, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" || cfg.ChatID == 0 {
		return nil, errors.New("telegram token and chat_id are required")
	}
	bot, err := tele.NewBot(tele.Settings{Token: cfg.Token, Offline: true})
	if err != nil {
		return nil, err
	}
	return newTelegram(bot, cfg, log), nil
}

func newTelegram(bot sender, cfg TelegramConfig, log logx.Logger) *Telegram {
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	qs := cfg.QueueSize
	if qs <= 0 {
		qs = 64
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Telegram{
		bot:      bot,
		chat:     &tele.Chat{ID: cfg.ChatID},
		threadID: cfg.ThreadID,
		limiter:  rate.NewLimiter(rate.Limit(rps), rps),
		queue:    make(chan string, qs),
		log:      log,
	}
}

// Start launches the send worker. It stops when ctx is done or Close is called.
func (t *Telegram) Start(ctx context.Context) {
	t.startOnce.Do(func() {
		ctx, t.cancel = context.WithCancel(ctx)
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.worker(ctx)
		}()
	})
}

func (t *Telegram) Report(_ context.Context, inc Incident) {
	if t == nil || inc.Err == nil {
		return
	}
	msg := "⚠️ " + summary(inc)
	if stderr := strings.TrimSpace(inc.Stderr()); stderr != "" {
		msg += "\n\nstderr:\n" + logx.Truncate(stderr, 1500)
	}
	select {
	case t.queue <- logx.Truncate(msg, 3500):
	default:
		t.log.Debug("telegram report dropped (queue full)", logx.String("source", inc.SourceName))
	}
}

func (t *Telegram) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-t.queue:
			if err := t.limiter.Wait(ctx); err != nil {
				return
			}
			_, err := t.bot.Send(t.chat, msg, &tele.SendOptions{
				DisableWebPagePreview: true,
				ThreadID:              t.threadID,
			})
			if err != nil {
				t.log.Warn("telegram report failed", logx.Err(err))
			}
		}
	}
}

// Close stops the worker. Queued messages that were not sent yet are dropped.
func (t *Telegram) Close() error {
	t.stopOnce.Do(func() {
		if t.cancel != nil {
			t.cancel()
		}
		t.wg.Wait()
	})
	return nil
}
