// Package telegram delivers messages to a single Telegram chat via telebot.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"lovebot/internal/transport"
	logx "lovebot/pkg/logx"
)

type Config struct {
	Token          string
	ChatID         int64
	ThreadID       int
	ParseMode      string
	DisablePreview bool
	// RatePerSec bounds outgoing messages (Telegram allows ~1/s per chat).
	RatePerSec float64
	// APIURL overrides the Bot API endpoint (tests, local bot API server).
	APIURL string
	// HTTPTimeout caps a single Bot API request.
	HTTPTimeout time.Duration
}

// Alerts have their own budget so a burst of them never delays a delivery.
const (
	alertEvery = 3 * time.Second
	alertBurst = 3
)

// Sender implements transport.Sender and logx.AlertSender for one chat.
type Sender struct {
	cfg     Config
	log     logx.Logger
	bot     *tele.Bot
	limiter *rate.Limiter
	alerts  *rate.Limiter
}

func New(cfg Config, log logx.Logger) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		URL:    cfg.APIURL,
		Client: &http.Client{Timeout: cfg.HTTPTimeout},
		// Send-only: no getMe at construction and no poller.
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	burst := int(cfg.RatePerSec)
	if burst < 1 {
		burst = 1
	}
	return &Sender{
		cfg:     cfg,
		log:     log,
		bot:     b,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst),
		alerts:  rate.NewLimiter(rate.Every(alertEvery), alertBurst),
	}, nil
}

func (s *Sender) Send(ctx context.Context, msg transport.Message) error {
	s.log.Debug("sending", logx.String("key", msg.IdempotencyKey), logx.Int("len", len(msg.Text)))
	return s.sendText(ctx, msg.Text, s.cfg.ParseMode)
}

// Alert sends an operator notice to the same chat as plain text. Every chunk
// takes a token from the alert limiter; when they are not all available the
// alert is dropped rather than queued.
func (s *Sender) Alert(ctx context.Context, text string) error {
	chunks := splitText(text, textLimit, "")
	if !s.alerts.AllowN(time.Now(), len(chunks)) {
		return transport.Transient(errors.New("alert dropped: rate limited"))
	}
	return s.sendChunks(ctx, chunks, "", false)
}

func (s *Sender) sendText(ctx context.Context, text, parseMode string) error {
	if strings.TrimSpace(text) == "" {
		return transport.Permanent(errors.New("empty message"))
	}
	return s.sendChunks(ctx, splitText(text, textLimit, parseMode), parseMode, true)
}

func (s *Sender) sendChunks(ctx context.Context, chunks []string, parseMode string, wait bool) error {
	chat := &tele.Chat{ID: s.cfg.ChatID}
	for i, chunk := range chunks {
		if wait {
			if err := s.limiter.Wait(ctx); err != nil {
				return transport.Transient(err)
			}
		}
		opt := &tele.SendOptions{
			ParseMode:             parseMode,
			DisableWebPagePreview: s.cfg.DisablePreview,
			ThreadID:              s.cfg.ThreadID,
		}
		if err := s.sendOne(ctx, chat, chunk, opt); err != nil {
			if i > 0 {
				return fmt.Errorf("chunk %d/%d: %w", i+1, len(chunks), err)
			}
			return err
		}
	}
	return nil
}

// sendOne runs the blocking Bot API call so ctx cancellation (timeout or
// shutdown) is observed immediately. The abandoned request is bounded by the
// HTTP client timeout.
func (s *Sender) sendOne(ctx context.Context, chat *tele.Chat, text string, opt *tele.SendOptions) error {
	done := make(chan error, 1)
	go func() {
		_, err := s.bot.Send(chat, text, opt)
		done <- err
	}()
	select {
	case <-ctx.Done():
		return transport.Transient(ctx.Err())
	case err := <-done:
		return classify(err)
	}
}

// classify maps Bot API failures onto transport kinds.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var flood tele.FloodError
	if errors.As(err, &flood) {
		return transport.TransientAfter(err, time.Duration(flood.RetryAfter)*time.Second)
	}
	var floodPtr *tele.FloodError
	if errors.As(err, &floodPtr) && floodPtr != nil {
		return transport.TransientAfter(err, time.Duration(floodPtr.RetryAfter)*time.Second)
	}
	// The chat was upgraded to a supergroup: chat_id must be changed in config.
	var group tele.GroupError
	if errors.As(err, &group) {
		return transport.Permanent(fmt.Errorf("chat migrated to %d: %w", group.MigratedTo, err))
	}

	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusTooManyRequests:
			return transport.TransientAfter(err, time.Second)
		case apiErr.Code == http.StatusBadRequest,
			apiErr.Code == http.StatusUnauthorized,
			apiErr.Code == http.StatusForbidden,
			apiErr.Code == http.StatusNotFound:
			return transport.Permanent(err)
		default:
			return transport.Transient(err)
		}
	}
	return transport.Transient(err)
}
