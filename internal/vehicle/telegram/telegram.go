// Package telegram is the Telegram vehicle driver, built on telebot.
package telegram

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "beacon/pkg/logx"

	"beacon/internal/vehicle"
)

const Kind = "telegram"

type Config struct {
	Token       string
	PollTimeout time.Duration
}

// Driver sends broadcast content to Telegram chats. Addresses are the
// numeric chat id as a decimal string.
type Driver struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

func New(cfg Config, log logx.Logger) (*Driver, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Driver{cfg: cfg, log: log, bot: b}, nil
}

func (d *Driver) Kind() string { return Kind }

func (d *Driver) Send(ctx context.Context, address, content string) error {
	chatID, err := strconv.ParseInt(strings.TrimSpace(address), 10, 64)
	if err != nil {
		// A malformed address never becomes sendable.
		return errors.Join(vehicle.ErrPermanent, err)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	type result struct{ err error }
	done := make(chan result, 1)
	go func() {
		_, err := d.bot.Send(&tele.Chat{ID: chatID}, content)
		done <- result{err: err}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case r := <-done:
		if r.err != nil {
			return classify(r.err)
		}
		return nil
	}
}

// classify maps telebot errors onto the retry policy: chats the bot can
// never reach again are permanent, everything else is transient.
func classify(err error) error {
	switch {
	case errors.Is(err, tele.ErrBlockedByUser),
		errors.Is(err, tele.ErrUserIsDeactivated),
		errors.Is(err, tele.ErrChatNotFound),
		errors.Is(err, tele.ErrKickedFromGroup),
		errors.Is(err, tele.ErrKickedFromSuperGroup),
		errors.Is(err, tele.ErrKickedFromChannel):
		return errors.Join(vehicle.ErrPermanent, err)
	default:
		return err
	}
}

// Close stops the underlying long poller if it was started.
func (d *Driver) Close() {
	if d.bot != nil {
		d.bot.Stop()
	}
}
