// Package telegram is the Telegram front end: it collects direct feedback
// through a short conversation flow, posts tickets to the operations group,
// and turns status-keyboard taps into dispatcher status updates.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/feedgate-io/feedgate/internal/dispatch"
	"github.com/feedgate-io/feedgate/pkg/protocol"
)

// Config holds Telegram connector configuration.
type Config struct {
	Token     string  // Bot token from @BotFather
	GroupID   int64   // Operations group chat id tickets are posted to
	AllowFrom []int64 // Allowed user IDs for direct feedback (empty = allow all)
}

// Submitter is the dispatcher surface the front end calls into.
type Submitter interface {
	Submit(ctx context.Context, sub dispatch.Submission) (*protocol.Ticket, error)
	UpdateStatus(ctx context.Context, ticketID string, status protocol.TicketStatus) error
	Peek(userID int64) (bool, time.Duration)
}

// Connector implements the connector.Connector interface for Telegram and
// the dispatcher's Notifier.
type Connector struct {
	bot       *tgbotapi.BotAPI
	config    Config
	submitter Submitter
	logger    *slog.Logger
	cancel    context.CancelFunc
	flows     *flowTable
}

// New creates a new Telegram connector.
func New(cfg Config, submitter Submitter, logger *slog.Logger) (*Connector, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram: init bot: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("telegram bot authorized", "username", bot.Self.UserName)

	return &Connector{
		bot:       bot,
		config:    cfg,
		submitter: submitter,
		logger:    logger,
		flows:     newFlowTable(),
	}, nil
}

func (c *Connector) Name() string { return "telegram" }

// Start begins long-polling for updates. Blocks until context is cancelled.
func (c *Connector) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := c.bot.GetUpdatesChan(u)

	c.logger.Info("telegram connector started", "bot", c.bot.Self.UserName)

	for {
		select {
		case update := <-updates:
			switch {
			case update.CallbackQuery != nil:
				c.handleCallback(ctx, update.CallbackQuery)
			case update.Message != nil:
				c.handleMessage(ctx, update.Message)
			}

		case <-ctx.Done():
			c.bot.StopReceivingUpdates()
			c.logger.Info("telegram connector stopped")
			return ctx.Err()
		}
	}
}

// Stop gracefully shuts down the connector.
func (c *Connector) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

// NotifyTicket posts a new ticket to the operations group with the status
// keyboard attached.
func (c *Connector) NotifyTicket(_ context.Context, t *protocol.Ticket) error {
	msg := tgbotapi.NewMessage(c.config.GroupID, FormatTicket(t))
	msg.ParseMode = "HTML"
	msg.DisableWebPagePreview = true
	msg.ReplyMarkup = statusKeyboard(t.ID)

	if _, err := c.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram: post ticket %s: %w", t.ID, err)
	}
	return nil
}

// NotifyStatus announces a site-side status change in the group.
func (c *Connector) NotifyStatus(_ context.Context, ticketID string, status protocol.TicketStatus) error {
	text := fmt.Sprintf("%s <b>%s</b> → %s", statusIcon(status), ticketID, statusName(status))
	msg := tgbotapi.NewMessage(c.config.GroupID, text)
	msg.ParseMode = "HTML"
	if _, err := c.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram: post status for %s: %w", ticketID, err)
	}
	return nil
}

// PostText sends free-form HTML text to the operations group. The digest
// scheduler uses it.
func (c *Connector) PostText(_ context.Context, text string) error {
	msg := tgbotapi.NewMessage(c.config.GroupID, text)
	msg.ParseMode = "HTML"
	if _, err := c.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram: post: %w", err)
	}
	return nil
}

func (c *Connector) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	// The group chat only carries ticket posts and keyboard taps; the
	// conversation flow lives in direct messages.
	if msg.Chat.ID == c.config.GroupID {
		return
	}

	userID := msg.From.ID
	if len(c.config.AllowFrom) > 0 && !contains(c.config.AllowFrom, userID) {
		c.logger.Warn("unauthorized user", "user_id", userID, "username", msg.From.UserName)
		return
	}

	if msg.IsCommand() {
		c.handleCommand(ctx, msg)
		return
	}

	// Non-command text continues an active /feedback flow, if any.
	if c.flows.active(msg.Chat.ID) {
		c.advanceFlow(ctx, msg)
	}
}

func (c *Connector) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID

	switch msg.Command() {
	case "start":
		c.reply(chatID, fmt.Sprintf(
			"Hi, %s!\n\nI collect feedback for the team.\n\nUse /feedback to file a ticket, /help for details.",
			msg.From.FirstName))

	case "help":
		c.replyHTML(chatID, strings.Join([]string{
			"<b>Commands:</b>",
			"/start — greeting",
			"/feedback — file a ticket",
			"/cancel — abort the current flow",
			"/help — this message",
			"",
			"<b>Filing a ticket:</b>",
			"1. Send /feedback",
			"2. Give your in-game nickname (or /skip)",
			"3. Pick a category",
			"4. Write your message",
		}, "\n"))

	case "feedback":
		c.startFlow(ctx, msg)

	case "skip":
		if c.flows.active(chatID) {
			c.advanceFlow(ctx, msg)
		}

	case "cancel":
		if c.flows.clear(chatID) {
			c.reply(chatID, "Cancelled. Use /feedback to start over.")
		} else {
			c.reply(chatID, "Nothing to cancel.")
		}

	default:
		c.reply(chatID, "Unknown command. Try /help.")
	}
}

func (c *Connector) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	data := cb.Data

	switch {
	case strings.HasPrefix(data, "cat_"):
		c.flowCategory(ctx, cb)
	case strings.HasPrefix(data, "status_"):
		c.statusCallback(ctx, cb)
	default:
		c.logger.Warn("unknown callback", "data", data)
		c.bot.Request(tgbotapi.NewCallback(cb.ID, ""))
	}
}

// statusCallback applies a status-keyboard tap in the group. Callback data
// is "status_<ticket_id>_<status>"; the ticket id itself contains
// underscores, so the status is matched from the end.
func (c *Connector) statusCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	ticketID, status, ok := parseStatusCallback(cb.Data)
	if !ok {
		c.logger.Warn("unparsable status callback", "data", cb.Data)
		c.bot.Request(tgbotapi.NewCallback(cb.ID, ""))
		return
	}

	if err := c.submitter.UpdateStatus(ctx, ticketID, status); err != nil {
		c.logger.Error("status update failed", "ticket", ticketID, "error", err)
		c.bot.Request(tgbotapi.NewCallback(cb.ID, "Update failed"))
		return
	}

	// Rewrite the group post's status line in place, keyboard kept.
	if cb.Message != nil {
		edit := tgbotapi.NewEditMessageText(cb.Message.Chat.ID, cb.Message.MessageID,
			RestampStatus(cb.Message.Text, status))
		edit.ParseMode = "HTML"
		kb := statusKeyboard(ticketID)
		edit.ReplyMarkup = &kb
		if _, err := c.bot.Send(edit); err != nil {
			c.logger.Warn("message edit failed", "ticket", ticketID, "error", err)
		}
	}

	c.bot.Request(tgbotapi.NewCallback(cb.ID, "Status: "+statusName(status)))
}

func (c *Connector) reply(chatID int64, text string) {
	if _, err := c.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		c.logger.Warn("reply failed", "chat_id", chatID, "error", err)
	}
}

func (c *Connector) replyHTML(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = "HTML"
	if _, err := c.bot.Send(msg); err != nil {
		c.logger.Warn("reply failed", "chat_id", chatID, "error", err)
	}
}

func contains(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
