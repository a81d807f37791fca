package telegram

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/feedgate-io/feedgate/internal/dispatch"
)

// flowStep is the position inside the /feedback conversation.
type flowStep int

const (
	stepNickname flowStep = iota
	stepCategory
	stepMessage
)

// flow is one in-progress /feedback conversation.
type flow struct {
	step     flowStep
	nickname string
	category string
}

// flowTable tracks conversations per private chat.
type flowTable struct {
	mu    sync.Mutex
	flows map[int64]*flow
}

func newFlowTable() *flowTable {
	return &flowTable{flows: make(map[int64]*flow)}
}

func (t *flowTable) active(chatID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.flows[chatID]
	return ok
}

func (t *flowTable) get(chatID int64) *flow {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flows[chatID]
}

func (t *flowTable) start(chatID int64) {
	t.mu.Lock()
	t.flows[chatID] = &flow{step: stepNickname}
	t.mu.Unlock()
}

func (t *flowTable) clear(chatID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.flows[chatID]; !ok {
		return false
	}
	delete(t.flows, chatID)
	return true
}

// startFlow begins the conversation, checking the rate limit up front so a
// user does not type out a message only to be refused at the end.
func (c *Connector) startFlow(_ context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID

	// Submit would consume a slot, so only peek here.
	if ok, retryAfter := c.submitter.Peek(msg.From.ID); !ok {
		c.reply(chatID, fmt.Sprintf(
			"You have filed too many tickets recently. Please wait %s and try again.",
			formatWait(retryAfter)))
		return
	}

	c.flows.start(chatID)
	c.replyHTML(chatID, "<b>New ticket</b>\n\nYour in-game nickname, or /skip to leave it out.")
}

// advanceFlow consumes one user message inside an active conversation.
func (c *Connector) advanceFlow(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	f := c.flows.get(chatID)
	if f == nil {
		return
	}

	switch f.step {
	case stepNickname:
		if msg.Command() != "skip" {
			f.nickname = trimNickname(msg.Text)
		}
		f.step = stepCategory
		c.askCategory(chatID)

	case stepCategory:
		// Categories arrive via callback; free text here just re-prompts.
		c.askCategory(chatID)

	case stepMessage:
		text := msg.Text
		if text == "" {
			c.reply(chatID, "Please send your feedback as text.")
			return
		}
		c.flows.clear(chatID)
		c.finishFlow(ctx, msg, f, text)
	}
}

// flowCategory handles a category-keyboard tap.
func (c *Connector) flowCategory(_ context.Context, cb *tgbotapi.CallbackQuery) {
	chatID := cb.Message.Chat.ID
	f := c.flows.get(chatID)
	if f == nil || f.step != stepCategory {
		c.bot.Request(tgbotapi.NewCallback(cb.ID, ""))
		return
	}

	cat := cb.Data[len("cat_"):]
	if !validCategory(cat) {
		c.bot.Request(tgbotapi.NewCallback(cb.ID, ""))
		return
	}
	f.category = cat
	f.step = stepMessage

	c.bot.Request(tgbotapi.NewCallback(cb.ID, categoryName(cat)))
	c.replyHTML(chatID, "Now write your message. It goes straight to the team.")
}

// finishFlow submits the collected ticket through the dispatcher.
func (c *Connector) finishFlow(ctx context.Context, msg *tgbotapi.Message, f *flow, text string) {
	t, err := c.submitter.Submit(ctx, dispatch.Submission{
		UserID:    msg.From.ID,
		Username:  msg.From.UserName,
		FirstName: msg.From.FirstName,
		Nickname:  f.nickname,
		Category:  f.category,
		Message:   text,
	})
	if err != nil {
		if rej, ok := dispatch.AsRejection(err); ok && rej.Reason == dispatch.RejectRateLimited {
			c.reply(msg.Chat.ID, fmt.Sprintf(
				"You have filed too many tickets recently. Please wait %s and try again.",
				formatWait(rej.RetryAfter)))
			return
		}
		c.logger.Error("submission failed", "user", msg.From.ID, "error", err)
		c.reply(msg.Chat.ID, "Something went wrong on our side. Please try again in a minute.")
		return
	}

	c.replyHTML(msg.Chat.ID, fmt.Sprintf(
		"Done! Your ticket <b>%s</b> has been sent to the team.", t.ID))
}

func (c *Connector) askCategory(chatID int64) {
	msg := tgbotapi.NewMessage(chatID, "<b>Pick a category:</b>")
	msg.ParseMode = "HTML"
	msg.ReplyMarkup = categoryKeyboard()
	if _, err := c.bot.Send(msg); err != nil {
		c.logger.Warn("category prompt failed", "chat_id", chatID, "error", err)
	}
}

func formatWait(d time.Duration) string {
	d = d.Round(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%d seconds", int(d.Seconds()))
	}
	return fmt.Sprintf("%d minutes", int((d + time.Minute - 1).Minutes()))
}

// trimNickname caps a nickname at 64 runes. Cutting at a byte offset could
// split a multi-byte rune and produce invalid UTF-8.
func trimNickname(s string) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) > 64 {
		s = string([]rune(s)[:64])
	}
	return s
}
