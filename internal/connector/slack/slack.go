// Package slackconn is the optional Slack front end. A direct message or
// app mention files a ticket in one shot; there is no conversation flow
// like Telegram's, a "category: message" prefix picks the category.
package slackconn

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/feedgate-io/feedgate/internal/dispatch"
	"github.com/feedgate-io/feedgate/pkg/protocol"
)

// Config holds Slack connector configuration.
type Config struct {
	BotToken string // xoxb-... Bot User OAuth Token
	AppToken string // xapp-... App-Level Token (for Socket Mode)
}

// Submitter is the dispatcher surface the front end calls into.
type Submitter interface {
	Submit(ctx context.Context, sub dispatch.Submission) (*protocol.Ticket, error)
	Peek(userID int64) (bool, time.Duration)
}

// Connector implements connector.Connector for Slack via Socket Mode.
type Connector struct {
	api       *slack.Client
	socket    *socketmode.Client
	submitter Submitter
	logger    *slog.Logger
	cancel    context.CancelFunc
	botID     string
}

// New creates a new Slack connector.
func New(cfg Config, submitter Submitter, logger *slog.Logger) (*Connector, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("slack: bot_token is required")
	}
	if cfg.AppToken == "" {
		return nil, fmt.Errorf("slack: app_token is required (Socket Mode)")
	}

	if logger == nil {
		logger = slog.Default()
	}

	api := slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))

	authResp, err := api.AuthTest()
	if err != nil {
		return nil, fmt.Errorf("slack: auth test: %w", err)
	}

	logger.Info("slack bot authorized", "user", authResp.User, "team", authResp.Team)

	socket := socketmode.New(api)

	return &Connector{
		api:       api,
		socket:    socket,
		submitter: submitter,
		logger:    logger,
		botID:     authResp.UserID,
	}, nil
}

func (c *Connector) Name() string { return "slack" }

// Start begins listening for events via Socket Mode. Blocks until context is
// cancelled.
func (c *Connector) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	go c.handleEvents(ctx)

	c.logger.Info("slack connector started (socket mode)")
	return c.socket.RunContext(ctx)
}

// Stop gracefully shuts down the connector.
func (c *Connector) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

func (c *Connector) handleEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-c.socket.Events:
			if event.Type != socketmode.EventTypeEventsAPI {
				continue
			}
			apiEvent, ok := event.Data.(slackevents.EventsAPIEvent)
			if !ok {
				continue
			}
			c.socket.Ack(*event.Request)

			switch ev := apiEvent.InnerEvent.Data.(type) {
			case *slackevents.MessageEvent:
				if ev.BotID != "" || ev.User == "" || ev.User == c.botID || ev.SubType != "" {
					continue
				}
				if ev.ChannelType == "im" {
					c.fileTicket(ctx, ev.Channel, ev.User, ev.Text)
				}
			case *slackevents.AppMentionEvent:
				if ev.User == c.botID {
					continue
				}
				c.fileTicket(ctx, ev.Channel, ev.User, stripMention(ev.Text, c.botID))
			}
		}
	}
}

func (c *Connector) fileTicket(ctx context.Context, channel, user, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	category, message := splitCategory(text)

	t, err := c.submitter.Submit(ctx, dispatch.Submission{
		UserID:   slackUserNum(user),
		Username: user,
		Category: category,
		Message:  message,
	})
	if err != nil {
		if rej, ok := dispatch.AsRejection(err); ok && rej.Reason == dispatch.RejectRateLimited {
			c.post(channel, fmt.Sprintf("Too many tickets recently — try again in %s.", rej.RetryAfter.Round(time.Second)))
			return
		}
		c.logger.Error("slack submission failed", "user", user, "error", err)
		c.post(channel, "Something went wrong filing that, please try again shortly.")
		return
	}

	c.post(channel, fmt.Sprintf("Filed as *%s* — the team will take a look.", t.ID))
}

func (c *Connector) post(channel, text string) {
	if _, _, err := c.api.PostMessage(channel, slack.MsgOptionText(text, false)); err != nil {
		c.logger.Warn("slack post failed", "channel", channel, "error", err)
	}
}

// splitCategory peels an optional "bug:", "wish:", "question:" prefix off
// the message.
func splitCategory(text string) (category, message string) {
	lower := strings.ToLower(text)
	for _, cat := range []string{"bug", "wish", "question"} {
		if strings.HasPrefix(lower, cat+":") {
			return cat, strings.TrimSpace(text[len(cat)+1:])
		}
	}
	return "other", text
}

// slackUserNum maps a Slack user id onto the numeric user space the rate
// limiter keys on. Collisions are astronomically unlikely for a workspace.
func slackUserNum(user string) int64 {
	h := fnv.New64a()
	h.Write([]byte(user))
	return int64(h.Sum64() & (1<<62 - 1))
}

// stripMention removes the <@BOTID> mention from message text.
func stripMention(text, botID string) string {
	return strings.TrimSpace(strings.Replace(text, fmt.Sprintf("<@%s>", botID), "", 1))
}
