package telegram

import (
	"fmt"
	"regexp"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/feedgate-io/feedgate/pkg/protocol"
)

var categories = map[string]struct{ icon, name string }{
	"bug":      {"🐛", "Bug report"},
	"wish":     {"💡", "Suggestion"},
	"question": {"❓", "Question"},
	"other":    {"💬", "Other"},
}

func validCategory(cat string) bool {
	_, ok := categories[cat]
	return ok
}

func categoryName(cat string) string {
	if c, ok := categories[cat]; ok {
		return c.name
	}
	return cat
}

func categoryIcon(cat string) string {
	if c, ok := categories[cat]; ok {
		return c.icon
	}
	return "💬"
}

var statuses = map[protocol.TicketStatus]struct{ icon, name string }{
	protocol.TicketOpen:       {"🆕", "Open"},
	protocol.TicketInProgress: {"⚙️", "In progress"},
	protocol.TicketResolved:   {"✅", "Resolved"},
	protocol.TicketCancelled:  {"🔒", "Cancelled"},
}

func statusIcon(s protocol.TicketStatus) string {
	if v, ok := statuses[s]; ok {
		return v.icon
	}
	return "📝"
}

func statusName(s protocol.TicketStatus) string {
	if v, ok := statuses[s]; ok {
		return v.name
	}
	return string(s)
}

// FormatTicket renders the HTML group post for a new ticket. User-supplied
// text is escaped; everything else is our own markup.
func FormatTicket(t *protocol.Ticket) string {
	user := fmt.Sprintf("ID%d", t.OwnerID)
	if t.Username != "" {
		user = "@" + EscapeHTML(t.Username)
	}

	nickname := "not given"
	if t.Nickname != "" {
		nickname = EscapeHTML(t.Nickname)
	}

	source := "🌐 Website"
	if t.Origin == protocol.OriginDirect {
		source = "💬 Bot DM"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🆕 <b>New ticket %s</b>\n\n", t.ID)
	fmt.Fprintf(&b, "👤 <b>From:</b> %s\n", user)
	fmt.Fprintf(&b, "📝 <b>Nickname:</b> %s\n", nickname)
	fmt.Fprintf(&b, "🏷️ <b>Category:</b> %s %s\n", categoryIcon(t.Category), categoryName(t.Category))
	fmt.Fprintf(&b, "<b>Source:</b> %s\n\n", source)
	fmt.Fprintf(&b, "💬 <b>Message:</b>\n%s\n\n", EscapeHTML(t.Message))
	fmt.Fprintf(&b, "📅 <b>Date:</b> %s\n\n", t.CreatedAt.Format("02.01.2006 15:04"))
	fmt.Fprintf(&b, "#%s #%s", t.Category, t.Status)
	return b.String()
}

// EscapeHTML escapes the three characters Telegram's HTML parse mode treats
// as markup.
func EscapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

var statusTag = regexp.MustCompile(`#(open|in_progress|resolved|cancelled)$`)

// RestampStatus rewrites the status hashtag at the end of a group post when
// an operator changes the ticket status.
func RestampStatus(text string, status protocol.TicketStatus) string {
	if statusTag.MatchString(text) {
		return statusTag.ReplaceAllString(text, "#"+string(status))
	}
	return text + "\n#" + string(status)
}

// statusKeyboard is the inline keyboard attached to every group post.
func statusKeyboard(ticketID string) tgbotapi.InlineKeyboardMarkup {
	btn := func(s protocol.TicketStatus) tgbotapi.InlineKeyboardButton {
		label := statusIcon(s) + " " + statusName(s)
		return tgbotapi.NewInlineKeyboardButtonData(label, fmt.Sprintf("status_%s_%s", ticketID, s))
	}
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(btn(protocol.TicketOpen), btn(protocol.TicketInProgress)),
		tgbotapi.NewInlineKeyboardRow(btn(protocol.TicketResolved), btn(protocol.TicketCancelled)),
	)
}

func categoryKeyboard() tgbotapi.InlineKeyboardMarkup {
	btn := func(cat string) tgbotapi.InlineKeyboardButton {
		return tgbotapi.NewInlineKeyboardButtonData(categoryIcon(cat)+" "+categoryName(cat), "cat_"+cat)
	}
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(btn("bug"), btn("wish")),
		tgbotapi.NewInlineKeyboardRow(btn("question"), btn("other")),
	)
}

// parseStatusCallback splits "status_<ticket_id>_<status>". The ticket id
// contains underscores, so the status is matched from the end of the data.
func parseStatusCallback(data string) (ticketID string, status protocol.TicketStatus, ok bool) {
	rest, found := strings.CutPrefix(data, "status_")
	if !found {
		return "", "", false
	}
	for s := range statuses {
		suffix := "_" + string(s)
		if strings.HasSuffix(rest, suffix) {
			return rest[:len(rest)-len(suffix)], s, true
		}
	}
	return "", "", false
}
