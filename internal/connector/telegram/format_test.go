package telegram

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/feedgate-io/feedgate/pkg/protocol"
)

func TestFormatTicket(t *testing.T) {
	tk := &protocol.Ticket{
		ID:        "ticket_site_7",
		Origin:    protocol.OriginSite,
		Sequence:  7,
		OwnerID:   123,
		Username:  "alice",
		Nickname:  "Alice",
		Category:  "bug",
		Message:   "the <b>bold</b> text renders wrong",
		Status:    protocol.TicketOpen,
		CreatedAt: time.Date(2025, 3, 14, 15, 9, 0, 0, time.UTC),
	}

	text := FormatTicket(tk)
	for _, want := range []string{
		"ticket_site_7",
		"@alice",
		"Alice",
		"Bug report",
		"Website",
		"the &lt;b&gt;bold&lt;/b&gt; text renders wrong",
		"14.03.2025 15:09",
		"#bug #open",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("post missing %q:\n%s", want, text)
		}
	}
	if strings.Contains(text, "<b>bold</b>") {
		t.Error("user HTML must be escaped")
	}
}

func TestFormatTicketAnonymous(t *testing.T) {
	tk := &protocol.Ticket{
		ID:        "ticket_tg_1",
		Origin:    protocol.OriginDirect,
		OwnerID:   9000,
		Category:  "other",
		Message:   "hi",
		Status:    protocol.TicketOpen,
		CreatedAt: time.Now(),
	}
	text := FormatTicket(tk)
	if !strings.Contains(text, "ID9000") {
		t.Error("user without a username is shown by numeric id")
	}
	if !strings.Contains(text, "not given") {
		t.Error("missing nickname placeholder")
	}
	if !strings.Contains(text, "Bot DM") {
		t.Error("direct origin should show bot source")
	}
}

func TestEscapeHTML(t *testing.T) {
	got := EscapeHTML(`a & b <script>"x"</script>`)
	want := `a &amp; b &lt;script&gt;"x"&lt;/script&gt;`
	if got != want {
		t.Errorf("EscapeHTML = %q, want %q", got, want)
	}
}

func TestRestampStatus(t *testing.T) {
	post := "🆕 <b>New ticket ticket_tg_3</b>\n...\n#bug #open"

	got := RestampStatus(post, protocol.TicketResolved)
	if !strings.HasSuffix(got, "#bug #resolved") {
		t.Errorf("restamp: %q", got)
	}

	// Restamping twice moves between statuses, never stacks tags.
	got = RestampStatus(got, protocol.TicketInProgress)
	if !strings.HasSuffix(got, "#bug #in_progress") {
		t.Errorf("second restamp: %q", got)
	}
	if strings.Count(got, "#resolved") != 0 {
		t.Errorf("old tag left behind: %q", got)
	}

	// Text without a trailing tag gets one appended.
	got = RestampStatus("no tags here", protocol.TicketCancelled)
	if !strings.HasSuffix(got, "#cancelled") {
		t.Errorf("append: %q", got)
	}
}

func TestParseStatusCallback(t *testing.T) {
	cases := []struct {
		data     string
		ticketID string
		status   protocol.TicketStatus
		ok       bool
	}{
		{"status_ticket_tg_5_in_progress", "ticket_tg_5", protocol.TicketInProgress, true},
		{"status_ticket_site_12_resolved", "ticket_site_12", protocol.TicketResolved, true},
		{"status_ticket_tg_1_open", "ticket_tg_1", protocol.TicketOpen, true},
		{"status_ticket_tg_1_cancelled", "ticket_tg_1", protocol.TicketCancelled, true},
		{"cat_bug", "", "", false},
		{"status_ticket_tg_1_closed", "", "", false},
		{"status_", "", "", false},
	}
	for _, c := range cases {
		id, status, ok := parseStatusCallback(c.data)
		if ok != c.ok || id != c.ticketID || status != c.status {
			t.Errorf("parseStatusCallback(%q) = (%q, %q, %v), want (%q, %q, %v)",
				c.data, id, status, ok, c.ticketID, c.status, c.ok)
		}
	}
}

func TestStatusKeyboardCoversAllStatuses(t *testing.T) {
	kb := statusKeyboard("ticket_tg_9")

	var datas []string
	for _, row := range kb.InlineKeyboard {
		for _, btn := range row {
			datas = append(datas, *btn.CallbackData)
		}
	}
	if len(datas) != 4 {
		t.Fatalf("expected 4 buttons, got %d", len(datas))
	}
	for _, data := range datas {
		id, _, ok := parseStatusCallback(data)
		if !ok || id != "ticket_tg_9" {
			t.Errorf("button data %q does not round-trip", data)
		}
	}
}

func TestCategoryKeyboard(t *testing.T) {
	kb := categoryKeyboard()
	seen := make(map[string]bool)
	for _, row := range kb.InlineKeyboard {
		for _, btn := range row {
			cat := strings.TrimPrefix(*btn.CallbackData, "cat_")
			if !validCategory(cat) {
				t.Errorf("button %q carries unknown category", *btn.CallbackData)
			}
			seen[cat] = true
		}
	}
	if len(seen) != len(categories) {
		t.Errorf("keyboard covers %d categories, want %d", len(seen), len(categories))
	}
}

func TestTrimNickname(t *testing.T) {
	if got := trimNickname("  Alice  "); got != "Alice" {
		t.Errorf("trimNickname = %q", got)
	}
	long := strings.Repeat("x", 200)
	if got := trimNickname(long); len(got) != 64 {
		t.Errorf("long nickname trimmed to %d chars, want 64", len(got))
	}
}

func TestTrimNicknameKeepsRunesWhole(t *testing.T) {
	got := trimNickname(strings.Repeat("ж", 100))
	if !utf8.ValidString(got) {
		t.Fatalf("trimmed nickname is not valid UTF-8: %q", got)
	}
	if n := utf8.RuneCountInString(got); n != 64 {
		t.Errorf("trimmed to %d runes, want 64", n)
	}
}
