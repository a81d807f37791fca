package telegram

import (
	"testing"
	"time"
)

func TestFlowTable(t *testing.T) {
	ft := newFlowTable()

	if ft.active(1) {
		t.Error("fresh table should have no flows")
	}

	ft.start(1)
	if !ft.active(1) {
		t.Error("flow should be active after start")
	}
	f := ft.get(1)
	if f == nil || f.step != stepNickname {
		t.Fatalf("new flow should begin at the nickname step, got %+v", f)
	}

	// Conversations are per chat.
	if ft.active(2) {
		t.Error("other chats must not see the flow")
	}

	if !ft.clear(1) {
		t.Error("clear should report an existing flow")
	}
	if ft.active(1) {
		t.Error("flow should be gone after clear")
	}
	if ft.clear(1) {
		t.Error("clearing twice should report nothing to clear")
	}
}

func TestFlowRestartResets(t *testing.T) {
	ft := newFlowTable()
	ft.start(5)
	f := ft.get(5)
	f.step = stepMessage
	f.category = "bug"

	// /feedback mid-conversation starts over.
	ft.start(5)
	f = ft.get(5)
	if f.step != stepNickname || f.category != "" {
		t.Errorf("restart should reset the flow, got %+v", f)
	}
}

func TestFormatWait(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want string
	}{
		{30 * time.Second, "30 seconds"},
		{59 * time.Second, "59 seconds"},
		{time.Minute, "1 minutes"},
		{4*time.Minute + 30*time.Second, "5 minutes"},
		{5 * time.Minute, "5 minutes"},
	}
	for _, c := range cases {
		if got := formatWait(c.d); got != c.want {
			t.Errorf("formatWait(%v) = %q, want %q", c.d, got, c.want)
		}
	}
}
