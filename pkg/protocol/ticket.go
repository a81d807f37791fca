package protocol

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Origin identifies where a feedback submission came from.
type Origin string

const (
	OriginSite   Origin = "site" // website form, relayed over the session
	OriginDirect Origin = "tg"   // direct message to the bot
)

// Valid reports whether o is a known origin.
func (o Origin) Valid() bool {
	return o == OriginSite || o == OriginDirect
}

// TicketStatus represents the lifecycle state of a ticket.
type TicketStatus string

const (
	TicketOpen       TicketStatus = "open"
	TicketInProgress TicketStatus = "in_progress"
	TicketResolved   TicketStatus = "resolved"
	TicketCancelled  TicketStatus = "cancelled"
)

// ValidStatus reports whether s is a known ticket status.
func ValidStatus(s TicketStatus) bool {
	switch s {
	case TicketOpen, TicketInProgress, TicketResolved, TicketCancelled:
		return true
	}
	return false
}

// Terminal reports whether s is an end state. Tickets are never deleted,
// only moved to a terminal status.
func (s TicketStatus) Terminal() bool {
	return s == TicketResolved || s == TicketCancelled
}

// Ticket is one feedback submission tracked by feedgate.
type Ticket struct {
	ID        string       `json:"id"` // "ticket_<origin>_<sequence>"
	Origin    Origin       `json:"origin"`
	Sequence  uint64       `json:"sequence"`
	OwnerID   int64        `json:"owner_id"`
	Username  string       `json:"username,omitempty"`
	Nickname  string       `json:"nickname,omitempty"`
	Category  string       `json:"category"`
	Message   string       `json:"message"`
	Status    TicketStatus `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
}

// TicketID formats the external identifier for a ticket.
func TicketID(origin Origin, seq uint64) string {
	return fmt.Sprintf("ticket_%s_%d", origin, seq)
}

// ParseTicketID splits an external identifier back into origin and sequence.
func ParseTicketID(id string) (Origin, uint64, error) {
	rest, ok := strings.CutPrefix(id, "ticket_")
	if !ok {
		return "", 0, fmt.Errorf("protocol: malformed ticket id %q", id)
	}
	i := strings.LastIndexByte(rest, '_')
	if i < 1 {
		return "", 0, fmt.Errorf("protocol: malformed ticket id %q", id)
	}
	origin := Origin(rest[:i])
	if !origin.Valid() {
		return "", 0, fmt.Errorf("protocol: unknown origin in ticket id %q", id)
	}
	seq, err := strconv.ParseUint(rest[i+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("protocol: malformed ticket id %q: %w", id, err)
	}
	return origin, seq, nil
}
