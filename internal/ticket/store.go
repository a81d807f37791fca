package ticket

import (
	"errors"

	"github.com/feedgate-io/feedgate/pkg/protocol"
)

// ErrNotFound is wrapped by Get and UpdateStatus when no ticket carries the
// given id. Callers use errors.Is to tell a missing ticket from a storage
// fault.
var ErrNotFound = errors.New("ticket not found")

// Store is the persistence interface for tickets and the per-origin
// sequence counters.
type Store interface {
	// Save creates a ticket, or updates its content fields if it already
	// exists. Status is set only on first insert; transitions go through
	// UpdateStatus, so a late-arriving create never regresses a status.
	Save(t *protocol.Ticket) error
	// Get retrieves a ticket by its external id. Wraps ErrNotFound when
	// the id is unknown.
	Get(id string) (*protocol.Ticket, error)
	// List returns tickets matching the filter, newest first.
	List(filter Filter) ([]*protocol.Ticket, error)
	// UpdateStatus changes a ticket's status. Wraps ErrNotFound when the
	// id is unknown.
	UpdateStatus(id string, status protocol.TicketStatus) error
	// NextSequence durably increments and returns the counter for origin.
	// Two calls never return the same value, even across restarts.
	NextSequence(origin protocol.Origin) (uint64, error)
	// Stats returns the high-water mark per origin.
	Stats() (map[protocol.Origin]uint64, error)
}

// Filter constrains ticket list queries.
type Filter struct {
	Status  *protocol.TicketStatus
	Origin  protocol.Origin // empty = all
	OwnerID int64           // 0 = all
	Limit   int             // 0 = no limit
}
