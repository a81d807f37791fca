package ticket

import (
	"fmt"

	"github.com/feedgate-io/feedgate/pkg/protocol"
)

// Allocator issues unique, monotonically increasing ticket identifiers per
// origin, backed by the store's durable counters. There is deliberately no
// decrement or reset operation: a number handed out is never reused, even
// across process restarts.
type Allocator struct {
	store Store
}

// NewAllocator creates an Allocator over store.
func NewAllocator(store Store) *Allocator {
	return &Allocator{store: store}
}

// Next allocates the next identifier for origin. An error here means the
// durable counter write failed; the caller must surface it rather than
// retry silently, so a number is never skipped or duplicated.
func (a *Allocator) Next(origin protocol.Origin) (string, uint64, error) {
	if !origin.Valid() {
		return "", 0, fmt.Errorf("allocator: unknown origin %q", origin)
	}
	seq, err := a.store.NextSequence(origin)
	if err != nil {
		return "", 0, fmt.Errorf("allocator: %w", err)
	}
	return protocol.TicketID(origin, seq), seq, nil
}
