// Package digest posts a periodic ticket summary to the operations group.
package digest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/feedgate-io/feedgate/internal/ticket"
	"github.com/feedgate-io/feedgate/pkg/protocol"
)

// Sender is the minimal surface for posting free-form text to the group.
// The Telegram connector provides it.
type Sender func(ctx context.Context, text string) error

// Digest schedules a cron job that summarizes ticket counts.
type Digest struct {
	cron   *cron.Cron
	store  ticket.Store
	send   Sender
	logger *slog.Logger
}

// New creates a Digest. schedule is a standard cron expression (5 fields)
// or a predefined one like "@daily".
func New(schedule string, store ticket.Store, send Sender, logger *slog.Logger) (*Digest, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Digest{
		cron:   cron.New(),
		store:  store,
		send:   send,
		logger: logger,
	}
	if _, err := d.cron.AddFunc(schedule, d.run); err != nil {
		return nil, fmt.Errorf("digest: invalid schedule %q: %w", schedule, err)
	}
	return d, nil
}

// Start begins the cron scheduler. Blocks until context is cancelled.
func (d *Digest) Start(ctx context.Context) error {
	d.cron.Start()
	d.logger.Info("digest scheduler started")

	<-ctx.Done()
	d.cron.Stop()
	d.logger.Info("digest scheduler stopped")
	return ctx.Err()
}

func (d *Digest) run() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	text, err := d.Render()
	if err != nil {
		d.logger.Error("digest failed", "error", err)
		return
	}
	if err := d.send(ctx, text); err != nil {
		d.logger.Error("digest post failed", "error", err)
	}
}

// Render builds the digest text from the store's counters and open tickets.
func (d *Digest) Render() (string, error) {
	stats, err := d.store.Stats()
	if err != nil {
		return "", err
	}
	open := protocol.TicketOpen
	openTickets, err := d.store.List(ticket.Filter{Status: &open})
	if err != nil {
		return "", err
	}

	site := stats[protocol.OriginSite]
	direct := stats[protocol.OriginDirect]
	return fmt.Sprintf(
		"📊 <b>Ticket digest</b>\n\nTotal filed: %d (site %d, bot %d)\nCurrently open: %d",
		site+direct, site, direct, len(openTickets)), nil
}
