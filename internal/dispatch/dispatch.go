// Package dispatch holds feedgate's business logic: it admits feedback
// submissions through the rate limiter and allocator, relays them over the
// session, and routes verified inbound envelopes to ticket state and the
// chat front end.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/feedgate-io/feedgate/internal/ratelimit"
	"github.com/feedgate-io/feedgate/internal/session"
	"github.com/feedgate-io/feedgate/internal/ticket"
	"github.com/feedgate-io/feedgate/pkg/protocol"
)

// RejectReason classifies why a submission was refused.
type RejectReason string

const (
	RejectRateLimited           RejectReason = "rate_limited"
	RejectAllocationFailed      RejectReason = "allocation_failed"
	RejectConnectionUnavailable RejectReason = "connection_unavailable"
)

// Rejection is a user-visible refusal of a submission. Rate limiting is not
// an error in the operational sense; it carries the wait until a slot frees.
type Rejection struct {
	Reason     RejectReason
	RetryAfter time.Duration
	Err        error
}

func (r *Rejection) Error() string {
	if r.Err != nil {
		return fmt.Sprintf("%s: %v", r.Reason, r.Err)
	}
	return string(r.Reason)
}

func (r *Rejection) Unwrap() error { return r.Err }

// AsRejection extracts a *Rejection from err, if it is one.
func AsRejection(err error) (*Rejection, bool) {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

// Session is the outbound transmission surface the dispatcher needs.
type Session interface {
	Send(msgType protocol.MessageType, payload any) error
	Ready() bool
}

// Notifier is the chat front end: it displays new tickets and status
// changes to the operations group.
type Notifier interface {
	NotifyTicket(ctx context.Context, t *protocol.Ticket) error
	NotifyStatus(ctx context.Context, ticketID string, status protocol.TicketStatus) error
}

// Submission is one feedback request entering the dispatcher.
type Submission struct {
	UserID    int64
	Username  string
	FirstName string
	Nickname  string
	Category  string
	Message   string
}

const queueCap = 64

type queued struct {
	msgType protocol.MessageType
	payload any
}

// Dispatcher is safe for concurrent use by the session loop and the chat
// front end.
type Dispatcher struct {
	limiter   *ratelimit.Limiter
	allocator *ticket.Allocator
	store     ticket.Store
	sess      Session
	notifier  Notifier
	logger    *slog.Logger
	now       func() time.Time

	mu    sync.Mutex
	queue []queued // outbound envelopes parked while the session is down
}

// New creates a Dispatcher. notifier may be set later via SetNotifier (the
// front end and dispatcher reference each other).
func New(limiter *ratelimit.Limiter, allocator *ticket.Allocator, store ticket.Store, sess Session, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		limiter:   limiter,
		allocator: allocator,
		store:     store,
		sess:      sess,
		logger:    logger,
		now:       time.Now,
	}
}

// SetNotifier wires the chat front end.
func (d *Dispatcher) SetNotifier(n Notifier) { d.notifier = n }

// Peek reports whether a submission from userID would currently be admitted,
// without consuming a rate-limit slot. Front ends use it before walking a
// user through the whole feedback flow.
func (d *Dispatcher) Peek(userID int64) (bool, time.Duration) {
	return d.limiter.Peek(userID, d.now())
}

// Submit admits a direct feedback submission: rate limit, allocate, persist,
// notify the group, and relay to the site. Returns the created ticket or a
// *Rejection.
func (d *Dispatcher) Submit(ctx context.Context, sub Submission) (*protocol.Ticket, error) {
	now := d.now()

	ok, retryAfter := d.limiter.Admit(sub.UserID, now)
	if !ok {
		return nil, &Rejection{Reason: RejectRateLimited, RetryAfter: retryAfter}
	}

	id, seq, err := d.allocator.Next(protocol.OriginDirect)
	if err != nil {
		// Durable counter write failed. Fatal to this request, surfaced as
		// retryable; never skipped or papered over with a made-up number.
		d.logger.Error("ticket allocation failed", "user", sub.UserID, "error", err)
		return nil, &Rejection{Reason: RejectAllocationFailed, Err: err}
	}

	t := &protocol.Ticket{
		ID:        id,
		Origin:    protocol.OriginDirect,
		Sequence:  seq,
		OwnerID:   sub.UserID,
		Username:  sub.Username,
		Nickname:  sub.Nickname,
		Category:  sub.Category,
		Message:   sub.Message,
		Status:    protocol.TicketOpen,
		CreatedAt: now,
	}

	payload := protocol.TicketCreatePayload{
		ID:        t.ID,
		UserID:    sub.UserID,
		Username:  sub.Username,
		FirstName: sub.FirstName,
		Nickname:  sub.Nickname,
		Category:  sub.Category,
		Message:   sub.Message,
		CreatedAt: now.Format(time.RFC3339),
		Source:    "telegram_bot",
	}
	// Persist before relaying. The site must never hold a create for a
	// ticket that does not exist locally.
	if err := d.store.Save(t); err != nil {
		return nil, &Rejection{Reason: RejectAllocationFailed, Err: err}
	}

	if err := d.transmit(protocol.MsgTicketCreate, payload); err != nil {
		return nil, err
	}

	if d.notifier != nil {
		if err := d.notifier.NotifyTicket(ctx, t); err != nil {
			d.logger.Error("group notification failed", "ticket", t.ID, "error", err)
		}
	}

	d.logger.Info("ticket created", "ticket", t.ID, "origin", t.Origin, "user", sub.UserID)
	return t, nil
}

// UpdateStatus applies an operator action (status keyboard tap): persist the
// transition and relay it to the site.
func (d *Dispatcher) UpdateStatus(ctx context.Context, ticketID string, status protocol.TicketStatus) error {
	if !protocol.ValidStatus(status) {
		return fmt.Errorf("dispatch: unknown status %q", status)
	}
	if err := d.store.UpdateStatus(ticketID, status); err != nil {
		return err
	}
	payload := protocol.StatusUpdatePayload{TicketID: ticketID, Status: string(status)}
	if err := d.transmit(protocol.MsgStatusUpdate, payload); err != nil {
		d.logger.Warn("status relay deferred", "ticket", ticketID, "error", err)
	}
	return nil
}

// OnInbound routes one admitted envelope from the session. The message set
// is closed: every known type is handled here and anything else is rejected,
// never silently passed.
func (d *Dispatcher) OnInbound(env *protocol.Envelope) {
	ctx := context.Background()

	switch env.Type {
	case protocol.MsgTicketCreate:
		d.handleSiteCreate(ctx, env)
	case protocol.MsgStatusUpdate:
		d.handleStatusUpdate(ctx, env)
	case protocol.MsgAck:
		var ack protocol.AckPayload
		if err := env.DecodePayload(&ack); err != nil {
			d.logger.Warn("undecodable ack dropped", "error", err)
			return
		}
		if !ack.OK {
			d.logger.Error("site rejected relayed message", "id", ack.ID, "error", ack.Error)
			return
		}
		d.logger.Debug("site acknowledged", "id", ack.ID, "ticket", ack.TicketID)
	case protocol.MsgHeartbeat:
		// Consumed by the session; tolerate it arriving here anyway.
	default:
		d.logger.Warn("unknown message type rejected", "type", env.Type)
	}
}

// handleSiteCreate turns a site-originated submission into a ticket and
// answers with a signed ack either way.
func (d *Dispatcher) handleSiteCreate(ctx context.Context, env *protocol.Envelope) {
	var p protocol.TicketCreatePayload
	if err := env.DecodePayload(&p); err != nil {
		d.logger.Warn("undecodable ticket_create dropped", "error", err)
		return
	}

	t, err := d.createSiteTicket(ctx, p)
	if err != nil {
		d.logger.Error("site ticket failed", "correlation", p.ID, "error", err)
		d.transmit(protocol.MsgAck, protocol.AckPayload{ID: p.ID, OK: false, Error: err.Error()})
		return
	}

	d.transmit(protocol.MsgAck, protocol.AckPayload{ID: p.ID, OK: true, TicketID: t.ID})
	d.logger.Info("ticket created", "ticket", t.ID, "origin", t.Origin, "correlation", p.ID)
}

func (d *Dispatcher) createSiteTicket(ctx context.Context, p protocol.TicketCreatePayload) (*protocol.Ticket, error) {
	id, seq, err := d.allocator.Next(protocol.OriginSite)
	if err != nil {
		return nil, err
	}

	createdAt := d.now()
	if p.CreatedAt != "" {
		if ts, err := time.Parse(time.RFC3339, p.CreatedAt); err == nil {
			createdAt = ts
		}
	}

	t := &protocol.Ticket{
		ID:        id,
		Origin:    protocol.OriginSite,
		Sequence:  seq,
		OwnerID:   p.UserID,
		Username:  p.Username,
		Nickname:  p.Nickname,
		Category:  p.Category,
		Message:   p.Message,
		Status:    protocol.TicketOpen,
		CreatedAt: createdAt,
	}
	if err := d.store.Save(t); err != nil {
		return nil, err
	}

	if d.notifier != nil {
		if err := d.notifier.NotifyTicket(ctx, t); err != nil {
			// The ticket exists and is acked; delivery to the group is
			// retried by operators reading /api/tickets, not by us.
			d.logger.Error("group notification failed", "ticket", t.ID, "error", err)
		}
	}
	return t, nil
}

// handleStatusUpdate applies a site-side status change. A status update may
// race ahead of the create ack for the same ticket; in that case a stub
// ticket is recorded so the transition is not lost and the eventual create
// upserts the remaining fields.
func (d *Dispatcher) handleStatusUpdate(ctx context.Context, env *protocol.Envelope) {
	var p protocol.StatusUpdatePayload
	if err := env.DecodePayload(&p); err != nil {
		d.logger.Warn("undecodable status_update dropped", "error", err)
		return
	}
	status := protocol.TicketStatus(p.Status)
	if !protocol.ValidStatus(status) {
		d.logger.Warn("status_update with unknown status rejected", "ticket", p.TicketID, "status", p.Status)
		return
	}

	switch err := d.store.UpdateStatus(p.TicketID, status); {
	case err == nil:
	case errors.Is(err, ticket.ErrNotFound):
		origin, seq, perr := protocol.ParseTicketID(p.TicketID)
		if perr != nil {
			d.logger.Warn("status_update for malformed ticket id dropped", "ticket", p.TicketID)
			return
		}
		stub := &protocol.Ticket{
			ID:        p.TicketID,
			Origin:    origin,
			Sequence:  seq,
			Status:    status,
			CreatedAt: d.now(),
		}
		if err := d.store.Save(stub); err != nil {
			d.logger.Error("status_update stub save failed", "ticket", p.TicketID, "error", err)
			return
		}
	default:
		// Storage fault on a ticket that may well exist. Stubbing here
		// would blank its content fields through the upsert.
		d.logger.Error("status update failed", "ticket", p.TicketID, "error", err)
		return
	}

	if d.notifier != nil {
		if err := d.notifier.NotifyStatus(ctx, p.TicketID, status); err != nil {
			d.logger.Warn("status notification failed", "ticket", p.TicketID, "error", err)
		}
	}
	d.logger.Info("ticket status updated", "ticket", p.TicketID, "status", status)
}

// transmit sends now if the session is ready, otherwise parks the message in
// a bounded queue flushed on reconnect. A full queue rejects.
func (d *Dispatcher) transmit(msgType protocol.MessageType, payload any) error {
	if err := d.sess.Send(msgType, payload); err == nil {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) >= queueCap {
		return &Rejection{Reason: RejectConnectionUnavailable, Err: session.ErrNotReady}
	}
	d.queue = append(d.queue, queued{msgType: msgType, payload: payload})
	d.logger.Debug("envelope queued", "type", msgType, "depth", len(d.queue))
	return nil
}

// FlushQueue retransmits parked messages. Wire it to the session's OnReady
// hook. Messages are re-signed at send time, so their timestamps and nonces
// are fresh.
func (d *Dispatcher) FlushQueue() {
	d.mu.Lock()
	pending := d.queue
	d.queue = nil
	d.mu.Unlock()

	for i, q := range pending {
		if err := d.sess.Send(q.msgType, q.payload); err != nil {
			// Connection dropped mid-flush: park the remainder again.
			d.mu.Lock()
			d.queue = append(pending[i:], d.queue...)
			d.mu.Unlock()
			return
		}
	}
	if len(pending) > 0 {
		d.logger.Info("queued envelopes flushed", "count", len(pending))
	}
}

// QueueDepth reports how many envelopes are parked.
func (d *Dispatcher) QueueDepth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}
