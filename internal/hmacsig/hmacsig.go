// Package hmacsig signs and verifies wire envelopes with a pre-shared
// symmetric secret, and owns the replay cache that makes every nonce
// single-use within the envelope TTL.
package hmacsig

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/feedgate-io/feedgate/pkg/protocol"
)

// Skew is the clock-skew allowance for the expiry check: an envelope whose
// issued_at is more than Skew in the future is rejected as expired.
const Skew = 5 * time.Second

// TTL is the envelope time-to-live as a duration.
const TTL = protocol.EnvelopeTTL * time.Second

// Verification rejection reasons, checked in this order.
var (
	ErrBadSignature = errors.New("bad signature")
	ErrExpired      = errors.New("envelope expired")
	ErrReplayed     = errors.New("nonce replayed")
)

// Authenticator signs outgoing envelopes and admits incoming ones. Safe for
// concurrent use; Verify may mutate the replay cache on every call.
type Authenticator struct {
	secret []byte
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	seen  map[string]time.Time // nonce -> eviction deadline
	sweep time.Time            // next lazy purge
}

// New creates an Authenticator with the shared signing secret.
func New(secret string, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		secret: []byte(secret),
		logger: logger,
		now:    time.Now,
		seen:   make(map[string]time.Time),
	}
}

// Sign builds a signed envelope around payload, stamping the current time
// and a fresh nonce.
func (a *Authenticator) Sign(msgType protocol.MessageType, payload any) (*protocol.Envelope, error) {
	raw, err := protocol.EncodePayload(payload)
	if err != nil {
		return nil, err
	}
	ts := a.now().Unix()
	nonce := uuid.NewString()
	sig, err := a.compute(ts, nonce, raw)
	if err != nil {
		return nil, err
	}
	return &protocol.Envelope{
		Type:      msgType,
		Payload:   raw,
		IssuedAt:  ts,
		Nonce:     nonce,
		Signature: sig,
	}, nil
}

// Verify admits or rejects an inbound envelope. Checks run in a fixed order:
// signature (fails closed), expiry, replay. On admission the nonce is
// recorded until it could no longer pass the expiry check on its own.
func (a *Authenticator) Verify(env *protocol.Envelope) error {
	expected, err := a.compute(env.IssuedAt, env.Nonce, env.Payload)
	if err != nil {
		return ErrBadSignature
	}
	if !hmac.Equal([]byte(expected), []byte(env.Signature)) {
		a.logger.Warn("envelope signature mismatch", "type", env.Type)
		return ErrBadSignature
	}

	now := a.now()
	issued := time.Unix(env.IssuedAt, 0)
	if now.Sub(issued) > TTL || issued.Sub(now) > Skew {
		a.logger.Info("envelope expired", "type", env.Type, "age", now.Sub(issued))
		return ErrExpired
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.purgeLocked(now)
	if _, dup := a.seen[env.Nonce]; dup {
		a.logger.Warn("envelope replayed", "type", env.Type, "nonce", env.Nonce)
		return ErrReplayed
	}
	// Keep the nonce until the EXPIRED check alone would reject any copy.
	a.seen[env.Nonce] = issued.Add(TTL + Skew)
	return nil
}

// purgeLocked evicts nonces whose envelopes can no longer pass the expiry
// check. Runs at most once per second so hot paths stay cheap.
func (a *Authenticator) purgeLocked(now time.Time) {
	if now.Before(a.sweep) {
		return
	}
	a.sweep = now.Add(time.Second)
	for nonce, deadline := range a.seen {
		if now.After(deadline) {
			delete(a.seen, nonce)
		}
	}
}

// compute derives the hex HMAC-SHA256 over "{ts}.{nonce}.{canonical payload}".
// The canonical payload is compact JSON with sorted object keys and no HTML
// escaping, matching the site agent's signing base byte for byte.
func (a *Authenticator) compute(ts int64, nonce string, payload json.RawMessage) (string, error) {
	canonical, err := canonicalJSON(payload)
	if err != nil {
		return "", fmt.Errorf("hmacsig: canonicalize payload: %w", err)
	}
	mac := hmac.New(sha256.New, a.secret)
	fmt.Fprintf(mac, "%d.%s.%s", ts, nonce, canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

func canonicalJSON(raw json.RawMessage) ([]byte, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
