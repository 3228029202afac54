// Package webhook verifies and applies push notifications from the billing
// platform. Webhooks are the low-latency path; the catch-up sweep over the
// events feed backstops anything this path misses.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/billmirror/billmirror/internal/engine"
)

// ErrSignatureInvalid is returned when the signed header does not verify.
// No state is mutated on this path.
var ErrSignatureInvalid = errors.New("webhook signature verification failed")

// defaultTolerance bounds how old a signed timestamp may be, limiting replay.
const defaultTolerance = 5 * time.Minute

// AppliedResult reports what applying a verified notification did.
type AppliedResult struct {
	EventID   string
	EventType string
	Action    engine.EventAction
}

// Handler verifies inbound notifications and routes them through the
// engine's event dispatch table.
type Handler struct {
	secret    []byte
	engine    *engine.Engine
	tolerance time.Duration
	now       func() time.Time
}

// Option configures the handler.
type Option func(*Handler)

// WithTolerance overrides the signed-timestamp tolerance.
func WithTolerance(d time.Duration) Option {
	return func(h *Handler) {
		h.tolerance = d
	}
}

// WithClock overrides the time source (for testing).
func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		h.now = now
	}
}

// NewHandler creates a webhook handler with the shared signing secret.
func NewHandler(secret string, eng *engine.Engine, opts ...Option) (*Handler, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	if eng == nil {
		return nil, fmt.Errorf("engine is required")
	}
	h := &Handler{
		secret:    []byte(secret),
		engine:    eng,
		tolerance: defaultTolerance,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// VerifyAndRoute checks the signature header against the raw payload and, if
// valid, applies the event. Rejection happens before any state mutation.
func (h *Handler) VerifyAndRoute(ctx context.Context, rawPayload []byte, sigHeader string) (AppliedResult, error) {
	if err := h.verify(rawPayload, sigHeader); err != nil {
		return AppliedResult{}, err
	}

	ev, err := engine.ParseEvent(rawPayload)
	if err != nil {
		return AppliedResult{}, err
	}

	action, err := h.engine.ApplyEvent(ctx, ev)
	if err != nil {
		return AppliedResult{}, fmt.Errorf("failed to apply event %s: %w", ev.ID, err)
	}

	slog.Info("Applied webhook event",
		"event_id", ev.ID,
		"event_type", ev.Type,
		"action", string(action))
	return AppliedResult{EventID: ev.ID, EventType: ev.Type, Action: action}, nil
}

// verify checks a signed header of the form "t=<unix>,v1=<hex hmac>" where
// the MAC covers "<unix>.<payload>". Comparison is constant-time.
func (h *Handler) verify(payload []byte, sigHeader string) error {
	var timestamp string
	var signatures []string
	for _, part := range strings.Split(sigHeader, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			timestamp = value
		case "v1":
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return ErrSignatureInvalid
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrSignatureInvalid
	}
	age := h.now().Sub(time.Unix(ts, 0))
	if age > h.tolerance || age < -h.tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrSignatureInvalid)
	}

	mac := hmac.New(sha256.New, h.secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	expected := mac.Sum(nil)

	for _, sig := range signatures {
		got, err := hex.DecodeString(sig)
		if err != nil {
			continue
		}
		if hmac.Equal(expected, got) {
			return nil
		}
	}
	return ErrSignatureInvalid
}

// Sign computes the signature header for a payload at the given time. Used
// by tests and local tooling to produce valid notifications.
func Sign(secret string, payload []byte, at time.Time) string {
	timestamp := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	return "t=" + timestamp + ",v1=" + hex.EncodeToString(mac.Sum(nil))
}
