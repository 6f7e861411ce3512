// Package webhook receives GitHub webhook deliveries and forwards them to
// the state synchronizer as webhook_received events.
package webhook

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/moose0621/codeql-dashboard/internal/clock"
	"github.com/moose0621/codeql-dashboard/internal/core"
	"github.com/moose0621/codeql-dashboard/internal/metrics"
)

const (
	// MaxBodySize caps a delivery. GitHub documents ~25MB for large
	// push payloads.
	MaxBodySize = 32 << 20

	// DeduplicationWindow is how long delivery ids are remembered.
	DeduplicationWindow = time.Hour

	HeaderEvent     = "X-GitHub-Event"
	HeaderDelivery  = "X-GitHub-Delivery"
	HeaderSignature = "X-Hub-Signature-256"
)

// ErrMissingSignature is returned by verifiers when the delivery carries
// no signature header.
var ErrMissingSignature = errors.New("webhook: missing signature")

// SignatureVerifier checks a delivery body against its signature header.
type SignatureVerifier interface {
	Verify(body []byte, signature string) error
}

// VerifierFunc adapts a function to SignatureVerifier.
type VerifierFunc func(body []byte, signature string) error

func (f VerifierFunc) Verify(body []byte, signature string) error { return f(body, signature) }

// TrustUpstream accepts any delivery that carries a signature header.
// Use it when signatures are verified by a proxy in front of the
// dashboard.
var TrustUpstream SignatureVerifier = VerifierFunc(func(_ []byte, signature string) error {
	if strings.TrimSpace(signature) == "" {
		return ErrMissingSignature
	}
	return nil
})

// AcceptAll accepts every delivery, signed or not.
var AcceptAll SignatureVerifier = VerifierFunc(func([]byte, string) error { return nil })

// Sink consumes decoded deliveries.
type Sink interface {
	ProcessRealTimeEvent(core.DomainEvent)
}

// Option configures a Handler.
type Option func(*Handler)

// WithClock overrides the clock used for event timestamps and replay
// tracking.
func WithClock(c clock.Clock) Option {
	return func(h *Handler) {
		if c != nil {
			h.clock = c
		}
	}
}

// WithLogger sets the handler logger.
func WithLogger(logger *zap.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// Handler is an http.Handler for GitHub webhook deliveries.
type Handler struct {
	verifier SignatureVerifier
	sink     Sink
	clock    clock.Clock
	logger   *zap.Logger

	mu         sync.Mutex
	deliveries map[string]time.Time
}

// NewHandler returns a handler forwarding verified deliveries to sink.
func NewHandler(verifier SignatureVerifier, sink Sink, opts ...Option) (*Handler, error) {
	if verifier == nil {
		return nil, errors.New("webhook: signature verifier is required")
	}
	if sink == nil {
		return nil, errors.New("webhook: sink is required")
	}
	h := &Handler{
		verifier:   verifier,
		sink:       sink,
		clock:      clock.Real(),
		logger:     zap.NewNop(),
		deliveries: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "", http.StatusMethodNotAllowed)
		return
	}

	eventType := r.Header.Get(HeaderEvent)
	deliveryID := r.Header.Get(HeaderDelivery)

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodySize+1))
	if err != nil {
		h.logger.Error("failed to read webhook body", zap.Error(err))
		h.reject(w, eventType, "read_error", http.StatusInternalServerError)
		return
	}
	if len(body) > MaxBodySize {
		h.reject(w, eventType, "too_large", http.StatusRequestEntityTooLarge)
		return
	}
	if len(body) == 0 {
		h.reject(w, eventType, "empty", http.StatusBadRequest)
		return
	}

	if err := h.verifier.Verify(body, r.Header.Get(HeaderSignature)); err != nil {
		h.logger.Warn("webhook signature rejected",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr))
		h.reject(w, eventType, "unauthorized", http.StatusUnauthorized)
		return
	}

	if eventType == "" {
		h.logger.Warn("webhook missing event header")
		h.reject(w, eventType, "missing_event", http.StatusBadRequest)
		return
	}

	if deliveryID != "" && h.isDuplicate(deliveryID) {
		h.logger.Debug("duplicate webhook delivery",
			zap.String("delivery_id", deliveryID),
			zap.String("event", eventType))
		metrics.RecordWebhookDelivery(eventType, "duplicate")
		w.WriteHeader(http.StatusOK)
		return
	}

	hook, err := core.DecodeWebhook(eventType, deliveryID, body)
	if err != nil {
		// Acknowledge anyway; a redelivery carries the same body.
		h.logger.Error("webhook decode failed",
			zap.String("event", eventType),
			zap.String("delivery_id", deliveryID),
			zap.Error(err))
		metrics.RecordWebhookDelivery(eventType, "invalid")
		w.WriteHeader(http.StatusOK)
		return
	}

	event := core.NewEvent(hook, core.SourceWebhook, h.clock.Now())
	h.sink.ProcessRealTimeEvent(event)

	h.logger.Info("webhook received",
		zap.String("event", eventType),
		zap.String("delivery_id", deliveryID),
		zap.String("event_id", event.ID))
	metrics.RecordWebhookDelivery(eventType, "accepted")
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) reject(w http.ResponseWriter, eventType, outcome string, status int) {
	if eventType == "" {
		eventType = "unknown"
	}
	metrics.RecordWebhookDelivery(eventType, outcome)
	http.Error(w, "", status)
}

// isDuplicate records deliveryID and reports whether it was already seen
// inside the deduplication window.
func (h *Handler) isDuplicate(deliveryID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.clock.Now()
	for id, seen := range h.deliveries {
		if now.Sub(seen) > DeduplicationWindow {
			delete(h.deliveries, id)
		}
	}
	if _, ok := h.deliveries[deliveryID]; ok {
		return true
	}
	h.deliveries[deliveryID] = now
	return false
}
