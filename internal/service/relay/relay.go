// Package relay fans committed call events out to connected participants.
// Delivery is at-most-once: a full queue or a failed delivery drops the
// event, and clients re-fetch call state after reconnecting.
package relay

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callorchestrator-backend/internal/domain"
	"callorchestrator-backend/pkg/logger"
	"callorchestrator-backend/pkg/metrics"
)

// Scope selects who receives an event
type Scope int

const (
	// ScopeRecipients delivers to each addressed participant individually
	ScopeRecipients Scope = iota + 1
	// ScopeRoom broadcasts to everyone joined to the call
	ScopeRoom
)

var routes = map[domain.EventType]Scope{
	domain.EventIncomingCall:      ScopeRecipients,
	domain.EventCallScheduled:     ScopeRecipients,
	domain.EventScheduleUpdated:   ScopeRecipients,
	domain.EventCallCancelled:     ScopeRecipients,
	domain.EventParticipantJoined: ScopeRoom,
	domain.EventParticipantLeft:   ScopeRoom,
	domain.EventCallEnded:         ScopeRoom,
	domain.EventScreenShareToggle: ScopeRoom,
	domain.EventParticipantMuted:  ScopeRoom,
	domain.EventVideoToggle:       ScopeRoom,
	domain.EventRecordingStarted:  ScopeRoom,
	domain.EventRecordingStopped:  ScopeRoom,
	domain.EventConnectionQuality: ScopeRoom,
}

// Route returns the users evt is delivered to. ok is false for event types
// that have no route.
func Route(evt *domain.Event) (recipients []uuid.UUID, ok bool) {
	scope, ok := routes[evt.Type]
	if !ok {
		return nil, false
	}
	if scope == ScopeRecipients {
		return evt.Targets, true
	}
	return evt.Room, true
}

// Deliverer pushes an event to the endpoints of the given users
type Deliverer interface {
	Deliver(ctx context.Context, recipients []uuid.UUID, evt *domain.Event) error
}

// DelivererFunc adapts a function to Deliverer
type DelivererFunc func(ctx context.Context, recipients []uuid.UUID, evt *domain.Event) error

// Deliver calls f
func (f DelivererFunc) Deliver(ctx context.Context, recipients []uuid.UUID, evt *domain.Event) error {
	return f(ctx, recipients, evt)
}

// Relay buffers events between the commit path and delivery
type Relay struct {
	queue     chan *domain.Event
	deliverer Deliverer
	metrics   *metrics.Metrics

	closeOnce sync.Once
	done      chan struct{}
}

// NewRelay creates a relay with a queue of bufferSize events
func NewRelay(deliverer Deliverer, bufferSize int, m *metrics.Metrics) *Relay {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	return &Relay{
		queue:     make(chan *domain.Event, bufferSize),
		deliverer: deliverer,
		metrics:   m,
		done:      make(chan struct{}),
	}
}

// Emit enqueues evt without blocking. Unroutable events and events that do
// not fit in the queue are logged and dropped.
func (r *Relay) Emit(evt *domain.Event) {
	if evt == nil {
		return
	}
	if _, ok := routes[evt.Type]; !ok {
		r.drop(evt, "unknown_type")
		return
	}

	select {
	case <-r.done:
		r.drop(evt, "closed")
		return
	default:
	}

	select {
	case r.queue <- evt:
	default:
		r.drop(evt, "queue_full")
	}
}

// Run delivers queued events until ctx is cancelled, then drains what is
// already queued.
func (r *Relay) Run(ctx context.Context) {
	defer r.closeOnce.Do(func() { close(r.done) })

	for {
		select {
		case evt := <-r.queue:
			r.deliver(ctx, evt)
		case <-ctx.Done():
			r.drain()
			return
		}
	}
}

func (r *Relay) drain() {
	// ctx is already cancelled, give delivery a fresh one
	ctx := context.Background()
	for {
		select {
		case evt := <-r.queue:
			r.deliver(ctx, evt)
		default:
			return
		}
	}
}

func (r *Relay) deliver(ctx context.Context, evt *domain.Event) {
	recipients, _ := Route(evt)
	if len(recipients) == 0 {
		logger.Debug("Event has no recipients",
			zap.String("type", string(evt.Type)),
			zap.String("call_id", evt.CallID.String()))
		return
	}

	if err := r.deliverer.Deliver(ctx, recipients, evt); err != nil {
		logger.Warn("Failed to deliver call event",
			zap.String("type", string(evt.Type)),
			zap.String("call_id", evt.CallID.String()),
			zap.Int("recipients", len(recipients)),
			zap.Error(err))
		r.metrics.RecordEventDropped(string(evt.Type), "delivery_failed")
		return
	}
	r.metrics.RecordEventDelivered(string(evt.Type))
}

func (r *Relay) drop(evt *domain.Event, reason string) {
	logger.Warn("Dropping call event",
		zap.String("type", string(evt.Type)),
		zap.String("call_id", evt.CallID.String()),
		zap.String("reason", reason))
	r.metrics.RecordEventDropped(string(evt.Type), reason)
}
