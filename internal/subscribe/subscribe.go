// Package subscribe is the subscription transport: it turns the event
// bus's fire-and-forget publish/subscribe into a per-caller ordered stream
// that a long-lived RPC or SSE handler can drain one event at a time and
// cancel cleanly. Grounded on the same buffered-channel-plus-drop pattern
// the gateway's websocket client uses for its egress queue, adapted from a
// byte-slice send channel to a typed event channel.
package subscribe

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/brendanlong/burrow-runtime/internal/eventbus"
	"github.com/brendanlong/burrow-runtime/internal/logger"
)

// bufferLimit caps the number of undelivered events a single subscription
// will hold. A consumer that falls this far behind is treated the same
// way the websocket client treats a full send buffer: the newest event
// wins and the oldest queued one is dropped, rather than blocking the
// publisher or growing without bound.
const bufferLimit = 256

// Tagged is one event handed to a subscription's consumer, carrying the
// client-visible identifier the caller uses to tell events apart (a
// message id for message topics, a composite id for agent-running).
type Tagged struct {
	ClientID string
	Event    *eventbus.Event
}

// Subscription is a live, ordered, cancellable view onto one bus subject.
// Events published while the consumer is not reading accumulate in an
// internal FIFO buffer; Next blocks only when that buffer is empty.
type Subscription struct {
	tagger func(*eventbus.Event) string
	logger *logger.Logger

	mu     sync.Mutex
	buffer []*eventbus.Event
	wake   chan struct{}

	busSub eventbus.Subscription
	ctx    context.Context
	cancel context.CancelFunc
}

// newSubscription registers a bus handler on subject and starts buffering
// events immediately; the handler never blocks, so it is safe to call from
// within Publish's synchronous dispatch loop.
func newSubscription(bus eventbus.Bus, subject string, tagger func(*eventbus.Event) string, log *logger.Logger) (*Subscription, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Subscription{
		tagger: tagger,
		logger: log,
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}

	busSub, err := bus.Subscribe(subject, func(_ context.Context, event *eventbus.Event) error {
		s.push(event)
		return nil
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe to %s: %w", subject, err)
	}
	s.busSub = busSub
	return s, nil
}

func (s *Subscription) push(event *eventbus.Event) {
	s.mu.Lock()
	if len(s.buffer) >= bufferLimit {
		s.buffer = s.buffer[1:]
		s.logger.Warn("subscription buffer full, dropping oldest event", zap.String("event_type", event.Type))
	}
	s.buffer = append(s.buffer, event)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) pop() (*eventbus.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buffer) == 0 {
		return nil, false
	}
	ev := s.buffer[0]
	s.buffer = s.buffer[1:]
	return ev, true
}

// Next blocks until an event is available, the subscription is cancelled,
// or ctx is cancelled — whichever comes first. It returns ok=false once the
// subscription is done and will never again produce an event.
func (s *Subscription) Next(ctx context.Context) (Tagged, bool) {
	for {
		if ev, ok := s.pop(); ok {
			return Tagged{ClientID: s.tagger(ev), Event: ev}, true
		}

		select {
		case <-s.wake:
			continue
		case <-s.ctx.Done():
			if ev, ok := s.pop(); ok {
				return Tagged{ClientID: s.tagger(ev), Event: ev}, true
			}
			return Tagged{}, false
		case <-ctx.Done():
			return Tagged{}, false
		}
	}
}

// Cancel unregisters the bus handler and unblocks any in-flight Next call.
// It completes synchronously within the calling goroutine's current turn,
// so a handler that calls Cancel on client disconnect never leaves the bus
// subscription dangling past that point.
func (s *Subscription) Cancel() {
	s.cancel()
	if s.busSub != nil {
		if err := s.busSub.Unsubscribe(); err != nil {
			s.logger.Warn("failed to unsubscribe from bus", zap.Error(err))
		}
	}
}

// OnSessionUpdate subscribes to status transitions for one session. The
// client-visible id is the event's own id, since session-update events
// have no natural external key the way messages do.
func OnSessionUpdate(bus eventbus.Bus, sessionID string, log *logger.Logger) (*Subscription, error) {
	return newSubscription(bus, "session:"+sessionID, func(ev *eventbus.Event) string {
		return ev.ID
	}, log)
}

// OnNewMessage subscribes to new and updated transcript entries for one
// session. The client-visible id is the message id so a client can tell a
// partial-message update (emitted with sequence -1) from the message it
// will eventually replace.
func OnNewMessage(bus eventbus.Bus, sessionID string, log *logger.Logger) (*Subscription, error) {
	return newSubscription(bus, "messages:"+sessionID, func(ev *eventbus.Event) string {
		if id, ok := ev.Data["message_id"].(string); ok && id != "" {
			return id
		}
		return ev.ID
	}, log)
}

// OnAgentRunning subscribes to agent-running transitions for one session.
// The client-visible id folds the session id and the running flag into one
// string, so a client that missed a transition can tell, just from the
// id of the last event it saw, whether it is caught up.
func OnAgentRunning(bus eventbus.Bus, sessionID string, log *logger.Logger) (*Subscription, error) {
	return newSubscription(bus, "agent:"+sessionID, func(ev *eventbus.Event) string {
		running, _ := ev.Data["running"].(bool)
		return fmt.Sprintf("%s-%t", sessionID, running)
	}, log)
}
