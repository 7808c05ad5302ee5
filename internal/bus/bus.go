package bus

import (
	"sync"

	"go.uber.org/zap"

	apperrors "github.com/agentmux/agentmux/internal/common/errors"
	"github.com/agentmux/agentmux/internal/common/logger"
)

// DefaultSubscriberBuffer is the per-subscriber channel capacity used when
// the configured buffer is zero or negative.
const DefaultSubscriberBuffer = 256

// Subscriber is one registered consumer. Events arrive on C in publish
// order; when the consumer falls behind, the oldest buffered events are
// dropped and a single Lagged marker is inserted so the gap is visible.
type Subscriber struct {
	ID string
	C  <-chan *Event

	bus     *Bus
	ch      chan *Event
	mu      sync.Mutex
	closed  bool
	lagged  bool
	dropped int
}

// Close unregisters the subscriber and closes its channel.
func (s *Subscriber) Close() {
	s.bus.Unregister(s.ID)
}

// deliver enqueues ev without ever blocking the publisher. On overflow the
// oldest buffered event is evicted and a Lagged marker takes its place; the
// marker carries the running drop count for the current gap.
func (s *Subscriber) deliver(ev *Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	for {
		select {
		case s.ch <- ev:
			if len(s.ch) < cap(s.ch) {
				// Consumer caught up; the next overflow starts a new gap.
				s.lagged = false
				s.dropped = 0
			}
			return
		default:
		}

		select {
		case old := <-s.ch:
			if old.Kind == Lagged {
				// The marker itself got evicted; re-insert it below so the
				// gap stays visible.
				s.lagged = false
			} else {
				s.dropped++
			}
		default:
			// Lost the race against the consumer; the channel has room now.
			continue
		}

		if !s.lagged {
			s.lagged = true
			marker := NewEvent(Lagged, map[string]interface{}{"dropped": s.dropped})
			marker.Group = ev.Group
			select {
			case s.ch <- marker:
			default:
			}
		}
	}
}

func (s *Subscriber) closeLocked() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// Bus is an in-process, group-scoped event bus. Subscribers join named
// groups and receive every event published to those groups; delivery is
// per-subscriber buffered and never blocks publishers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	groups      map[string]map[string]*Subscriber
	buffer      int
	closed      bool
	logger      *logger.Logger
	mirror      Mirror
}

// Mirror receives a copy of every published event, e.g. for relaying onto
// NATS. Implementations must not block.
type Mirror interface {
	Mirror(group string, event *Event)
}

// New creates a Bus with the given per-subscriber buffer size.
func New(buffer int, log *logger.Logger) *Bus {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &Bus{
		subscribers: make(map[string]*Subscriber),
		groups:      make(map[string]map[string]*Subscriber),
		buffer:      buffer,
		logger:      log,
	}
}

// SetMirror installs a mirror for all subsequently published events.
func (b *Bus) SetMirror(m Mirror) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mirror = m
}

// Register creates a subscriber. Registering an existing ID replaces the old
// subscriber and closes its channel.
func (b *Bus) Register(subscriberID string) (*Subscriber, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, apperrors.InternalError("event bus is closed", nil)
	}
	if old, ok := b.subscribers[subscriberID]; ok {
		b.removeLocked(old)
	}

	ch := make(chan *Event, b.buffer)
	sub := &Subscriber{ID: subscriberID, C: ch, ch: ch, bus: b}
	b.subscribers[subscriberID] = sub

	b.logger.Debug("subscriber registered", zap.String("subscriber_id", subscriberID))
	return sub, nil
}

// Unregister removes the subscriber from all groups and closes its channel.
// Unknown IDs are ignored.
func (b *Bus) Unregister(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subscribers[subscriberID]
	if !ok {
		return
	}
	b.removeLocked(sub)
}

func (b *Bus) removeLocked(sub *Subscriber) {
	delete(b.subscribers, sub.ID)
	for group, members := range b.groups {
		delete(members, sub.ID)
		if len(members) == 0 {
			delete(b.groups, group)
		}
	}
	sub.closeLocked()
}

// JoinGroup adds the subscriber to a group. Joining twice is a no-op.
func (b *Bus) JoinGroup(subscriberID, group string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subscribers[subscriberID]
	if !ok {
		return apperrors.NotFound("subscriber", subscriberID)
	}
	members, ok := b.groups[group]
	if !ok {
		members = make(map[string]*Subscriber)
		b.groups[group] = members
	}
	members[subscriberID] = sub
	return nil
}

// LeaveGroup removes the subscriber from a group. Unknown pairs are ignored.
func (b *Bus) LeaveGroup(subscriberID, group string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	members, ok := b.groups[group]
	if !ok {
		return
	}
	delete(members, subscriberID)
	if len(members) == 0 {
		delete(b.groups, group)
	}
}

// Publish delivers ev to every member of the group. Publishing to a group
// with no members is not an error; the event still reaches the mirror.
func (b *Bus) Publish(group string, ev *Event) {
	ev.Group = group

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	members := b.groups[group]
	targets := make([]*Subscriber, 0, len(members))
	for _, sub := range members {
		targets = append(targets, sub)
	}
	mirror := b.mirror
	b.mu.RUnlock()

	for _, sub := range targets {
		sub.deliver(ev)
	}
	if mirror != nil {
		mirror.Mirror(group, ev)
	}
}

// BroadcastAll delivers ev to every registered subscriber regardless of
// group membership.
func (b *Bus) BroadcastAll(ev *Event) {
	if ev.Group == "" {
		ev.Group = "broadcast"
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	targets := make([]*Subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		targets = append(targets, sub)
	}
	mirror := b.mirror
	b.mu.RUnlock()

	for _, sub := range targets {
		sub.deliver(ev)
	}
	if mirror != nil {
		mirror.Mirror(ev.Group, ev)
	}
}

// GroupSize reports the current member count of a group.
func (b *Bus) GroupSize(group string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.groups[group])
}

// Close shuts the bus down and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subscribers {
		sub.closeLocked()
	}
	b.subscribers = make(map[string]*Subscriber)
	b.groups = make(map[string]map[string]*Subscriber)
	b.logger.Info("event bus closed")
}
