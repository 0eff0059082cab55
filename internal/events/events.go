// Package events implements the internal event bus: a typed, non-blocking publish/subscribe fan-out used to decouple
// producers (API handlers, the directory sync reconciler, the peer-stats detector) from consumers (audit logging,
// mail delivery, the Gateway RPC hub) without forcing every consumer onto the Valkey pub/sub path.
package events

import (
	"sync"

	"github.com/google/uuid"
)

// Kind identifies which family an Event belongs to, so a Bus subscriber can filter without type-asserting Payload.
type Kind int

const (
	KindGateway Kind = iota
	KindApp
	KindAPI
	KindBidiStream
	KindMail
)

// Event is the envelope carried on the bus. Payload's concrete type is determined by Kind.
type Event struct {
	Kind    Kind
	Payload any
}

// GatewayEvent reports a Gateway liveness transition, independent of the gatewayrpc.Update stream.
type GatewayEvent struct {
	LocationID uuid.UUID
	Connected  bool
}

// AppEvent reports an application-level occurrence worth auditing (user created, device authorized, ACL rule
// applied, and similar).
type AppEvent struct {
	Name    string
	Actor   uuid.UUID
	Details map[string]string
}

// APIEvent reports an inbound API call outcome, for request auditing independent of access logs.
type APIEvent struct {
	Method string
	Path   string
	Status int
}

// BidiStreamEvent reports a state change on a long-lived bidirectional stream (Gateway RPC, Client-MFA remote
// await) that other subscribers may want to react to without holding a reference to the stream itself.
type BidiStreamEvent struct {
	StreamID string
	Closed   bool
}

// Mail is a transactional email to be sent asynchronously by the mail worker, decoupling request handling from
// SMTP latency.
type Mail struct {
	To      string
	Subject string
	Body    string
}

const defaultReceiverCapacity = 16

// receiver is one subscriber's bounded mailbox.
type receiver struct {
	ch     chan Event
	kinds  map[Kind]struct{} // nil means "all kinds"
	closed bool
}

// Bus is the process-wide event distributor. The zero value is not usable; construct with NewBus.
type Bus struct {
	mu        sync.RWMutex
	receivers map[int]*receiver
	nextID    int
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{receivers: make(map[int]*receiver)}
}

// Subscription is a handle returned by Subscribe; call Unsubscribe when the consumer is done.
type Subscription struct {
	bus *Bus
	id  int
	ch  <-chan Event
}

// C returns the channel to range over for delivered events.
func (s *Subscription) C() <-chan Event { return s.ch }

// Unsubscribe removes the subscription and closes its channel. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	r, ok := s.bus.receivers[s.id]
	if !ok {
		return
	}
	delete(s.bus.receivers, s.id)
	if !r.closed {
		r.closed = true
		close(r.ch)
	}
}

// Subscribe registers a new receiver. kinds restricts delivery to the given Kinds; pass no kinds to receive
// everything (a broadcast receiver, e.g. the audit logger).
func (b *Bus) Subscribe(kinds ...Kind) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	var filter map[Kind]struct{}
	if len(kinds) > 0 {
		filter = make(map[Kind]struct{}, len(kinds))
		for _, k := range kinds {
			filter[k] = struct{}{}
		}
	}

	id := b.nextID
	b.nextID++
	ch := make(chan Event, defaultReceiverCapacity)
	b.receivers[id] = &receiver{ch: ch, kinds: filter}

	return &Subscription{bus: b, id: id, ch: ch}
}

// Publish delivers ev to every matching subscriber without blocking. A subscriber whose mailbox is full (a laggard)
// has its subscription torn down and its channel closed rather than let Publish block on a slow consumer; that
// subscriber must Subscribe again to resume receiving.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	var laggards []int
	for id, r := range b.receivers {
		if r.kinds != nil {
			if _, ok := r.kinds[ev.Kind]; !ok {
				continue
			}
		}
		select {
		case r.ch <- ev:
		default:
			laggards = append(laggards, id)
		}
	}
	b.mu.RUnlock()

	if len(laggards) == 0 {
		return
	}
	b.mu.Lock()
	for _, id := range laggards {
		if r, ok := b.receivers[id]; ok && !r.closed {
			r.closed = true
			close(r.ch)
			delete(b.receivers, id)
		}
	}
	b.mu.Unlock()
}
