package events

import (
	"errors"
	"sync"

	"go.uber.org/zap"
)

const ReasonSlowConsumer = "slow_consumer"

var ErrSubscriptionExists = errors.New("subscription id already in use")

// Delivery is one event queued for a subscriber, tagged with the first of its
// subscriptions that matched.
type Delivery struct {
	SubscriptionID string
	Event          Event
}

// Bus routes published events to subscribers of the same application.
// Publish never blocks: a subscriber whose buffer is full is closed with
// ReasonSlowConsumer.
type Bus struct {
	mu     sync.RWMutex
	apps   map[string]map[*Subscriber]struct{}
	buffer int
	log    *zap.Logger
}

func NewBus(buffer int, log *zap.Logger) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{apps: make(map[string]map[*Subscriber]struct{}), buffer: buffer, log: log}
}

// Subscriber is one live connection. Read C until it is closed, then check
// Reason.
type Subscriber struct {
	appID string
	ch    chan Delivery

	mu     sync.Mutex
	topics []subscription
	closed bool
	reason string
}

type subscription struct {
	id    string
	topic Topic
}

func (s *Subscriber) C() <-chan Delivery { return s.ch }

// Reason is empty until the subscriber is closed, and ReasonSlowConsumer if
// it was dropped for falling behind.
func (s *Subscriber) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Add registers a topic under a client-chosen subscription id.
func (s *Subscriber) Add(id string, topic Topic) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.topics {
		if sub.id == id {
			return ErrSubscriptionExists
		}
	}
	s.topics = append(s.topics, subscription{id: id, topic: topic})
	return nil
}

// Remove drops a subscription; it reports whether the id existed.
func (s *Subscriber) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.topics {
		if sub.id == id {
			s.topics = append(s.topics[:i], s.topics[i+1:]...)
			return true
		}
	}
	return false
}

// Subscriptions returns the subscription ids in registration order.
func (s *Subscriber) Subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, len(s.topics))
	for i, sub := range s.topics {
		ids[i] = sub.id
	}
	return ids
}

// offer queues e if any subscription matches. It returns false when the
// subscriber had to be closed.
func (s *Subscriber) offer(e Event) (delivered, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, true
	}
	for _, sub := range s.topics {
		if !sub.topic.Matches(e) {
			continue
		}
		select {
		case s.ch <- Delivery{SubscriptionID: sub.id, Event: e}:
			return true, true
		default:
			s.closeLocked(ReasonSlowConsumer)
			return false, false
		}
	}
	return false, true
}

func (s *Subscriber) closeLocked(reason string) {
	if s.closed {
		return
	}
	s.closed = true
	s.reason = reason
	close(s.ch)
}

// Attach creates a subscriber for appID with no subscriptions.
func (b *Bus) Attach(appID string) *Subscriber {
	sub := &Subscriber{appID: appID, ch: make(chan Delivery, b.buffer)}
	b.mu.Lock()
	subs, ok := b.apps[appID]
	if !ok {
		subs = make(map[*Subscriber]struct{})
		b.apps[appID] = subs
	}
	subs[sub] = struct{}{}
	b.mu.Unlock()
	activeSubscribers.Inc()
	return sub
}

// Detach removes and closes sub. Safe to call more than once.
func (b *Bus) Detach(sub *Subscriber) {
	b.mu.Lock()
	subs := b.apps[sub.appID]
	_, present := subs[sub]
	if present {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.apps, sub.appID)
		}
	}
	b.mu.Unlock()
	if present {
		activeSubscribers.Dec()
	}
	sub.mu.Lock()
	sub.closeLocked("")
	sub.mu.Unlock()
}

// Publish delivers e at most once to every matching subscriber of e.AppID.
func (b *Bus) Publish(e Event) {
	publishedTotal.WithLabelValues(string(e.Type)).Inc()

	var dropped []*Subscriber
	b.mu.RLock()
	for sub := range b.apps[e.AppID] {
		delivered, ok := sub.offer(e)
		if delivered {
			deliveredTotal.Inc()
		}
		if !ok {
			dropped = append(dropped, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range dropped {
		droppedSubscribers.Inc()
		b.log.Warn("dropping slow subscriber",
			zap.String("app_id", sub.appID),
			zap.String("event_type", string(e.Type)),
		)
		b.Detach(sub)
	}
}

// Subscribers reports the number of attached subscribers for appID.
func (b *Bus) Subscribers(appID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.apps[appID])
}
