// Package pubsub fans out quote state transitions inside the wallet.
// The quote watcher publishes events and the quote processor consumes
// them, so neither knows about the other.
package pubsub

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
)

const (
	TopicMintQuotePaid    = "mint_quote_paid"
	TopicMintQuoteExpired = "mint_quote_expired"
	TopicMeltQuoteSettled = "melt_quote_settled"
)

// QuoteEvent is a state transition observed on a quote.
type QuoteEvent struct {
	Mint    string
	QuoteId string
	State   string
}

type subscribers map[string]*Subscriber

type PubSub struct {
	topics map[string]subscribers
	mu     sync.RWMutex
}

func NewPubSub() *PubSub {
	return &PubSub{
		topics: make(map[string]subscribers),
	}
}

func (ps *PubSub) Subscribe(topic string) *Subscriber {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.topics[topic] == nil {
		ps.topics[topic] = make(subscribers)
	}
	s := newSubscriber()
	ps.topics[topic][s.id] = s
	return s
}

func (ps *PubSub) Unsubscribe(s *Subscriber, topic string) {
	ps.mu.Lock()
	delete(ps.topics[topic], s.id)
	ps.mu.Unlock()
	// release any publish goroutine still trying to deliver to this
	// subscriber
	s.Close()
}

func (ps *PubSub) Publish(topic string, event QuoteEvent) {
	ps.mu.RLock()
	topicSubscribers := make([]*Subscriber, 0, len(ps.topics[topic]))
	for _, s := range ps.topics[topic] {
		topicSubscribers = append(topicSubscribers, s)
	}
	ps.mu.RUnlock()

	for _, s := range topicSubscribers {
		go s.signal(event)
	}
}

type Subscriber struct {
	id     string
	events chan QuoteEvent
	done   chan struct{}
	once   sync.Once
}

func newSubscriber() *Subscriber {
	id := make([]byte, 32)
	rand.Read(id)

	return &Subscriber{
		id:     hex.EncodeToString(id),
		events: make(chan QuoteEvent),
		done:   make(chan struct{}),
	}
}

// signal delivers the event unless the subscriber was closed. The done
// channel keeps publish goroutines from blocking forever on a
// subscriber that stopped draining.
func (s *Subscriber) signal(event QuoteEvent) {
	select {
	case s.events <- event:
	case <-s.done:
	}
}

func (s *Subscriber) Events() <-chan QuoteEvent {
	return s.events
}

// Close stops delivery. Events not yet received are dropped. Safe to
// call more than once.
func (s *Subscriber) Close() {
	s.once.Do(func() {
		close(s.done)
	})
}
