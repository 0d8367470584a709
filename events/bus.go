// Package events is the in-process room event bus. Publishers fan a value out to every
// live subscription on a topic (a chat space id); subscriptions end when their context
// is canceled, when the caller closes them, or when the bus itself closes.
package events

import (
	"context"
	"errors"
	"iter"
	"sync"
)

var (
	// ErrClosed is the cause of subscriptions ended by Publisher.Close.
	ErrClosed = errors.New("events: bus closed")
	// ErrUnsubscribed is the cause of subscriptions ended by Subscription.Close.
	ErrUnsubscribed = errors.New("events: unsubscribed")
)

// DefaultBufferSize bounds the per-subscription queue when none is configured.
const DefaultBufferSize = 100

// Observer receives bus lifecycle callbacks, typically for metrics. Calls are made while
// the bus lock is held and must not block or call back into the bus.
type Observer interface {
	Subscribed(topic string)
	Unsubscribed(topic string)
	Delivered(topic string)
	Dropped(topic string)
}

type nopObserver struct{}

func (nopObserver) Subscribed(string)   {}
func (nopObserver) Unsubscribed(string) {}
func (nopObserver) Delivered(string)    {}
func (nopObserver) Dropped(string)      {}

// Publisher fans values of type T out to subscribers grouped by topic. The zero value is
// not usable; construct with New.
type Publisher[T any] struct {
	mu          sync.Mutex
	topics      map[string]map[*Subscription[T]]struct{}
	maxBuffered int
	observer    Observer
	closed      bool
}

// Option configures a Publisher.
type Option func(*options)

type options struct {
	buffer   int
	observer Observer
}

// WithBufferSize caps how many undelivered values a slow subscriber may hold. Once the
// cap is reached the oldest queued value is discarded for each new one.
func WithBufferSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.buffer = n
		}
	}
}

// WithObserver installs lifecycle callbacks.
func WithObserver(obs Observer) Option {
	return func(o *options) {
		if obs != nil {
			o.observer = obs
		}
	}
}

// New returns an empty Publisher.
func New[T any](opts ...Option) *Publisher[T] {
	o := options{buffer: DefaultBufferSize, observer: nopObserver{}}
	for _, opt := range opts {
		opt(&o)
	}
	return &Publisher[T]{
		topics:      make(map[string]map[*Subscription[T]]struct{}),
		maxBuffered: o.buffer,
		observer:    o.observer,
	}
}

// Publish delivers v to every subscription currently registered on topic and returns how
// many received it. It never blocks on a slow subscriber. Values published by one
// goroutine reach each subscriber in the order they were published.
func (p *Publisher[T]) Publish(topic string, v T) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0
	}
	subs := p.topics[topic]
	for s := range subs {
		s.push(v)
	}
	return len(subs)
}

// Subscribe registers interest in topic. The subscription is live as soon as Subscribe
// returns, so anything published afterwards is observed. It is torn down when ctx is
// canceled or Close is called. Subscribing to a closed Publisher returns a subscription
// that is already finished.
func (p *Publisher[T]) Subscribe(ctx context.Context, topic string) *Subscription[T] {
	s := &Subscription[T]{
		pub:    p,
		topic:  topic,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	p.mu.Lock()
	if p.closed {
		s.err = ErrClosed
		p.mu.Unlock()
		s.finish()
		return s
	}
	subs, ok := p.topics[topic]
	if !ok {
		subs = make(map[*Subscription[T]]struct{})
		p.topics[topic] = subs
	}
	subs[s] = struct{}{}
	p.observer.Subscribed(topic)
	p.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { s.end(context.Cause(ctx)) })
	p.mu.Lock()
	s.stop = stop
	p.mu.Unlock()
	select {
	case <-s.done:
		stop()
	default:
	}
	return s
}

// Subscribers reports how many live subscriptions exist for topic.
func (p *Publisher[T]) Subscribers(topic string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.topics[topic])
}

// Topics reports how many topics have at least one live subscription.
func (p *Publisher[T]) Topics() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.topics)
}

// Close ends every subscription and rejects later publishes. It is safe to call more
// than once.
func (p *Publisher[T]) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	var all []*Subscription[T]
	for topic, subs := range p.topics {
		for s := range subs {
			if s.err == nil {
				s.err = ErrClosed
			}
			all = append(all, s)
			p.observer.Unsubscribed(topic)
		}
		delete(p.topics, topic)
	}
	p.mu.Unlock()

	for _, s := range all {
		s.finish()
	}
}

func (p *Publisher[T]) remove(s *Subscription[T], cause error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s.err == nil {
		s.err = cause
	}
	subs, ok := p.topics[s.topic]
	if !ok {
		return
	}
	if _, ok := subs[s]; !ok {
		return
	}
	delete(subs, s)
	if len(subs) == 0 {
		delete(p.topics, s.topic)
	}
	p.observer.Unsubscribed(s.topic)
}

// Subscription is one consumer's view of a topic.
type Subscription[T any] struct {
	pub   *Publisher[T]
	topic string

	// guarded by pub.mu
	queue []T
	stop  func() bool
	err   error

	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

// push is called with pub.mu held.
func (s *Subscription[T]) push(v T) {
	if len(s.queue) >= s.pub.maxBuffered {
		var zero T
		s.queue[0] = zero
		s.queue = s.queue[1:]
		s.pub.observer.Dropped(s.topic)
	}
	s.queue = append(s.queue, v)
	s.pub.observer.Delivered(s.topic)
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Topic returns the topic this subscription listens on.
func (s *Subscription[T]) Topic() string { return s.topic }

// Done is closed once the subscription has ended.
func (s *Subscription[T]) Done() <-chan struct{} { return s.done }

// Err reports why the subscription ended: ErrClosed, ErrUnsubscribed, or the cause of
// the subscribing context. It is nil while the subscription is live.
func (s *Subscription[T]) Err() error {
	select {
	case <-s.done:
	default:
		return nil
	}
	s.pub.mu.Lock()
	defer s.pub.mu.Unlock()
	return s.err
}

// Next blocks until a value is available or the subscription ends. Values still queued
// when the subscription ends are discarded; ok is false from then on.
func (s *Subscription[T]) Next() (v T, ok bool) {
	for {
		select {
		case <-s.done:
			return v, false
		default:
		}

		s.pub.mu.Lock()
		if len(s.queue) > 0 {
			v = s.queue[0]
			var zero T
			s.queue[0] = zero
			s.queue = s.queue[1:]
			s.pub.mu.Unlock()
			return v, true
		}
		s.pub.mu.Unlock()

		select {
		case <-s.done:
			return v, false
		case <-s.notify:
		}
	}
}

// Ready is signaled when a value may be available. Pair it with TryNext in select loops
// that also wait on timers.
func (s *Subscription[T]) Ready() <-chan struct{} { return s.notify }

// TryNext returns the next queued value without blocking.
func (s *Subscription[T]) TryNext() (v T, ok bool) {
	select {
	case <-s.done:
		return v, false
	default:
	}
	s.pub.mu.Lock()
	defer s.pub.mu.Unlock()
	if len(s.queue) == 0 {
		return v, false
	}
	v = s.queue[0]
	var zero T
	s.queue[0] = zero
	s.queue = s.queue[1:]
	return v, true
}

// All yields values until the subscription ends. Breaking out of the loop closes the
// subscription.
func (s *Subscription[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		defer s.Close()
		for {
			v, ok := s.Next()
			if !ok || !yield(v) {
				return
			}
		}
	}
}

// Close removes the subscription from its topic. Safe to call more than once and from
// any goroutine.
func (s *Subscription[T]) Close() { s.end(ErrUnsubscribed) }

func (s *Subscription[T]) end(cause error) {
	s.pub.remove(s, cause)
	s.finish()
}

func (s *Subscription[T]) finish() {
	s.once.Do(func() {
		s.pub.mu.Lock()
		stop := s.stop
		s.pub.mu.Unlock()
		if stop != nil {
			stop()
		}
		close(s.done)
	})
}
