// Package eventbus implements the broadcast bus connecting the measurement
// engine's components. Control events (phase transitions, stream lifecycle,
// backoff requests) are delivered losslessly to every subscriber;
// high-frequency sample events (latency, throughput) may be dropped for
// slow subscribers, which are expected to use the next sample instead.
package eventbus

import (
	"sync"
	"time"
)

// Topic identifies a kind of event published on the bus.
type Topic string

const (
	// TopicPhase carries model.PhaseEvent payloads.
	TopicPhase = Topic("phase:change")
	// TopicStreamLifecycle carries model.StreamEvent payloads.
	TopicStreamLifecycle = Topic("stream:lifecycle")
	// TopicStreamReset carries model.ResetEvent payloads.
	TopicStreamReset = Topic("stream:reset")
	// TopicThroughputDownload carries model.ThroughputSample payloads for
	// the download direction.
	TopicThroughputDownload = Topic("throughput:download")
	// TopicThroughputUpload carries model.ThroughputSample payloads for the
	// upload direction.
	TopicThroughputUpload = Topic("throughput:upload")
	// TopicLatency carries model.LatencySample payloads.
	TopicLatency = Topic("latency:measurement")
	// TopicDownloadBackoff carries model.BackoffEvent payloads for the
	// download direction.
	TopicDownloadBackoff = Topic("download:force_backoff")
	// TopicUploadBackoff carries model.BackoffEvent payloads for the upload
	// direction.
	TopicUploadBackoff = Topic("upload:force_backoff")
	// TopicUploadMinDuration carries model.MinDurationEvent payloads.
	TopicUploadMinDuration = Topic("upload:set_min_duration")
)

// sampleTopics are the lossy, high-frequency topics.
var sampleTopics = map[Topic]bool{
	TopicThroughputDownload: true,
	TopicThroughputUpload:   true,
	TopicLatency:            true,
}

// subscriptionBuffer is the per-subscription channel capacity. Control
// publishes only block once a subscriber has fallen this many events
// behind.
const subscriptionBuffer = 256

// Event is a single published event.
type Event struct {
	// Topic is the event's topic.
	Topic Topic
	// Time is the publish instant.
	Time time.Time
	// Payload is the topic-specific payload. Subscribers type-switch on it.
	Payload any
}

// Subscription is a registered bus subscriber. Subscribers of control
// topics must keep receiving from C until they Close the subscription:
// control delivery blocks the publisher until the event is accepted or the
// subscription is closed.
type Subscription struct {
	// C delivers the subscribed events.
	C <-chan Event

	ch     chan Event
	topics map[Topic]bool
	bus    *Bus
	id     int

	closed    chan struct{}
	closeOnce sync.Once
}

// Bus is a broadcast bus with multiple publishers and subscribers.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]*Subscription
	nextID int
}

// New returns a new, empty Bus.
func New() *Bus {
	return &Bus{subs: map[int]*Subscription{}}
}

// Subscribe registers a subscriber for the given topics. Subscribing with no
// topics delivers every event.
func (b *Bus) Subscribe(topics ...Topic) *Subscription {
	ch := make(chan Event, subscriptionBuffer)
	sub := &Subscription{
		C:      ch,
		ch:     ch,
		bus:    b,
		closed: make(chan struct{}),
	}
	if len(topics) > 0 {
		sub.topics = make(map[Topic]bool, len(topics))
		for _, t := range topics {
			sub.topics[t] = true
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	sub.id = b.nextID
	b.nextID++
	b.subs[sub.id] = sub
	return sub
}

// Publish delivers an event to every matching subscriber. Sample events
// that do not fit in a subscriber's buffer are silently dropped; control
// events block until the subscriber accepts them or closes its
// subscription.
func (b *Bus) Publish(topic Topic, payload any) {
	ev := Event{
		Topic:   topic,
		Time:    time.Now(),
		Payload: payload,
	}
	// Snapshot the matching subscribers, then deliver without holding the
	// lock: a blocking control send must not prevent other subscribers
	// from closing.
	b.mu.Lock()
	targets := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.topics != nil && !sub.topics[topic] {
			continue
		}
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	lossy := sampleTopics[topic]
	for _, sub := range targets {
		if lossy {
			select {
			case sub.ch <- ev:
			default:
			}
			continue
		}
		select {
		case sub.ch <- ev:
		case <-sub.closed:
		}
	}
}

// Close unregisters the subscription and unblocks any publisher waiting on
// it. Events already queued remain readable from C; no further events are
// delivered.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		s.bus.mu.Unlock()
		close(s.closed)
	})
}
