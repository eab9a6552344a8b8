package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Topic names published on the bus. Every payload that pertains to a session
// MUST carry its SessionID so scoped subscribers can filter.
const (
	TopicStreamingToken        = "streaming_token"
	TopicLLMRequest            = "llm_request"
	TopicLLMResponse           = "llm_response"
	TopicToolCall              = "tool_call"
	TopicToolResult            = "tool_result"
	TopicAgentResponse         = "agent_response"
	TopicSignalClassified      = "signal_classified"
	TopicNoiseDropped          = "noise_dropped"
	TopicContextPressure       = "context_pressure"
	TopicHookBlocked           = "hook_blocked"
	TopicMaxIterationsExceeded = "max_iterations_exceeded"
	TopicCancelled             = "cancelled"
	TopicSessionStarted        = "session_started"
	TopicSessionEnded          = "session_ended"
	TopicSwarmStarted          = "swarm_started"
	TopicSwarmCompleted        = "swarm_completed"
	TopicSwarmFailed           = "swarm_failed"
	TopicAgentStarted          = "agent_started"
	TopicAgentProgress         = "agent_progress"
	TopicAgentCompleted        = "agent_completed"
	TopicAgentFailed           = "agent_failed"
	TopicWaveStarted           = "wave_started"
	TopicTaskStarted           = "task_started"
	TopicTaskCompleted         = "task_completed"
	TopicSidecarHealth         = "sidecar_health"
	TopicBudgetRecorded        = "budget_recorded"
)

// Event is a published (topic, payload) pair. SessionID is empty for events
// that do not pertain to a session.
type Event struct {
	Topic     string         `json:"topic"`
	SessionID string         `json:"session_id,omitempty"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

// Handler consumes one delivered event. Handlers run on the subscriber's own
// delivery goroutine; a slow handler only delays its own queue.
type Handler func(evt Event)

// Subscription is the handle returned by Subscribe, used to Unsubscribe.
type Subscription struct {
	id        uint64
	topic     string
	sessionID string // non-empty = session-scoped
	queue     chan Event
	dropped   atomic.Uint64
	done      chan struct{}
	closeOnce sync.Once
}

// close stops delivery. Unsubscribe and Close may race for the same
// subscription, so done is only ever closed once.
func (s *Subscription) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Dropped returns the number of events dropped from this subscriber's queue.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Bus is a process-wide topic-indexed publish/subscribe facility.
// Each subscriber owns a bounded queue drained by a dedicated goroutine, so
// per-(topic, subscriber) delivery order matches publish order and a slow
// subscriber never blocks fast ones. Queue overflow drops the oldest event
// and increments the subscriber's drop counter.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]*Subscription // topic → subscribers ("*" = all topics)
	nextID atomic.Uint64
	closed bool

	queueCap int
	logger   *zap.Logger
	wg       sync.WaitGroup
}

// New creates a bus whose subscriber queues hold up to queueCap events.
func New(queueCap int, logger *zap.Logger) *Bus {
	if queueCap <= 0 {
		queueCap = 256
	}
	return &Bus{
		subs:     make(map[string][]*Subscription),
		queueCap: queueCap,
		logger:   logger.With(zap.String("component", "eventbus")),
	}
}

// Publish delivers evt to every matching subscriber. It never blocks and
// never fails from the caller's perspective; delivery is best-effort.
func (b *Bus) Publish(topic string, evt Event) {
	evt.Topic = topic
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	targets := make([]*Subscription, 0, len(b.subs[topic])+len(b.subs["*"]))
	targets = append(targets, b.subs[topic]...)
	targets = append(targets, b.subs["*"]...)
	b.mu.RUnlock()

	for _, sub := range targets {
		if sub.sessionID != "" && sub.sessionID != evt.SessionID {
			continue
		}
		b.enqueue(sub, evt)
	}
}

// enqueue appends to the subscriber queue, evicting the oldest entry when full.
func (b *Bus) enqueue(sub *Subscription, evt Event) {
	for {
		select {
		case sub.queue <- evt:
			return
		default:
		}
		// Queue full — drop oldest and retry. The drain goroutine may race
		// us for the head; either way one slot frees up.
		select {
		case <-sub.queue:
			sub.dropped.Add(1)
			b.logger.Debug("Subscriber queue overflow, dropped oldest",
				zap.String("topic", evt.Topic),
				zap.Uint64("subscriber", sub.id),
			)
		default:
		}
	}
}

// Subscribe registers handler for topic ("*" matches every topic).
// sessionID, when non-empty, scopes delivery to events carrying that
// session id. The returned handle is passed to Unsubscribe.
func (b *Bus) Subscribe(topic, sessionID string, handler Handler) *Subscription {
	sub := &Subscription{
		id:        b.nextID.Add(1),
		topic:     topic,
		sessionID: sessionID,
		queue:     make(chan Event, b.queueCap),
		done:      make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.close()
		return sub
	}
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()

	b.wg.Add(1)
	go b.drain(sub, handler)
	return sub
}

// drain delivers queued events to the handler until the subscription closes.
func (b *Bus) drain(sub *Subscription, handler Handler) {
	defer b.wg.Done()
	for {
		select {
		case <-sub.done:
			return
		case evt := <-sub.queue:
			func() {
				defer func() {
					if r := recover(); r != nil {
						b.logger.Error("Subscriber handler panicked",
							zap.String("topic", evt.Topic),
							zap.Uint64("subscriber", sub.id),
							zap.Any("panic", r),
						)
					}
				}()
				handler(evt)
			}()
		}
	}
}

// Unsubscribe removes the subscription and stops its delivery goroutine.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	list := b.subs[sub.topic]
	for i, s := range list {
		if s.id == sub.id {
			b.subs[sub.topic] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[sub.topic]) == 0 {
		delete(b.subs, sub.topic)
	}
	b.mu.Unlock()

	sub.close()
}

// DropCounts returns total dropped events per topic, for diagnostics.
func (b *Bus) DropCounts() map[string]uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	counts := make(map[string]uint64)
	for topic, list := range b.subs {
		for _, sub := range list {
			counts[topic] += sub.dropped.Load()
		}
	}
	return counts
}

// Close stops all subscriptions. Publish becomes a no-op afterwards.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*Subscription
	for _, list := range b.subs {
		all = append(all, list...)
	}
	b.subs = make(map[string][]*Subscription)
	b.mu.Unlock()

	for _, sub := range all {
		sub.close()
	}
	b.wg.Wait()
	b.logger.Info("Event bus closed")
}
