package hooks

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/miosa-osa/osa/pkg/safego"
)

// Event is a lifecycle point the pipeline runs at.
type Event string

const (
	EventPreToolUse   Event = "pre_tool_use"
	EventPostToolUse  Event = "post_tool_use"
	EventPreCompact   Event = "pre_compact"
	EventSessionStart Event = "session_start"
	EventSessionEnd   Event = "session_end"
	EventPreResponse  Event = "pre_response"
	EventPostResponse Event = "post_response"
)

// blockable events: only these may halt the chain.
func (e Event) blockable() bool {
	return e == EventPreToolUse || e == EventPreResponse
}

// Payload is the mutable data threaded through a hook chain.
type Payload map[string]any

// Action is a handler's verdict.
type Action int

const (
	ActionOK Action = iota
	ActionBlock
	ActionSkip
)

// Result is what a handler returns.
type Result struct {
	Action  Action
	Payload Payload // replaces the chain payload when Action is ActionOK
	Reason  string  // set when Action is ActionBlock
}

// OK continues the chain with an updated payload.
func OK(p Payload) Result { return Result{Action: ActionOK, Payload: p} }

// Block halts the chain with a reason.
func Block(reason string) Result { return Result{Action: ActionBlock, Reason: reason} }

// Skip continues the chain without touching the payload.
func Skip() Result { return Result{Action: ActionSkip} }

// Handler processes a payload at one lifecycle event.
type Handler func(ctx context.Context, payload Payload) Result

// DefaultPriority is used when a registration does not care about ordering.
const DefaultPriority = 50

// chainTimeout bounds a synchronous chain run.
const chainTimeout = 10 * time.Second

type registration struct {
	name     string
	priority int
	seq      int // insertion order, breaks priority ties
	handler  Handler
}

// EventMetrics aggregates per-event counters.
type EventMetrics struct {
	Calls     int64
	Blocks    int64
	Crashes   int64
	TotalMs   int64
	AverageMs float64
}

// Pipeline is the priority-ordered middleware registry. Registrations are
// rare, runs are hot; a RWMutex over sorted slices is enough.
type Pipeline struct {
	mu      sync.RWMutex
	chains  map[Event][]registration
	metrics map[Event]*EventMetrics
	nextSeq int
	logger  *zap.Logger
}

// NewPipeline creates an empty pipeline.
func NewPipeline(logger *zap.Logger) *Pipeline {
	return &Pipeline{
		chains:  make(map[Event][]registration),
		metrics: make(map[Event]*EventMetrics),
		logger:  logger.With(zap.String("component", "hooks")),
	}
}

// Register adds a handler keyed by (event, name). Re-registering the same
// key replaces the handler in place, keeping its original insertion order.
func (p *Pipeline) Register(event Event, name string, priority int, handler Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()

	chain := p.chains[event]
	for i := range chain {
		if chain[i].name == name {
			chain[i].priority = priority
			chain[i].handler = handler
			p.sortLocked(event)
			return
		}
	}
	p.nextSeq++
	p.chains[event] = append(chain, registration{
		name:     name,
		priority: priority,
		seq:      p.nextSeq,
		handler:  handler,
	})
	p.sortLocked(event)
}

// Unregister removes the (event, name) handler if present.
func (p *Pipeline) Unregister(event Event, name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	chain := p.chains[event]
	for i := range chain {
		if chain[i].name == name {
			p.chains[event] = append(chain[:i], chain[i+1:]...)
			return
		}
	}
}

func (p *Pipeline) sortLocked(event Event) {
	chain := p.chains[event]
	sort.SliceStable(chain, func(i, j int) bool {
		if chain[i].priority != chain[j].priority {
			return chain[i].priority < chain[j].priority
		}
		return chain[i].seq < chain[j].seq
	})
}

// Run executes the event's chain in priority order. The returned payload is
// the last successfully applied one. blocked is true only for blockable
// events when a handler blocked; the chain stops there. A crashing handler
// is caught and the chain continues with the prior payload.
func (p *Pipeline) Run(ctx context.Context, event Event, payload Payload) (out Payload, blocked bool, reason string) {
	p.mu.RLock()
	chain := make([]registration, len(p.chains[event]))
	copy(chain, p.chains[event])
	p.mu.RUnlock()

	if payload == nil {
		payload = Payload{}
	}
	if len(chain) == 0 {
		return payload, false, ""
	}

	ctx, cancel := context.WithTimeout(ctx, chainTimeout)
	defer cancel()

	start := time.Now()
	crashes := int64(0)
	for _, reg := range chain {
		if ctx.Err() != nil {
			p.logger.Warn("Hook chain timed out",
				zap.String("event", string(event)),
				zap.String("stopped_at", reg.name),
			)
			break
		}

		var res Result
		panicked := safego.Recover(func() {
			res = reg.handler(ctx, payload)
		})
		if panicked != nil {
			crashes++
			p.logger.Error("Hook handler crashed, continuing chain",
				zap.String("event", string(event)),
				zap.String("hook", reg.name),
				zap.Any("panic", panicked),
			)
			continue
		}

		switch res.Action {
		case ActionOK:
			if res.Payload != nil {
				payload = res.Payload
			}
		case ActionBlock:
			if event.blockable() {
				p.record(event, start, true, crashes)
				p.logger.Info("Hook blocked chain",
					zap.String("event", string(event)),
					zap.String("hook", reg.name),
					zap.String("reason", res.Reason),
				)
				return payload, true, res.Reason
			}
			p.logger.Warn("Hook attempted to block a non-blockable event, ignoring",
				zap.String("event", string(event)),
				zap.String("hook", reg.name),
			)
		case ActionSkip:
			// payload unchanged
		}
	}

	p.record(event, start, false, crashes)
	return payload, false, ""
}

// RunAsync dispatches the chain fire-and-forget; results are discarded.
// Meant for post_* events.
func (p *Pipeline) RunAsync(event Event, payload Payload) {
	safego.Go(p.logger, "hooks."+string(event), func() {
		p.Run(context.Background(), event, payload)
	})
}

func (p *Pipeline) record(event Event, start time.Time, blocked bool, crashes int64) {
	elapsed := time.Since(start).Milliseconds()
	p.mu.Lock()
	m, ok := p.metrics[event]
	if !ok {
		m = &EventMetrics{}
		p.metrics[event] = m
	}
	m.Calls++
	m.TotalMs += elapsed
	m.Crashes += crashes
	if blocked {
		m.Blocks++
	}
	m.AverageMs = float64(m.TotalMs) / float64(m.Calls)
	p.mu.Unlock()
}

// Metrics returns a copy of the counters for event.
func (p *Pipeline) Metrics(event Event) EventMetrics {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if m, ok := p.metrics[event]; ok {
		return *m
	}
	return EventMetrics{}
}

// Registered returns the hook names for event in execution order.
func (p *Pipeline) Registered(event Event) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, len(p.chains[event]))
	for i, reg := range p.chains[event] {
		names[i] = reg.name
	}
	return names
}
