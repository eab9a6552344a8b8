package sidecar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/miosa-osa/osa/internal/infrastructure/eventbus"
	apperrors "github.com/miosa-osa/osa/pkg/errors"
	"github.com/miosa-osa/osa/pkg/safego"
)

const (
	defaultPollInterval    = 30 * time.Second
	defaultDispatchTimeout = 10 * time.Second
)

// Publisher is the bus surface the manager needs for health telemetry.
type Publisher interface {
	Publish(topic string, evt eventbus.Event)
}

type entry struct {
	sidecar       Sidecar
	health        Health
	breaker       *Breaker
	lastHeartbeat time.Time
}

// Manager owns the sidecar registry: it tracks health via a 30s poller,
// routes capability dispatch to the healthiest provider, and trips a
// per-sidecar circuit breaker on failures.
type Manager struct {
	mu              sync.RWMutex
	entries         map[string]*entry
	pollInterval    time.Duration
	dispatchTimeout time.Duration
	bus             Publisher
	logger          *zap.Logger
	stop            chan struct{}
	stopOnce        sync.Once
}

// NewManager creates a manager. bus may be nil; health telemetry is then
// skipped.
func NewManager(bus Publisher, logger *zap.Logger) *Manager {
	return &Manager{
		entries:         make(map[string]*entry),
		pollInterval:    defaultPollInterval,
		dispatchTimeout: defaultDispatchTimeout,
		bus:             bus,
		logger:          logger.With(zap.String("component", "sidecar-manager")),
		stop:            make(chan struct{}),
	}
}

// SetPollInterval overrides the health poll interval.
func (m *Manager) SetPollInterval(d time.Duration) {
	if d > 0 {
		m.mu.Lock()
		m.pollInterval = d
		m.mu.Unlock()
	}
}

// SetDispatchTimeout overrides the per-dispatch timeout.
func (m *Manager) SetDispatchTimeout(d time.Duration) {
	if d > 0 {
		m.mu.Lock()
		m.dispatchTimeout = d
		m.mu.Unlock()
	}
}

// Register adds a sidecar to the registry with an immediate health probe.
// Re-registering a name replaces the previous sidecar.
func (m *Manager) Register(ctx context.Context, s Sidecar) {
	health := s.HealthCheck(ctx)

	m.mu.Lock()
	prev := m.entries[s.Name()]
	m.entries[s.Name()] = &entry{
		sidecar:       s,
		health:        health,
		breaker:       NewBreaker(breakerThreshold, breakerCooldown),
		lastHeartbeat: time.Now(),
	}
	m.mu.Unlock()

	if prev != nil && prev.sidecar != s {
		if err := prev.sidecar.Close(); err != nil {
			m.logger.Debug("Replaced sidecar close failed", zap.String("sidecar", s.Name()), zap.Error(err))
		}
	}

	m.logger.Info("Sidecar registered",
		zap.String("sidecar", s.Name()),
		zap.Strings("capabilities", s.Capabilities()),
		zap.String("health", string(health)),
	)
}

// Unregister removes and closes a sidecar.
func (m *Manager) Unregister(name string) {
	m.mu.Lock()
	e, ok := m.entries[name]
	delete(m.entries, name)
	m.mu.Unlock()

	if ok {
		if err := e.sidecar.Close(); err != nil {
			m.logger.Debug("Sidecar close failed", zap.String("sidecar", name), zap.Error(err))
		}
		m.logger.Info("Sidecar unregistered", zap.String("sidecar", name))
	}
}

// Start runs the health poller until ctx is cancelled or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	safego.GoCtx(ctx, m.logger, "sidecar-health-poller", func(ctx context.Context) {
		m.mu.RLock()
		interval := m.pollInterval
		m.mu.RUnlock()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				m.Poll(ctx)
			}
		}
	})
}

// Stop halts the poller and closes every sidecar.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })

	m.mu.Lock()
	entries := make(map[string]*entry, len(m.entries))
	for k, v := range m.entries {
		entries[k] = v
	}
	m.entries = make(map[string]*entry)
	m.mu.Unlock()

	for name, e := range entries {
		if err := e.sidecar.Close(); err != nil {
			m.logger.Debug("Sidecar close failed", zap.String("sidecar", name), zap.Error(err))
		}
	}
}

// Poll probes every sidecar once, updates the registry, and emits health
// telemetry.
func (m *Manager) Poll(ctx context.Context) {
	m.mu.RLock()
	names := make([]string, 0, len(m.entries))
	for name := range m.entries {
		names = append(names, name)
	}
	m.mu.RUnlock()

	for _, name := range names {
		m.mu.RLock()
		e, ok := m.entries[name]
		m.mu.RUnlock()
		if !ok {
			continue
		}

		health := e.sidecar.HealthCheck(ctx)

		m.mu.Lock()
		if cur, ok := m.entries[name]; ok {
			if cur.health != health {
				m.logger.Info("Sidecar health changed",
					zap.String("sidecar", name),
					zap.String("from", string(cur.health)),
					zap.String("to", string(health)),
				)
			}
			cur.health = health
			cur.lastHeartbeat = time.Now()
		}
		m.mu.Unlock()

		if m.bus != nil {
			m.bus.Publish(eventbus.TopicSidecarHealth, eventbus.Event{
				Payload: map[string]any{
					"sidecar": name,
					"health":  string(health),
				},
			})
		}
	}
}

// Dispatch routes one capability call: pick the healthiest provider
// (ready > degraded > starting), consult its breaker, invoke with the
// dispatch timeout.
func (m *Manager) Dispatch(ctx context.Context, capability, method string, params any) (json.RawMessage, error) {
	m.mu.RLock()
	timeout := m.dispatchTimeout
	var candidates []*entry
	for _, e := range m.entries {
		if !e.health.Dispatchable() {
			continue
		}
		for _, c := range e.sidecar.Capabilities() {
			if c == capability {
				candidates = append(candidates, e)
				break
			}
		}
	}
	m.mu.RUnlock()

	if len(candidates) == 0 {
		return nil, apperrors.New(apperrors.KindNoSidecar,
			fmt.Sprintf("no sidecar provides capability %q", capability))
	}

	sort.Slice(candidates, func(i, j int) bool {
		ri, rj := candidates[i].health.dispatchRank(), candidates[j].health.dispatchRank()
		if ri != rj {
			return ri < rj
		}
		return candidates[i].sidecar.Name() < candidates[j].sidecar.Name()
	})
	chosen := candidates[0]

	if !chosen.breaker.Allow() {
		return nil, apperrors.New(apperrors.KindCircuitOpen,
			fmt.Sprintf("sidecar %s circuit open", chosen.sidecar.Name()))
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := chosen.sidecar.Call(callCtx, method, params)
	if err != nil {
		chosen.breaker.RecordFailure()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, apperrors.Wrap(apperrors.KindSidecarTimeout,
				fmt.Sprintf("sidecar %s timed out on %s", chosen.sidecar.Name(), method), err)
		}
		return nil, fmt.Errorf("sidecar %s: %s: %w", chosen.sidecar.Name(), method, err)
	}

	chosen.breaker.RecordSuccess()
	return result, nil
}

// HasReady reports whether a ready sidecar provides the capability.
func (m *Manager) HasReady(capability string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.entries {
		if e.health != HealthReady {
			continue
		}
		for _, c := range e.sidecar.Capabilities() {
			if c == capability {
				return true
			}
		}
	}
	return false
}

// Status is one registry row for introspection endpoints.
type Status struct {
	Name                string    `json:"name"`
	Health              string    `json:"health"`
	Capabilities        []string  `json:"capabilities"`
	LastHeartbeat       time.Time `json:"last_heartbeat"`
	CircuitState        string    `json:"circuit_state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// Statuses returns the registry contents sorted by name.
func (m *Manager) Statuses() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Status, 0, len(m.entries))
	for name, e := range m.entries {
		out = append(out, Status{
			Name:                name,
			Health:              string(e.health),
			Capabilities:        e.sidecar.Capabilities(),
			LastHeartbeat:       e.lastHeartbeat,
			CircuitState:        string(e.breaker.State()),
			ConsecutiveFailures: e.breaker.Failures(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
