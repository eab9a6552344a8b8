package service

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/miosa-osa/osa/internal/domain/entity"
	"github.com/miosa-osa/osa/internal/domain/hooks"
	"github.com/miosa-osa/osa/internal/infrastructure/eventbus"
	apperrors "github.com/miosa-osa/osa/pkg/errors"
)

// SessionLog is the persistence surface the registry needs. Replay
// returning (nil, nil) means no stored session.
type SessionLog interface {
	Append(sessionID string, msg entity.Message) error
	Replay(sessionID string) (*entity.Session, error)
}

// SessionIndexer mirrors session activity into the relational index.
type SessionIndexer interface {
	Touch(ctx context.Context, session *entity.Session, channel string) error
}

// sessionActor owns one session. All mutation goes through its command
// channel so the session has exactly one writer.
type sessionActor struct {
	session *entity.Session
	cmds    chan func()
	closing chan struct{}
	done    chan struct{}

	mu         sync.Mutex
	cancelTurn context.CancelFunc
}

func (a *sessionActor) run() {
	defer close(a.done)
	for {
		select {
		case cmd := <-a.cmds:
			cmd()
		case <-a.closing:
			return
		}
	}
}

// do runs fn on the actor goroutine and waits for it. cmds stays open for
// the actor's whole life; shutdown is signalled on closing so a send racing
// End can never hit a closed channel.
func (a *sessionActor) do(ctx context.Context, fn func()) error {
	doneFn := make(chan struct{})
	wrapped := func() {
		defer close(doneFn)
		fn()
	}
	select {
	case a.cmds <- wrapped:
	case <-a.closing:
		return apperrors.New(apperrors.KindNotFound, "session closed")
	case <-ctx.Done():
		return apperrors.Wrap(apperrors.KindCancelled, "session busy", ctx.Err())
	}
	select {
	case <-doneFn:
		return nil
	case <-ctx.Done():
		// The command still runs; the caller just stops waiting.
		return apperrors.Wrap(apperrors.KindCancelled, "abandoned waiting for session", ctx.Err())
	}
}

// Registry owns session lifecycles. Each session gets an actor goroutine;
// reads from other tasks go through message passing, never shared state.
type Registry struct {
	loop    *Loop
	log     SessionLog
	index   SessionIndexer
	hooks   *hooks.Pipeline
	bus     Publisher
	logger  *zap.Logger
	profile SessionProfile

	mu     sync.RWMutex
	actors map[string]*sessionActor
}

// SessionProfile seeds new sessions.
type SessionProfile struct {
	Provider  string
	Model     string
	Workspace string
}

// NewRegistry creates the registry. log, index, and bus may be nil.
func NewRegistry(loop *Loop, log SessionLog, index SessionIndexer, hookPipeline *hooks.Pipeline, bus Publisher, profile SessionProfile, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		loop:    loop,
		log:     log,
		index:   index,
		hooks:   hookPipeline,
		bus:     bus,
		logger:  logger.With(zap.String("component", "session-registry")),
		profile: profile,
		actors:  make(map[string]*sessionActor),
	}
}

// acquire returns the actor for a session, creating it (with crash replay
// from the log) on first use.
func (r *Registry) acquire(sessionID string) (*sessionActor, error) {
	r.mu.RLock()
	actor, ok := r.actors[sessionID]
	r.mu.RUnlock()
	if ok {
		return actor, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if actor, ok := r.actors[sessionID]; ok {
		return actor, nil
	}

	session, err := r.restore(sessionID)
	if err != nil {
		return nil, err
	}

	actor = &sessionActor{
		session: session,
		cmds:    make(chan func()),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go actor.run()
	r.actors[sessionID] = actor

	if r.hooks != nil {
		r.hooks.RunAsync(hooks.EventSessionStart, hooks.Payload{"session_id": sessionID})
	}
	if r.bus != nil {
		r.bus.Publish(eventbus.TopicSessionStarted, eventbus.Event{
			SessionID: sessionID,
			Payload:   map[string]any{"messages": len(session.Messages)},
		})
	}
	r.logger.Info("Session opened",
		zap.String("session_id", sessionID),
		zap.Int("replayed_messages", len(session.Messages)),
	)
	return actor, nil
}

func (r *Registry) restore(sessionID string) (*entity.Session, error) {
	if r.log != nil {
		session, err := r.log.Replay(sessionID)
		if err != nil {
			return nil, err
		}
		if session != nil {
			if session.Model == "" {
				session.Model = r.profile.Model
			}
			if session.Provider == "" {
				session.Provider = r.profile.Provider
			}
			return session, nil
		}
	}
	return &entity.Session{
		ID:        sessionID,
		Provider:  r.profile.Provider,
		Model:     r.profile.Model,
		Workspace: r.profile.Workspace,
	}, nil
}

// HandleMessage runs one turn on the session's actor. Concurrent calls for
// the same session serialize; different sessions run independently.
func (r *Registry) HandleMessage(ctx context.Context, sessionID, channel, input string) (*TurnResult, error) {
	actor, err := r.acquire(sessionID)
	if err != nil {
		return nil, err
	}

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	actor.mu.Lock()
	actor.cancelTurn = cancel
	actor.mu.Unlock()

	var (
		result  *TurnResult
		runErr  error
		persist func(entity.Message) error
	)
	if r.log != nil {
		persist = func(m entity.Message) error { return r.log.Append(sessionID, m) }
	}

	doErr := actor.do(ctx, func() {
		result, runErr = r.loop.Run(turnCtx, actor.session, channel, input, persist)
		if r.index != nil {
			if err := r.index.Touch(context.Background(), actor.session, channel); err != nil {
				r.logger.Warn("Session index update failed",
					zap.String("session_id", sessionID),
					zap.Error(err),
				)
			}
		}
	})
	if doErr != nil {
		return nil, doErr
	}
	return result, runErr
}

// Cancel aborts the session's in-flight turn, if any.
func (r *Registry) Cancel(sessionID string) bool {
	r.mu.RLock()
	actor, ok := r.actors[sessionID]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	actor.mu.Lock()
	cancel := actor.cancelTurn
	actor.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// Snapshot returns a copy of the session state via the actor.
func (r *Registry) Snapshot(ctx context.Context, sessionID string) (*entity.Session, error) {
	r.mu.RLock()
	actor, ok := r.actors[sessionID]
	r.mu.RUnlock()
	if !ok {
		return nil, apperrors.New(apperrors.KindNotFound, "session not active")
	}

	var snap entity.Session
	err := actor.do(ctx, func() {
		snap = *actor.session
		snap.Messages = append([]entity.Message(nil), actor.session.Messages...)
	})
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// End closes a session: session_end hooks run, the actor stops.
func (r *Registry) End(sessionID string) {
	r.mu.Lock()
	actor, ok := r.actors[sessionID]
	delete(r.actors, sessionID)
	r.mu.Unlock()
	if !ok {
		return
	}

	close(actor.closing)
	<-actor.done

	if r.hooks != nil {
		r.hooks.RunAsync(hooks.EventSessionEnd, hooks.Payload{"session_id": sessionID})
	}
	if r.bus != nil {
		r.bus.Publish(eventbus.TopicSessionEnded, eventbus.Event{SessionID: sessionID})
	}
	r.logger.Info("Session ended", zap.String("session_id", sessionID))
}

// Active lists the ids of open sessions, sorted.
func (r *Registry) Active() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.actors))
	for id := range r.actors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Shutdown ends every session.
func (r *Registry) Shutdown() {
	for _, id := range r.Active() {
		r.End(id)
	}
}
