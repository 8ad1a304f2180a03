package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry owns the set of live call sessions and the single account
// session. It demultiplexes raw engine events to the owning session by
// correlation id, creates sessions for outbound dials and inbound invites,
// and removes a call session only after its terminal state has been
// reached and the history decision executed.
//
// One Registry instance is created at startup and injected where needed;
// there is no ambient global state.
type Registry struct {
	engine  ProtocolEngine
	account *AccountSession
	history *HistoryPolicy
	logger  *slog.Logger

	mu    sync.RWMutex
	calls map[string]*CallSession

	// incoming republishes every newly ringing incoming call; active
	// republishes every call reaching Connected. Both are derived
	// projections of per-call transitions, never independently mutated.
	incoming *Stream[Call]
	active   *Stream[Call]
}

// NewRegistry wires the registry around an engine and a storage gateway.
func NewRegistry(engine ProtocolEngine, gateway StorageGateway, bounds Bounds, logger *slog.Logger) *Registry {
	l := logger.With("subsystem", "registry")
	return &Registry{
		engine:   engine,
		account:  NewAccountSession(engine, bounds, logger),
		history:  NewHistoryPolicy(gateway, logger),
		logger:   l,
		calls:    make(map[string]*CallSession),
		incoming: NewStream[Call]("incoming-calls", l),
		active:   NewStream[Call]("active-calls", l),
	}
}

// Run consumes engine events until the context is cancelled or the engine
// closes its event channel. Events for one session are applied strictly in
// arrival order; sessions never overlap their own transitions.
func (r *Registry) Run(ctx context.Context) {
	events := r.engine.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				r.logger.Info("engine event channel closed")
				return
			}
			r.handleEvent(ev)
		}
	}
}

// Account returns the single account session.
func (r *Registry) Account() *AccountSession {
	return r.account
}

// Call returns the live session for a call id.
func (r *Registry) Call(id string) (*CallSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cs, ok := r.calls[id]
	return cs, ok
}

// ActiveCalls returns an immutable snapshot of all live calls.
func (r *Registry) ActiveCalls() []Call {
	r.mu.RLock()
	defer r.mu.RUnlock()

	calls := make([]Call, 0, len(r.calls))
	for _, cs := range r.calls {
		calls = append(calls, cs.Snapshot())
	}
	return calls
}

// ActiveCallCount returns the number of live call sessions.
func (r *Registry) ActiveCallCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.calls)
}

// AccountStatusLabel returns the account id and status as metric labels.
func (r *Registry) AccountStatusLabel() (string, string) {
	st := r.account.State()
	return st.AccountID, string(st.Status)
}

// SubscribeIncoming returns the aggregate stream of newly ringing incoming
// calls.
func (r *Registry) SubscribeIncoming() (<-chan Call, func()) {
	return r.incoming.Subscribe()
}

// SubscribeActive returns the aggregate stream of calls reaching Connected.
func (r *Registry) SubscribeActive() (<-chan Call, func()) {
	return r.active.Subscribe()
}

// Dial starts an outbound call. The session is created with a fresh unique
// id and published in Connecting before any engine command is issued, so
// the application can track the call before the network call exists.
func (r *Registry) Dial(target string) (Call, error) {
	if target == "" {
		return Call{}, &ValidationError{Field: "target", Reason: "must not be empty"}
	}

	c := Call{
		ID:        uuid.NewString(),
		RemoteURI: target,
		Direction: DirectionOutgoing,
		Status:    CallConnecting,
		StartTime: time.Now(),
	}

	cs := newCallSession(r.engine, c, r.onTerminal, r.logger)

	r.mu.Lock()
	r.calls[c.ID] = cs
	r.mu.Unlock()

	r.logger.Info("outbound call created",
		"call_id", c.ID,
		"target", target,
		"active_calls", r.ActiveCallCount(),
	)

	cs.dispatch("dial", true, func(ctx context.Context) error {
		return r.engine.Dial(ctx, c.ID, target)
	})
	return c, nil
}

// handleEvent routes one raw engine event. Events referencing an unknown
// call id are discarded, which makes delivery idempotent under duplicates.
func (r *Registry) handleEvent(ev EngineEvent) {
	switch e := ev.(type) {
	case RegistrationStateEvent:
		r.account.HandleRegistrationEvent(e)

	case TransportStateEvent:
		r.account.HandleTransportEvent(e)

	case CallInvitedEvent:
		r.handleInvite(e)

	case CallStateEvent:
		cs, ok := r.Call(e.CallID)
		if !ok {
			r.logger.Debug("event for unknown call dropped",
				"call_id", e.CallID,
				"state", string(e.State),
			)
			return
		}
		applied := cs.HandleEngineEvent(e)

		// Derived projection: republish calls that just reached Connected.
		// Duplicate deliveries are dropped by the session and must not
		// repeat on the aggregate stream either.
		if applied && e.State == CallEventConnected {
			if snap := cs.Snapshot(); snap.Status == CallConnected {
				r.active.Publish(snap)
			}
		}

	default:
		r.logger.Debug("unknown engine event dropped")
	}
}

// handleInvite creates a call session for an inbound offer, keyed by the
// id the engine supplied. The first observed state of an incoming call is
// always Ringing.
func (r *Registry) handleInvite(e CallInvitedEvent) {
	r.mu.Lock()
	if _, exists := r.calls[e.CallID]; exists {
		r.mu.Unlock()
		r.logger.Debug("duplicate invite dropped", "call_id", e.CallID)
		return
	}

	c := Call{
		ID:          e.CallID,
		RemoteURI:   e.RemoteURI,
		DisplayName: e.DisplayName,
		Direction:   DirectionIncoming,
		Status:      CallRinging,
		StartTime:   time.Now(),
	}
	cs := newCallSession(r.engine, c, r.onTerminal, r.logger)
	r.calls[e.CallID] = cs
	r.mu.Unlock()

	r.logger.Info("incoming call ringing",
		"call_id", c.ID,
		"remote", c.RemoteURI,
		"active_calls", r.ActiveCallCount(),
	)
	r.incoming.Publish(c)
}

// onTerminal runs after a call publishes its terminal status: persist the
// history record first, then remove the session from the live set. The
// ordering guarantees no history is lost to a removal race.
func (r *Registry) onTerminal(c Call) {
	r.history.Record(context.Background(), c)

	r.mu.Lock()
	delete(r.calls, c.ID)
	remaining := len(r.calls)
	r.mu.Unlock()

	r.logger.Info("call session removed",
		"call_id", c.ID,
		"status", string(c.Status),
		"duration_ms", c.Duration().Milliseconds(),
		"active_calls", remaining,
	)
}

// Close shuts down the account session and the aggregate streams. Live
// call sessions are left to finish through their own terminal transitions.
func (r *Registry) Close() {
	r.account.Close()
	r.incoming.Close()
	r.active.Close()
}
