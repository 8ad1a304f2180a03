package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/looplab/fsm"
)

// Bounds fixes the lifecycle timing knobs the state machines depend on.
// They are explicit configuration rather than guessed defaults: an
// unanswered login or logout must never leave a session stuck.
type Bounds struct {
	// LoginTimeout is how long a login waits for the engine before the
	// session force-transitions to Failed.
	LoginTimeout time.Duration

	// LogoutTimeout is how long a logout waits for the engine ack before
	// the session force-transitions to Disconnected anyway.
	LogoutTimeout time.Duration

	// ReconnectBase and ReconnectMax bound the exponential backoff used
	// for automatic re-registration after transport loss.
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
}

// DefaultBounds returns the production defaults.
func DefaultBounds() Bounds {
	return Bounds{
		LoginTimeout:  15 * time.Second,
		LogoutTimeout: 5 * time.Second,
		ReconnectBase: 2 * time.Second,
		ReconnectMax:  2 * time.Minute,
	}
}

// Account session FSM events.
const (
	accEvConnect     = "connect"
	accEvTransportUp = "transport_up"
	accEvRegistering = "registering"
	accEvRegistered  = "registered"
	accEvDrop        = "drop"
	accEvFail        = "fail"
	accEvLogout      = "logout"
)

func newAccountMachine() *fsm.FSM {
	disconnected := string(AccountDisconnected)
	connecting := string(AccountConnecting)
	connected := string(AccountConnected)
	registering := string(AccountRegistering)
	registered := string(AccountRegistered)
	failed := string(AccountFailed)

	return fsm.NewFSM(
		disconnected,
		fsm.Events{
			{Name: accEvConnect, Src: []string{disconnected, failed}, Dst: connecting},
			{Name: accEvTransportUp, Src: []string{connecting}, Dst: connected},
			{Name: accEvRegistering, Src: []string{connecting, connected}, Dst: registering},
			{Name: accEvRegistered, Src: []string{connecting, connected, registering}, Dst: registered},
			{Name: accEvDrop, Src: []string{connected, registering, registered}, Dst: connecting},
			{Name: accEvFail, Src: []string{connecting, connected, registering, registered}, Dst: failed},
			{Name: accEvLogout, Src: []string{connecting, connected, registering, registered, failed}, Dst: disconnected},
		},
		fsm.Callbacks{},
	)
}

// AccountSession owns the registration state machine for the single active
// account. All transitions are serialized under its mutex; engine events
// for the account are applied in arrival order by the registry's dispatch
// goroutine.
type AccountSession struct {
	engine ProtocolEngine
	bounds Bounds
	logger *slog.Logger

	mu      sync.Mutex
	machine *fsm.FSM
	account *Account // last-known account, for forceReconnect
	cause   string   // last failure cause

	stream *Stream[AccountState]
	last   *AccountState // last published state, for dedupe

	loginTimer  *time.Timer
	logoutTimer *time.Timer
	logoutWait  bool

	reconnecting   bool
	reconnectTimer *time.Timer
	retry          *backoff
}

// NewAccountSession creates the account session in Disconnected.
func NewAccountSession(engine ProtocolEngine, bounds Bounds, logger *slog.Logger) *AccountSession {
	l := logger.With("subsystem", "account-session")
	return &AccountSession{
		engine:  engine,
		bounds:  bounds,
		logger:  l,
		machine: newAccountMachine(),
		stream:  NewStream[AccountState]("account-status", l),
		retry:   newBackoff(bounds.ReconnectBase, bounds.ReconnectMax),
	}
}

// Status returns the current registration status.
func (s *AccountSession) Status() AccountStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return AccountStatus(s.machine.Current())
}

// State returns an immutable snapshot of the current account state.
func (s *AccountSession) State() AccountState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

// Account returns a copy of the last account a login was issued for, or
// nil if none.
func (s *AccountSession) Account() *Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.account == nil {
		return nil
	}
	a := *s.account
	return &a
}

// Subscribe returns the account status stream. Every transition is
// published exactly once; consecutive identical states are not repeated.
func (s *AccountSession) Subscribe() (<-chan AccountState, func()) {
	return s.stream.Subscribe()
}

// Login validates the account, transitions to Connecting and issues an
// asynchronous register command. It returns immediately; the outcome
// arrives as a registration event. A login while one is already in flight
// or established is rejected with AlreadyActiveError.
func (s *AccountSession) Login(account Account) error {
	if account.Username == "" {
		return &ValidationError{Field: "username", Reason: "must not be empty"}
	}
	if account.Password == "" {
		return &ValidationError{Field: "password", Reason: "must not be empty"}
	}
	if account.Domain == "" {
		return &ValidationError{Field: "domain", Reason: "must not be empty"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch st := AccountStatus(s.machine.Current()); st {
	case AccountConnecting, AccountConnected, AccountRegistering, AccountRegistered:
		return &AlreadyActiveError{State: st}
	}

	acct := account
	s.account = &acct
	s.cause = ""
	s.stopReconnectLocked()

	if err := s.transitionLocked(accEvConnect, ""); err != nil {
		return err
	}

	s.armLoginTimerLocked()
	s.dispatch("register", s.bounds.LoginTimeout, func(ctx context.Context) error {
		return s.engine.Register(ctx, acct)
	})
	return nil
}

// Logout issues an unregister command from any state. The session
// transitions to Disconnected once the engine acknowledges, or after the
// configured bound if the transport stays silent.
func (s *AccountSession) Logout() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopReconnectLocked()
	s.stopLoginTimerLocked()

	if AccountStatus(s.machine.Current()) == AccountDisconnected {
		return nil
	}

	s.logoutWait = true
	s.armLogoutTimerLocked()

	// Unregister is best effort: an engine error must not fail the session
	// mid-logout, so this does not go through dispatch. The error counts as
	// the ack and the session disconnects either way.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.bounds.LogoutTimeout)
		defer cancel()
		if err := s.engine.Unregister(ctx); err != nil {
			s.logger.Warn("unregister failed, disconnecting anyway", "error", err)
			s.HandleRegistrationEvent(RegistrationStateEvent{State: RegStateUnregistered})
		}
	}()
	return nil
}

// ForceReconnect re-runs login with the last-known account. It is valid
// from Failed or Disconnected; when the account is already connected it is
// a reported no-op, not an error.
func (s *AccountSession) ForceReconnect() error {
	s.mu.Lock()

	switch st := AccountStatus(s.machine.Current()); st {
	case AccountConnecting, AccountConnected, AccountRegistering, AccountRegistered:
		s.logger.Info("force reconnect ignored, session already active", "status", string(st))
		s.mu.Unlock()
		return nil
	}

	if s.account == nil {
		s.mu.Unlock()
		return &ValidationError{Field: "account", Reason: "no previous login to reconnect"}
	}
	acct := *s.account
	s.mu.Unlock()

	return s.Login(acct)
}

// HandleRegistrationEvent applies an engine registration outcome. Called by
// the registry on its dispatch goroutine.
func (s *AccountSession) HandleRegistrationEvent(ev RegistrationStateEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.State {
	case RegStateConnected:
		s.applyEventLocked(accEvTransportUp, "")

	case RegStateRegistering:
		s.applyEventLocked(accEvRegistering, "")

	case RegStateRegistered:
		s.stopLoginTimerLocked()
		s.reconnecting = false
		s.retry.reset()
		s.applyEventLocked(accEvRegistered, "")

	case RegStateFailed:
		s.stopLoginTimerLocked()
		if s.reconnecting {
			// Retry on the backoff schedule; automatic reconnects only
			// fail on explicit logout. A partial attempt may have advanced
			// past Connecting on the engine's transport and registering
			// milestones, so fall back first or the rearmed timer would
			// refuse to dispatch.
			s.logger.Warn("reconnect attempt failed", "cause", ev.Cause)
			if AccountStatus(s.machine.Current()) != AccountConnecting {
				s.applyEventLocked(accEvDrop, "")
			}
			s.scheduleReconnectLocked()
			return
		}
		s.applyEventLocked(accEvFail, ev.Cause)

	case RegStateUnregistered:
		if s.logoutWait {
			s.logoutWait = false
			s.stopLogoutTimerLocked()
			s.applyEventLocked(accEvLogout, "")
			return
		}
		// Unsolicited unregister is handled like a transport drop.
		s.handleDropLocked(ev.Cause)

	default:
		s.logger.Debug("registration event ignored", "state", string(ev.State))
	}
}

// HandleTransportEvent applies a transport up/down notification.
func (s *AccountSession) HandleTransportEvent(ev TransportStateEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.Connected {
		s.applyEventLocked(accEvTransportUp, "")
		return
	}
	s.handleDropLocked(ev.Cause)
}

// handleDropLocked reacts to unexpected transport loss: while registered
// the session transitions back to Connecting and reconnects automatically
// with exponential backoff rather than a tight retry loop.
func (s *AccountSession) handleDropLocked(cause string) {
	st := AccountStatus(s.machine.Current())
	switch st {
	case AccountRegistered, AccountRegistering, AccountConnected:
		s.logger.Warn("transport lost, reconnecting", "cause", cause, "status", string(st))
		s.applyEventLocked(accEvDrop, "")
		s.reconnecting = true
		s.retry.reset()
		s.scheduleReconnectLocked()
	default:
		s.logger.Debug("transport loss ignored", "status", string(st), "cause", cause)
	}
}

// scheduleReconnectLocked arms the next automatic register attempt. Driven
// by timer events, never by recursive immediate retry.
func (s *AccountSession) scheduleReconnectLocked() {
	if s.account == nil || !s.reconnecting {
		return
	}
	acct := *s.account
	delay := s.retry.next()
	s.logger.Info("scheduling reconnect",
		"attempt", s.retry.attempt,
		"delay", delay.String(),
	)

	s.reconnectTimer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if !s.reconnecting || AccountStatus(s.machine.Current()) != AccountConnecting {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		s.dispatch("register", s.bounds.LoginTimeout, func(ctx context.Context) error {
			return s.engine.Register(ctx, acct)
		})
	})
}

func (s *AccountSession) stopReconnectLocked() {
	s.reconnecting = false
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
}

// armLoginTimerLocked force-fails the login if the engine never answers
// within the configured bound.
func (s *AccountSession) armLoginTimerLocked() {
	s.stopLoginTimerLocked()
	bound := s.bounds.LoginTimeout
	s.loginTimer = time.AfterFunc(bound, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		switch AccountStatus(s.machine.Current()) {
		case AccountConnecting, AccountConnected, AccountRegistering:
			err := &TimeoutError{Op: "login", Bound: bound.String()}
			s.applyEventLocked(accEvFail, err.Error())
		}
	})
}

func (s *AccountSession) stopLoginTimerLocked() {
	if s.loginTimer != nil {
		s.loginTimer.Stop()
		s.loginTimer = nil
	}
}

// armLogoutTimerLocked force-disconnects if the engine never acknowledges
// the unregister.
func (s *AccountSession) armLogoutTimerLocked() {
	s.stopLogoutTimerLocked()
	bound := s.bounds.LogoutTimeout
	s.logoutTimer = time.AfterFunc(bound, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.logoutWait {
			return
		}
		s.logoutWait = false
		s.logger.Warn("logout not acknowledged, forcing disconnect", "bound", bound.String())
		s.applyEventLocked(accEvLogout, "")
	})
}

func (s *AccountSession) stopLogoutTimerLocked() {
	if s.logoutTimer != nil {
		s.logoutTimer.Stop()
		s.logoutTimer = nil
	}
}

// dispatch runs an engine command off the caller's goroutine. A synchronous
// engine error surfaces as a registration failure event, never as a command
// error to the application layer.
func (s *AccountSession) dispatch(op string, timeout time.Duration, fn func(ctx context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			s.logger.Error("engine command failed", "op", op, "error", err)
			s.HandleRegistrationEvent(RegistrationStateEvent{
				State: RegStateFailed,
				Cause: (&EngineError{Op: op, Cause: err.Error()}).Error(),
			})
		}
	}()
}

// transitionLocked applies an FSM event and publishes the new state, or
// returns the FSM error unchanged for the caller to surface.
func (s *AccountSession) transitionLocked(event, cause string) error {
	if err := s.machine.Event(context.Background(), event); err != nil {
		return err
	}
	s.cause = cause
	s.publishLocked()
	return nil
}

// applyEventLocked applies an engine-driven FSM event. Illegal events are
// dropped and logged: a noisy or redundant transport must never corrupt
// the machine.
func (s *AccountSession) applyEventLocked(event, cause string) {
	if err := s.machine.Event(context.Background(), event); err != nil {
		s.logger.Debug("account event dropped",
			"event", event,
			"status", s.machine.Current(),
			"error", err,
		)
		return
	}
	s.cause = cause
	s.publishLocked()
}

func (s *AccountSession) stateLocked() AccountState {
	st := AccountState{
		Status: AccountStatus(s.machine.Current()),
		Cause:  s.cause,
	}
	if s.account != nil {
		st.AccountID = s.account.ID
	}
	return st
}

// publishLocked emits the current state on the status stream, skipping
// consecutive duplicates so the stream stays a clean signal.
func (s *AccountSession) publishLocked() {
	st := s.stateLocked()
	if s.last != nil && *s.last == st {
		return
	}
	s.last = &st
	s.logger.Info("account status changed",
		"account_id", st.AccountID,
		"status", string(st.Status),
		"cause", st.Cause,
	)
	s.stream.Publish(st)
}

// Close stops timers and closes the status stream.
func (s *AccountSession) Close() {
	s.mu.Lock()
	s.stopReconnectLocked()
	s.stopLoginTimerLocked()
	s.stopLogoutTimerLocked()
	s.mu.Unlock()
	s.stream.Close()
}
