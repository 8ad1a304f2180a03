package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/looplab/fsm"
)

// dtmfDigits is the set of digits accepted by SendDTMF.
const dtmfDigits = "0123456789*#"

// engineCommandTimeout bounds a single engine call command. It is not a
// call timeout: a call waiting on remote confirmation stays in its current
// state until the engine reports an outcome.
const engineCommandTimeout = 10 * time.Second

// Call session FSM events.
const (
	callEvRing      = "ring"
	callEvEstablish = "establish"
	callEvHangup    = "hangup"
	callEvFinish    = "finish"
	callEvFail      = "fail"
)

func newCallMachine(initial CallStatus) *fsm.FSM {
	connecting := string(CallConnecting)
	ringing := string(CallRinging)
	connected := string(CallConnected)
	disconnected := string(CallDisconnected)
	ended := string(CallEnded)
	failed := string(CallFailed)

	return fsm.NewFSM(
		string(initial),
		fsm.Events{
			{Name: callEvRing, Src: []string{connecting}, Dst: ringing},
			{Name: callEvEstablish, Src: []string{ringing}, Dst: connected},
			{Name: callEvHangup, Src: []string{connected}, Dst: disconnected},
			{Name: callEvFinish, Src: []string{connecting, ringing, disconnected}, Dst: ended},
			{Name: callEvFail, Src: []string{connecting, ringing, connected}, Dst: failed},
		},
		fsm.Callbacks{},
	)
}

// CallSession owns the state machine of one call. Transitions are
// serialized under its mutex; commands validate synchronously against the
// current state and hand the network work to the engine asynchronously.
type CallSession struct {
	engine ProtocolEngine
	logger *slog.Logger

	mu         sync.Mutex
	machine    *fsm.FSM
	call       Call
	stream     *Stream[Call]
	onTerminal func(Call)
	done       bool
}

// newCallSession creates a session around an initial call snapshot. The
// snapshot's Status picks the machine's initial state: Connecting for
// outgoing calls, Ringing for incoming ones. onTerminal fires exactly once
// when the session reaches Ended or Failed, after the terminal status has
// been published.
func newCallSession(engine ProtocolEngine, c Call, onTerminal func(Call), logger *slog.Logger) *CallSession {
	l := logger.With("subsystem", "call-session", "call_id", c.ID)
	return &CallSession{
		engine:     engine,
		logger:     l,
		machine:    newCallMachine(c.Status),
		call:       c,
		stream:     NewStream[Call]("call-status", l),
		onTerminal: onTerminal,
	}
}

// Snapshot returns an immutable copy of the current call value.
func (s *CallSession) Snapshot() Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.call
}

// ID returns the call's process-unique id.
func (s *CallSession) ID() string {
	return s.call.ID
}

// Subscribe returns the call's status stream, seeded with the current
// snapshot so a subscriber observes the full ordered sequence from the
// state it joined at.
func (s *CallSession) Subscribe() (<-chan Call, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream.SubscribeCurrent(s.call)
}

// Answer accepts an incoming call. Legal only while an incoming call is
// Ringing; the Connected transition arrives on engine confirmation.
func (s *CallSession) Answer() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.call.Direction != DirectionIncoming || s.call.Status != CallRinging {
		return &InvalidStateError{Op: "answer", State: string(s.call.Status)}
	}
	s.dispatch("answer", true, func(ctx context.Context) error {
		return s.engine.Answer(ctx, s.call.ID)
	})
	return nil
}

// Reject declines an incoming call while it is Ringing. The call ends
// immediately: rejection is a local decision, not a network outcome.
func (s *CallSession) Reject() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.call.Direction != DirectionIncoming || s.call.Status != CallRinging {
		return &InvalidStateError{Op: "reject", State: string(s.call.Status)}
	}
	s.dispatch("reject", false, func(ctx context.Context) error {
		return s.engine.Reject(ctx, s.call.ID)
	})
	s.applyEventLocked(callEvFinish, "")
	return nil
}

// End hangs up regardless of phase. From Connected the session records the
// optimistic Disconnected state and finishes when the engine confirms the
// teardown; before Connected the call ends immediately.
func (s *CallSession) End() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.call.Status.IsTerminal() {
		return &InvalidStateError{Op: "end", State: string(s.call.Status)}
	}

	s.dispatch("end", false, func(ctx context.Context) error {
		return s.engine.End(ctx, s.call.ID)
	})

	if s.call.Status == CallConnected {
		s.applyEventLocked(callEvHangup, "")
		return nil
	}
	s.applyEventLocked(callEvFinish, "")
	return nil
}

// Hold puts a connected call on hold. The lifecycle state is unchanged.
func (s *CallSession) Hold() error {
	return s.setHold(true)
}

// Unhold resumes a held call.
func (s *CallSession) Unhold() error {
	return s.setHold(false)
}

func (s *CallSession) setHold(hold bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	op := "hold"
	if !hold {
		op = "unhold"
	}
	if s.call.Status != CallConnected {
		return &InvalidStateError{Op: op, State: string(s.call.Status)}
	}

	s.dispatch(op, false, func(ctx context.Context) error {
		if hold {
			return s.engine.Hold(ctx, s.call.ID)
		}
		return s.engine.Unhold(ctx, s.call.ID)
	})
	s.call.OnHold = hold
	s.publishLocked()
	return nil
}

// SendDTMF sends a touch-tone digit on a connected call. The digit is
// validated before the state check and before any engine command is issued.
func (s *CallSession) SendDTMF(digit rune) error {
	if !strings.ContainsRune(dtmfDigits, digit) {
		return &ValidationError{Field: "digit", Reason: "must be one of 0-9 * #"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.call.Status != CallConnected {
		return &InvalidStateError{Op: "sendDTMF", State: string(s.call.Status)}
	}
	s.dispatch("sendDTMF", false, func(ctx context.Context) error {
		return s.engine.SendDTMF(ctx, s.call.ID, digit)
	})
	return nil
}

// ToggleMute flips the local microphone mute flag. Media control only; the
// call status is unchanged.
func (s *CallSession) ToggleMute() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.call.Status != CallConnected {
		return &InvalidStateError{Op: "toggleMute", State: string(s.call.Status)}
	}
	muted := !s.call.Muted
	s.dispatch("setMuted", false, func(ctx context.Context) error {
		return s.engine.SetMuted(ctx, s.call.ID, muted)
	})
	s.call.Muted = muted
	s.publishLocked()
	return nil
}

// ToggleSpeaker flips the loudspeaker flag. Media control only.
func (s *CallSession) ToggleSpeaker() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.call.Status != CallConnected {
		return &InvalidStateError{Op: "toggleSpeaker", State: string(s.call.Status)}
	}
	speaker := !s.call.Speaker
	s.dispatch("setSpeaker", false, func(ctx context.Context) error {
		return s.engine.SetSpeaker(ctx, s.call.ID, speaker)
	})
	s.call.Speaker = speaker
	s.publishLocked()
	return nil
}

// HandleEngineEvent applies an engine-reported call state change. Called by
// the registry on its dispatch goroutine. Events illegal in the current
// state, including anything after a terminal state, are dropped and logged.
// It reports whether the event actually changed the call's state, so
// derived projections can ignore duplicate deliveries.
func (s *CallSession) HandleEngineEvent(ev CallStateEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.State {
	case CallEventRinging:
		return s.applyEventLocked(callEvRing, "")

	case CallEventConnected:
		return s.applyEventLocked(callEvEstablish, "")

	case CallEventEnded:
		// Remote teardown from Connected passes through Disconnected so
		// observers see the same sequence as a local hangup.
		applied := false
		if s.call.Status == CallConnected {
			applied = s.applyEventLocked(callEvHangup, "")
		}
		if s.applyEventLocked(callEvFinish, "") {
			applied = true
		}
		return applied

	case CallEventFailed:
		if s.call.Status == CallDisconnected {
			// Teardown already in progress locally; the failure cause no
			// longer changes the outcome.
			return s.applyEventLocked(callEvFinish, "")
		}
		return s.applyEventLocked(callEvFail, ev.Cause)

	default:
		s.logger.Debug("call event ignored", "state", string(ev.State))
		return false
	}
}

// dispatch runs an engine command off the caller's goroutine. When terminal
// is true a synchronous engine error fails the call with the error as
// cause; otherwise the error is logged and the call continues.
func (s *CallSession) dispatch(op string, terminal bool, fn func(ctx context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), engineCommandTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			s.logger.Error("engine command failed", "op", op, "error", err)
			if terminal {
				s.HandleEngineEvent(CallStateEvent{
					CallID: s.call.ID,
					State:  CallEventFailed,
					Cause:  (&EngineError{Op: op, Cause: err.Error()}).Error(),
				})
			}
		}
	}()
}

// applyEventLocked applies one FSM event, updates the snapshot and
// publishes it, reporting whether the event was legal. Reaching a terminal
// state stamps the end time, fires onTerminal once and closes the stream.
func (s *CallSession) applyEventLocked(event, cause string) bool {
	if err := s.machine.Event(context.Background(), event); err != nil {
		s.logger.Debug("call event dropped",
			"event", event,
			"status", string(s.call.Status),
			"error", err,
		)
		return false
	}

	s.call.Status = CallStatus(s.machine.Current())
	if cause != "" && s.call.Cause == "" {
		s.call.Cause = cause
	}

	if s.call.Status.IsTerminal() && s.call.EndTime == nil {
		now := time.Now()
		s.call.EndTime = &now
	}

	s.logger.Info("call status changed",
		"status", string(s.call.Status),
		"direction", string(s.call.Direction),
		"cause", s.call.Cause,
	)
	s.publishLocked()

	if s.call.Status.IsTerminal() && !s.done {
		s.done = true
		snapshot := s.call
		s.stream.Close()
		if s.onTerminal != nil {
			// Off the session lock: the terminal hook persists history and
			// removes the session from the registry.
			go s.onTerminal(snapshot)
		}
	}
	return true
}

func (s *CallSession) publishLocked() {
	s.stream.Publish(s.call)
}
