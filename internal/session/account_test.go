package session

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestAccountSession_LoginValidation(t *testing.T) {
	eng := newFakeEngine()
	s := NewAccountSession(eng, testBounds(), testLogger())
	defer s.Close()

	cases := []struct {
		name    string
		account Account
		field   string
	}{
		{"empty username", Account{Password: "p", Domain: "d"}, "username"},
		{"empty password", Account{Username: "u", Domain: "d"}, "password"},
		{"empty domain", Account{Username: "u", Password: "p"}, "domain"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := s.Login(tc.account)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Login() error = %v, want ValidationError", err)
			}
			if verr.Field != tc.field {
				t.Errorf("field = %q, want %q", verr.Field, tc.field)
			}
		})
	}

	// Rejected input must never reach the engine.
	if n := eng.commandCount("register"); n != 0 {
		t.Errorf("register called %d times for invalid input, want 0", n)
	}
	if got := s.Status(); got != AccountDisconnected {
		t.Errorf("status = %q, want disconnected", got)
	}
}

func TestAccountSession_LoginLifecycle(t *testing.T) {
	eng := newFakeEngine()
	s := NewAccountSession(eng, testBounds(), testLogger())
	defer s.Close()

	ch, cancel := s.Subscribe()
	defer cancel()

	if err := s.Login(testAccount()); err != nil {
		t.Fatalf("Login() error: %v", err)
	}
	if got := s.Status(); got != AccountConnecting {
		t.Fatalf("status after login = %q, want connecting", got)
	}

	waitFor(t, "register command", func() bool {
		return eng.commandCount("register") == 1
	})

	s.HandleRegistrationEvent(RegistrationStateEvent{State: RegStateConnected})
	s.HandleRegistrationEvent(RegistrationStateEvent{State: RegStateRegistering})
	s.HandleRegistrationEvent(RegistrationStateEvent{State: RegStateRegistered})

	want := []AccountStatus{AccountConnecting, AccountConnected, AccountRegistering, AccountRegistered}
	got := collectStates(ch, len(want), time.Second)
	if len(got) != len(want) {
		t.Fatalf("observed %d states %v, want %d", len(got), got, len(want))
	}
	for i, st := range got {
		if st.Status != want[i] {
			t.Errorf("state %d = %q, want %q", i, st.Status, want[i])
		}
	}
	if got[len(got)-1].AccountID != "acc-1" {
		t.Errorf("account id = %q, want acc-1", got[len(got)-1].AccountID)
	}
}

func TestAccountSession_DuplicateLoginRejected(t *testing.T) {
	eng := newFakeEngine()
	s := NewAccountSession(eng, testBounds(), testLogger())
	defer s.Close()

	if err := s.Login(testAccount()); err != nil {
		t.Fatalf("first Login() error: %v", err)
	}

	err := s.Login(testAccount())
	var aerr *AlreadyActiveError
	if !errors.As(err, &aerr) {
		t.Fatalf("second Login() error = %v, want AlreadyActiveError", err)
	}
	if aerr.State != AccountConnecting {
		t.Errorf("rejected in state %q, want connecting", aerr.State)
	}
}

func TestAccountSession_RegisteredDeduped(t *testing.T) {
	eng := newFakeEngine()
	s := NewAccountSession(eng, testBounds(), testLogger())
	defer s.Close()

	ch, cancel := s.Subscribe()
	defer cancel()

	if err := s.Login(testAccount()); err != nil {
		t.Fatalf("Login() error: %v", err)
	}
	s.HandleRegistrationEvent(RegistrationStateEvent{State: RegStateRegistered})
	// A registration refresh re-reports the same state; the stream must not
	// repeat it.
	s.HandleRegistrationEvent(RegistrationStateEvent{State: RegStateRegistered})

	got := collectStates(ch, 3, 300*time.Millisecond)
	if len(got) != 2 {
		t.Fatalf("observed %d states %v, want 2", len(got), got)
	}
	if got[0].Status != AccountConnecting || got[1].Status != AccountRegistered {
		t.Errorf("sequence = [%s %s], want [connecting registered]", got[0].Status, got[1].Status)
	}
}

func TestAccountSession_SyncRegisterErrorFails(t *testing.T) {
	eng := newFakeEngine()
	eng.registerErr = errors.New("resolver: no such host")
	s := NewAccountSession(eng, testBounds(), testLogger())
	defer s.Close()

	if err := s.Login(testAccount()); err != nil {
		t.Fatalf("Login() error: %v", err)
	}

	waitFor(t, "failed status", func() bool {
		return s.Status() == AccountFailed
	})

	st := s.State()
	if !strings.Contains(st.Cause, "no such host") {
		t.Errorf("cause = %q, want it to carry the engine error", st.Cause)
	}
}

func TestAccountSession_LoginTimeout(t *testing.T) {
	eng := newFakeEngine()
	s := NewAccountSession(eng, testBounds(), testLogger())
	defer s.Close()

	if err := s.Login(testAccount()); err != nil {
		t.Fatalf("Login() error: %v", err)
	}
	// No engine outcome ever arrives; the bound must fail the login.
	waitFor(t, "timeout failure", func() bool {
		return s.Status() == AccountFailed
	})
	if st := s.State(); !strings.Contains(st.Cause, "timed out") {
		t.Errorf("cause = %q, want a timeout cause", st.Cause)
	}
}

func TestAccountSession_LogoutFromRegistered(t *testing.T) {
	eng := newFakeEngine()
	s := NewAccountSession(eng, testBounds(), testLogger())
	defer s.Close()

	if err := s.Login(testAccount()); err != nil {
		t.Fatalf("Login() error: %v", err)
	}
	s.HandleRegistrationEvent(RegistrationStateEvent{State: RegStateRegistered})

	if err := s.Logout(); err != nil {
		t.Fatalf("Logout() error: %v", err)
	}
	waitFor(t, "unregister command", func() bool {
		return eng.commandCount("unregister") == 1
	})

	s.HandleRegistrationEvent(RegistrationStateEvent{State: RegStateUnregistered})
	if got := s.Status(); got != AccountDisconnected {
		t.Errorf("status after logout ack = %q, want disconnected", got)
	}
}

func TestAccountSession_LogoutWhenDisconnected(t *testing.T) {
	eng := newFakeEngine()
	s := NewAccountSession(eng, testBounds(), testLogger())
	defer s.Close()

	if err := s.Logout(); err != nil {
		t.Fatalf("Logout() from disconnected error: %v", err)
	}
	if n := eng.commandCount("unregister"); n != 0 {
		t.Errorf("unregister called %d times, want 0", n)
	}
}

func TestAccountSession_LogoutSurvivesEngineError(t *testing.T) {
	eng := newFakeEngine()
	eng.unregisterErr = errors.New("transport closed")
	s := NewAccountSession(eng, testBounds(), testLogger())
	defer s.Close()

	if err := s.Login(testAccount()); err != nil {
		t.Fatalf("Login() error: %v", err)
	}
	s.HandleRegistrationEvent(RegistrationStateEvent{State: RegStateRegistered})

	if err := s.Logout(); err != nil {
		t.Fatalf("Logout() error: %v", err)
	}
	// The engine error counts as the ack; the session must not end up Failed.
	waitFor(t, "disconnected", func() bool {
		return s.Status() == AccountDisconnected
	})
}

func TestAccountSession_LogoutTimeoutForcesDisconnect(t *testing.T) {
	eng := newFakeEngine()
	s := NewAccountSession(eng, testBounds(), testLogger())
	defer s.Close()

	if err := s.Login(testAccount()); err != nil {
		t.Fatalf("Login() error: %v", err)
	}
	s.HandleRegistrationEvent(RegistrationStateEvent{State: RegStateRegistered})

	if err := s.Logout(); err != nil {
		t.Fatalf("Logout() error: %v", err)
	}
	// The engine accepts the unregister but never acknowledges it.
	waitFor(t, "forced disconnect", func() bool {
		return s.Status() == AccountDisconnected
	})
}

func TestAccountSession_TransportDropReconnects(t *testing.T) {
	eng := newFakeEngine()
	s := NewAccountSession(eng, testBounds(), testLogger())
	defer s.Close()

	if err := s.Login(testAccount()); err != nil {
		t.Fatalf("Login() error: %v", err)
	}
	s.HandleRegistrationEvent(RegistrationStateEvent{State: RegStateRegistered})

	ch, cancel := s.Subscribe()
	defer cancel()

	s.HandleTransportEvent(TransportStateEvent{Connected: false, Cause: "read timeout"})
	if got := s.Status(); got != AccountConnecting {
		t.Fatalf("status after drop = %q, want connecting", got)
	}

	// The backoff timer must fire a fresh register attempt on its own.
	waitFor(t, "automatic re-register", func() bool {
		return eng.commandCount("register") >= 2
	})

	s.HandleRegistrationEvent(RegistrationStateEvent{State: RegStateRegistered})

	// The observed sequence never passes through failed.
	got := collectStates(ch, 2, time.Second)
	for _, st := range got {
		if st.Status == AccountFailed {
			t.Fatalf("auto-reconnect passed through failed: %v", got)
		}
	}
	if got[len(got)-1].Status != AccountRegistered {
		t.Errorf("final status = %q, want registered", got[len(got)-1].Status)
	}
}

func TestAccountSession_ReconnectRetriesOnFailure(t *testing.T) {
	eng := newFakeEngine()
	s := NewAccountSession(eng, testBounds(), testLogger())
	defer s.Close()

	if err := s.Login(testAccount()); err != nil {
		t.Fatalf("Login() error: %v", err)
	}
	s.HandleRegistrationEvent(RegistrationStateEvent{State: RegStateRegistered})

	// Every reconnect attempt fails synchronously; the session must keep
	// retrying in Connecting instead of transitioning to Failed.
	eng.mu.Lock()
	eng.registerErr = errors.New("connection refused")
	eng.mu.Unlock()

	s.HandleTransportEvent(TransportStateEvent{Connected: false, Cause: "connection reset"})

	waitFor(t, "multiple retry attempts", func() bool {
		return eng.commandCount("register") >= 3
	})
	if got := s.Status(); got != AccountConnecting {
		t.Errorf("status during retries = %q, want connecting", got)
	}
}

func TestAccountSession_ReconnectSurvivesMilestoneFailure(t *testing.T) {
	eng := newFakeEngine()
	s := NewAccountSession(eng, testBounds(), testLogger())
	defer s.Close()

	// The real engine reports transport and registering milestones before a
	// register attempt fails, which moves the session past Connecting. Two
	// reconnect attempts fail that way, the third succeeds; the backoff
	// timer must keep dispatching throughout.
	eng.registerHook = func(attempt int) error {
		if attempt == 1 {
			return nil
		}
		s.HandleRegistrationEvent(RegistrationStateEvent{State: RegStateConnected})
		s.HandleRegistrationEvent(RegistrationStateEvent{State: RegStateRegistering})
		if attempt < 4 {
			s.HandleRegistrationEvent(RegistrationStateEvent{
				State: RegStateFailed, Cause: "408 request timeout",
			})
			return nil
		}
		s.HandleRegistrationEvent(RegistrationStateEvent{State: RegStateRegistered})
		return nil
	}

	if err := s.Login(testAccount()); err != nil {
		t.Fatalf("Login() error: %v", err)
	}
	s.HandleRegistrationEvent(RegistrationStateEvent{State: RegStateRegistered})

	ch, cancel := s.Subscribe()
	defer cancel()

	s.HandleTransportEvent(TransportStateEvent{Connected: false, Cause: "read timeout"})

	waitFor(t, "reconnect after failed attempts", func() bool {
		return s.Status() == AccountRegistered
	})
	if n := eng.commandCount("register"); n < 4 {
		t.Errorf("register attempted %d times, want at least 4", n)
	}

	// The churn through the failed attempts never surfaces as Failed.
	for _, st := range collectStates(ch, 16, 200*time.Millisecond) {
		if st.Status == AccountFailed {
			t.Fatalf("auto-reconnect surfaced failed state")
		}
	}
}

func TestAccountSession_ForceReconnect(t *testing.T) {
	eng := newFakeEngine()
	s := NewAccountSession(eng, testBounds(), testLogger())
	defer s.Close()

	// No previous login to reuse.
	err := s.ForceReconnect()
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("ForceReconnect() without login error = %v, want ValidationError", err)
	}

	if err := s.Login(testAccount()); err != nil {
		t.Fatalf("Login() error: %v", err)
	}
	s.HandleRegistrationEvent(RegistrationStateEvent{
		State: RegStateFailed, Cause: "407 rejected",
	})
	waitFor(t, "failed", func() bool { return s.Status() == AccountFailed })

	if err := s.ForceReconnect(); err != nil {
		t.Fatalf("ForceReconnect() from failed error: %v", err)
	}
	if got := s.Status(); got != AccountConnecting {
		t.Errorf("status = %q, want connecting", got)
	}

	// While active it is a reported no-op.
	if err := s.ForceReconnect(); err != nil {
		t.Errorf("ForceReconnect() while active error = %v, want nil", err)
	}
}
