package session

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// fakeEngine records commands and lets tests inject outcomes as events,
// the same contract the real protocol engine follows.
type fakeEngine struct {
	mu    sync.Mutex
	calls []string

	registerErr   error
	unregisterErr error
	dialErr       error

	// registerHook, when set, replaces registerErr and runs on the dispatch
	// goroutine with the 1-based attempt number, so a test can replay the
	// milestone events the real engine reports during a register attempt.
	registerHook func(attempt int) error

	events chan EngineEvent
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{events: make(chan EngineEvent, 16)}
}

func (f *fakeEngine) record(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op)
}

func (f *fakeEngine) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeEngine) commandCount(op string) int {
	n := 0
	for _, c := range f.commands() {
		if c == op {
			n++
		}
	}
	return n
}

func (f *fakeEngine) Register(ctx context.Context, account Account) error {
	f.mu.Lock()
	f.calls = append(f.calls, "register")
	attempt := 0
	for _, c := range f.calls {
		if c == "register" {
			attempt++
		}
	}
	err := f.registerErr
	hook := f.registerHook
	f.mu.Unlock()

	if hook != nil {
		// Outside the fake's lock: the hook delivers events back into the
		// session, which takes the session lock.
		return hook(attempt)
	}
	return err
}

func (f *fakeEngine) Unregister(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "unregister")
	return f.unregisterErr
}

func (f *fakeEngine) Dial(ctx context.Context, callID, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "dial "+callID)
	return f.dialErr
}

func (f *fakeEngine) Answer(ctx context.Context, callID string) error {
	f.record("answer")
	return nil
}

func (f *fakeEngine) Reject(ctx context.Context, callID string) error {
	f.record("reject")
	return nil
}

func (f *fakeEngine) End(ctx context.Context, callID string) error {
	f.record("end")
	return nil
}

func (f *fakeEngine) Hold(ctx context.Context, callID string) error {
	f.record("hold")
	return nil
}

func (f *fakeEngine) Unhold(ctx context.Context, callID string) error {
	f.record("unhold")
	return nil
}

func (f *fakeEngine) SendDTMF(ctx context.Context, callID string, digit rune) error {
	f.record("dtmf " + string(digit))
	return nil
}

func (f *fakeEngine) SetMuted(ctx context.Context, callID string, muted bool) error {
	f.record("mute")
	return nil
}

func (f *fakeEngine) SetSpeaker(ctx context.Context, callID string, speaker bool) error {
	f.record("speaker")
	return nil
}

func (f *fakeEngine) Events() <-chan EngineEvent { return f.events }

func (f *fakeEngine) Close() error {
	close(f.events)
	return nil
}

// fakeGateway counts persisted records.
type fakeGateway struct {
	mu      sync.Mutex
	records []*CallRecord
	saveErr error
}

func (g *fakeGateway) SaveAccount(ctx context.Context, account Account) error { return nil }

func (g *fakeGateway) StoredAccount(ctx context.Context) (*Account, error) { return nil, nil }

func (g *fakeGateway) DeleteAccount(ctx context.Context, id string) error { return nil }

func (g *fakeGateway) SaveCallRecord(ctx context.Context, record *CallRecord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.saveErr != nil {
		return g.saveErr
	}
	g.records = append(g.records, record)
	return nil
}

func (g *fakeGateway) savedRecords() []*CallRecord {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*CallRecord, len(g.records))
	copy(out, g.records)
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testAccount() Account {
	return Account{
		ID:       "acc-1",
		Username: "alice",
		Password: "secret",
		Domain:   "example.com",
	}
}

// testBounds keeps timer-driven tests fast.
func testBounds() Bounds {
	return Bounds{
		LoginTimeout:  200 * time.Millisecond,
		LogoutTimeout: 100 * time.Millisecond,
		ReconnectBase: 20 * time.Millisecond,
		ReconnectMax:  100 * time.Millisecond,
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// collectStates drains ch into a slice until it closes or the deadline
// passes, returning what was observed.
func collectStates[T any](ch <-chan T, n int, timeout time.Duration) []T {
	var out []T
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case v, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, v)
		case <-deadline:
			return out
		}
	}
	return out
}
