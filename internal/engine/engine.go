// Package engine implements the SIP protocol engine behind the session
// layer. It wraps the sipgo stack: registration with digest auth, outbound
// and inbound INVITE handling, in-dialog requests (BYE, re-INVITE, INFO)
// and the raw event channel the session registry consumes.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/dialcore/dialcore/internal/session"
)

// Config holds the engine's listener settings.
type Config struct {
	// Hostname is the advertised SIP host (Contact, Via).
	Hostname string

	// Port is the local SIP listening port for UDP and TCP.
	Port int

	// RTPPort is the audio port advertised in SDP offers.
	RTPPort int
}

// Engine is the sipgo-backed implementation of session.ProtocolEngine.
// Commands validate and send synchronously; protocol outcomes arrive on the
// event channel, keyed by Call-ID.
type Engine struct {
	cfg    Config
	ua     *sipgo.UserAgent
	srv    *sipgo.Server
	client *sipgo.Client
	logger *slog.Logger

	// baseCtx bounds everything the engine spawns, dial loops included,
	// so Close never waits out a per-call timeout.
	baseCtx    context.Context
	baseCancel context.CancelFunc

	cancel context.CancelFunc
	wg     sync.WaitGroup

	events chan session.EngineEvent
	done   chan struct{}
	emitMu sync.RWMutex
	closed bool

	mu        sync.Mutex
	account   *session.Account
	regCancel context.CancelFunc // stops the registration refresh loop
	dialogs   map[string]*dialog // keyed by Call-ID
}

// New creates the engine with all SIP method handlers registered. Listeners
// are not started until Start.
func New(cfg Config, logger *slog.Logger) (*Engine, error) {
	l := logger.With("component", "engine")

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent("DialCore"),
		sipgo.WithUserAgentHostname(cfg.Hostname),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua,
		sipgo.WithServerLogger(l),
	)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	client, err := sipgo.NewClient(ua,
		sipgo.WithClientLogger(l),
	)
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	e := &Engine{
		cfg:     cfg,
		ua:      ua,
		srv:     srv,
		client:  client,
		logger:  l,
		events:  make(chan session.EngineEvent, 64),
		done:    make(chan struct{}),
		dialogs: make(map[string]*dialog),
	}
	e.baseCtx, e.baseCancel = context.WithCancel(context.Background())

	srv.OnInvite(e.handleInvite)
	srv.OnBye(e.handleBye)
	srv.OnCancel(e.handleCancel)
	srv.OnAck(e.handleAck)
	srv.OnOptions(e.handleOptions)
	srv.OnInfo(e.handleInfo)

	return e, nil
}

// Start begins listening on the configured UDP and TCP transports. It
// returns immediately; listeners run until the context is cancelled or
// Close is called.
func (e *Engine) Start(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)

	addr := fmt.Sprintf("0.0.0.0:%d", e.cfg.Port)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.logger.Info("sip udp listener starting", "addr", addr)
		if err := e.srv.ListenAndServe(ctx, "udp", addr); err != nil {
			e.logger.Error("sip udp listener stopped", "error", err)
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.logger.Info("sip tcp listener starting", "addr", addr)
		if err := e.srv.ListenAndServe(ctx, "tcp", addr); err != nil {
			e.logger.Error("sip tcp listener stopped", "error", err)
		}
	}()

	return nil
}

// Events delivers raw protocol events in arrival order. The channel is
// closed by Close.
func (e *Engine) Events() <-chan session.EngineEvent {
	return e.events
}

// Close stops the refresh loop, the listeners and the event channel.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.regCancel != nil {
		e.regCancel()
		e.regCancel = nil
	}
	e.mu.Unlock()

	e.baseCancel()
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()

	e.client.Close()
	e.srv.Close()
	e.ua.Close()

	// Unblock in-flight emitters, then close the channel once no emitter
	// can be inside the send.
	close(e.done)
	e.emitMu.Lock()
	e.closed = true
	e.emitMu.Unlock()
	close(e.events)

	e.logger.Info("engine stopped")
	return nil
}

// emit publishes an event unless the engine is shutting down.
func (e *Engine) emit(ev session.EngineEvent) {
	e.emitMu.RLock()
	defer e.emitMu.RUnlock()
	if e.closed {
		return
	}
	select {
	case e.events <- ev:
	case <-e.done:
	}
}

// getResponse waits for the first response from a SIP client transaction.
func getResponse(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-tx.Done():
		return nil, fmt.Errorf("transaction terminated: %w", tx.Err())
	case res := <-tx.Responses():
		return res, nil
	}
}
