package session

import "context"

// RegistrationState is the coarse registration outcome reported by the
// protocol engine.
type RegistrationState string

const (
	RegStateConnecting   RegistrationState = "connecting"
	RegStateConnected    RegistrationState = "connected"
	RegStateRegistering  RegistrationState = "registering"
	RegStateRegistered   RegistrationState = "registered"
	RegStateUnregistered RegistrationState = "unregistered"
	RegStateFailed       RegistrationState = "failed"
)

// CallEventState is the call lifecycle change reported by the protocol engine.
type CallEventState string

const (
	CallEventRinging   CallEventState = "ringing"
	CallEventConnected CallEventState = "connected"
	CallEventEnded     CallEventState = "ended"
	CallEventFailed    CallEventState = "failed"
)

// EngineEvent is a raw protocol event emitted by the engine. Events are
// demultiplexed to sessions by the registry; unknown or late events are
// dropped there.
type EngineEvent interface {
	engineEvent()
}

// RegistrationStateEvent reports a change in the account registration state.
type RegistrationStateEvent struct {
	State RegistrationState
	Cause string
}

// CallInvitedEvent reports a new inbound call offer.
type CallInvitedEvent struct {
	CallID      string
	RemoteURI   string
	DisplayName string
}

// CallStateEvent reports a lifecycle change for an existing call.
type CallStateEvent struct {
	CallID string
	State  CallEventState
	Cause  string
}

// TransportStateEvent reports the signaling transport going up or down.
type TransportStateEvent struct {
	Connected bool
	Cause     string
}

func (RegistrationStateEvent) engineEvent() {}
func (CallInvitedEvent) engineEvent()       {}
func (CallStateEvent) engineEvent()         {}
func (TransportStateEvent) engineEvent()    {}

// ProtocolEngine is the abstract SIP/media engine the lifecycle manager
// drives. Commands are asynchronous: a nil return means the command was
// accepted, and the outcome arrives later as an EngineEvent. Engine-reported
// failures never surface as command errors to the application layer; they
// become terminal state transitions instead.
//
// For Dial the registry assigns the call id before the command is issued,
// so the application can track the call before the network call exists. The
// engine uses that id as its correlation id for all subsequent events.
type ProtocolEngine interface {
	Register(ctx context.Context, account Account) error
	Unregister(ctx context.Context) error

	Dial(ctx context.Context, callID, target string) error
	Answer(ctx context.Context, callID string) error
	Reject(ctx context.Context, callID string) error
	End(ctx context.Context, callID string) error
	Hold(ctx context.Context, callID string) error
	Unhold(ctx context.Context, callID string) error
	SendDTMF(ctx context.Context, callID string, digit rune) error
	SetMuted(ctx context.Context, callID string, muted bool) error
	SetSpeaker(ctx context.Context, callID string, speaker bool) error

	// Events delivers raw protocol events in arrival order. The channel is
	// closed when the engine shuts down.
	Events() <-chan EngineEvent

	Close() error
}

// StorageGateway persists accounts and call history. Implemented by
// internal/storage; consumed here so the lifecycle manager stays free of
// storage concerns.
type StorageGateway interface {
	SaveAccount(ctx context.Context, account Account) error
	StoredAccount(ctx context.Context) (*Account, error)
	DeleteAccount(ctx context.Context, id string) error
	SaveCallRecord(ctx context.Context, record *CallRecord) error
}
