package session

import (
	"fmt"
	"time"
)

// AccountStatus represents the registration lifecycle state of a SIP account.
type AccountStatus string

const (
	AccountDisconnected AccountStatus = "disconnected"
	AccountConnecting   AccountStatus = "connecting"
	AccountConnected    AccountStatus = "connected"
	AccountRegistering  AccountStatus = "registering"
	AccountRegistered   AccountStatus = "registered"
	AccountFailed       AccountStatus = "failed"
)

// Account is an immutable description of a configured SIP identity.
// It is constructed whole; transition logic never mutates a shared copy.
type Account struct {
	// ID is an opaque, stable identifier for this account.
	ID string

	// Username is the SIP account user part.
	Username string

	// Password is the registration credential. Never logged.
	Password string

	// Domain is the SIP registrar domain.
	Domain string

	// TransportURL is the websocket/transport URL of the server.
	TransportURL string

	// DisplayName is an optional caller display name.
	DisplayName string

	// Headers are optional extra transport headers, order and case preserved.
	Headers []Header

	// IsDefault marks the account to use when none is specified.
	IsDefault bool
}

// Header is a single extra transport header.
type Header struct {
	Name  string
	Value string
}

// SIPURI returns the canonical address of record for this account.
// Derived, never stored.
func (a Account) SIPURI() string {
	return fmt.Sprintf("sip:%s@%s", a.Username, a.Domain)
}

// AccountState is an immutable snapshot of the account session published on
// its status stream.
type AccountState struct {
	// Account identifies the account the state belongs to. Zero value when
	// no login has ever been issued.
	AccountID string

	// Status is the current registration status.
	Status AccountStatus

	// Cause describes why the account entered Failed. Empty otherwise.
	Cause string
}

// Direction distinguishes who initiated a call.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// CallStatus represents the lifecycle state of a call.
type CallStatus string

const (
	// CallConnecting means a local action was taken with no network
	// confirmation yet. First state of every outgoing call.
	CallConnecting CallStatus = "connecting"

	// CallRinging means the remote party was notified (outgoing) or the
	// local phone is ringing (incoming). First state of every incoming call.
	CallRinging CallStatus = "ringing"

	// CallConnected means media is established.
	CallConnected CallStatus = "connected"

	// CallDisconnected means teardown is in progress.
	CallDisconnected CallStatus = "disconnected"

	// CallEnded is the terminal state of a normal termination.
	CallEnded CallStatus = "ended"

	// CallFailed is the terminal state of a non-normal termination and
	// always carries a cause.
	CallFailed CallStatus = "failed"
)

// IsTerminal reports whether no further transition is accepted from s.
func (s CallStatus) IsTerminal() bool {
	return s == CallEnded || s == CallFailed
}

// Call is an immutable snapshot of one signaling session, published on the
// call's status stream and used to build history records.
type Call struct {
	// ID is unique across all simultaneously open call sessions.
	ID string

	// RemoteURI is the SIP URI of the remote party.
	RemoteURI string

	// DisplayName is the remote party's display name, when known.
	DisplayName string

	// Direction is who initiated the call.
	Direction Direction

	// Status is the current lifecycle state.
	Status CallStatus

	// Cause describes a Failed termination. Immutable once set.
	Cause string

	// StartTime is when the session was created.
	StartTime time.Time

	// EndTime is when the call reached a terminal state, nil before that.
	EndTime *time.Time

	// Muted and Speaker are local media control flags. They do not affect
	// the lifecycle state.
	Muted   bool
	Speaker bool

	// OnHold reports whether the call is currently held.
	OnHold bool
}

// Duration returns end minus start once both are known, zero otherwise.
func (c Call) Duration() time.Duration {
	if c.EndTime == nil {
		return 0
	}
	return c.EndTime.Sub(c.StartTime)
}

// CallRecord is the immutable history snapshot persisted when a call
// reaches a terminal state.
type CallRecord struct {
	ID          int64
	CallID      string
	RemoteURI   string
	DisplayName string
	Direction   Direction
	Status      CallStatus
	Cause       string
	StartTime   time.Time
	EndTime     time.Time
	Duration    time.Duration
}
