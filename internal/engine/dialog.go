package engine

import (
	"fmt"

	"github.com/emiago/sipgo/sip"

	"github.com/dialcore/dialcore/internal/media"
	"github.com/dialcore/dialcore/internal/session"
)

// dialog holds the per-call SIP state the engine needs to issue in-dialog
// requests (BYE, re-INVITE, INFO) after establishment. All fields are
// guarded by the engine's mutex.
type dialog struct {
	callID    string
	direction session.Direction
	transport string

	// inviteReq is the INVITE that opened the dialog: the request we sent
	// for outbound calls, the request we received for inbound ones.
	inviteReq *sip.Request

	// inviteTx is the server transaction of an inbound INVITE, used to
	// respond 180/200/487/603. Nil for outbound calls.
	inviteTx sip.ServerTransaction

	// localTag is the To tag we generate as UAS. Empty for outbound calls.
	localTag string

	// cancelDial aborts an outbound INVITE that has not been answered yet.
	cancelDial func()

	// Dialog route set, populated at establishment.
	established  bool
	fromValue    string // From header value for in-dialog requests (local party)
	toValue      string // To header value for in-dialog requests (remote party)
	remoteTarget *sip.Uri
	cseq         uint32

	// offer is the last SDP offer we sent, re-used with a bumped version
	// for hold/resume re-INVITEs.
	offer *media.Offer

	onHold  bool
	muted   bool
	speaker bool
}

// nextCSeq returns the next local sequence number for an in-dialog request.
// Caller holds the engine mutex.
func (d *dialog) nextCSeq() uint32 {
	d.cseq++
	return d.cseq
}

// newInDialogRequest builds a request inside the established dialog:
// Request-URI from the remote target, From/To with the dialog tags, same
// Call-ID, next local CSeq. Caller holds the engine mutex.
func (d *dialog) newInDialogRequest(method sip.RequestMethod) *sip.Request {
	req := sip.NewRequest(method, *d.remoteTarget.Clone())
	req.SetTransport(d.transport)

	req.AppendHeader(sip.NewHeader("From", d.fromValue))
	req.AppendHeader(sip.NewHeader("To", d.toValue))
	req.AppendHeader(sip.NewHeader("Call-ID", d.callID))
	req.AppendHeader(sip.NewHeader("CSeq", fmt.Sprintf("%d %s", d.nextCSeq(), method)))

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	return req
}

// lookupDialog returns the dialog for a Call-ID, or an error naming the
// operation that missed.
func (e *Engine) lookupDialog(op, callID string) (*dialog, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.dialogs[callID]
	if !ok {
		return nil, fmt.Errorf("%s: no call with id %s", op, callID)
	}
	return d, nil
}

// removeDialog drops the dialog from the map if still present.
func (e *Engine) removeDialog(callID string) {
	e.mu.Lock()
	delete(e.dialogs, callID)
	e.mu.Unlock()
}

// buildACKFor2xx creates an ACK request for a 2xx response to an INVITE.
// Per RFC 3261 §13.2.2.4, the ACK for a 2xx is generated by the UAC core
// (not the transaction layer). The Request-URI is taken from the Contact
// header in the response if present, otherwise from the original INVITE.
func buildACKFor2xx(inviteReq *sip.Request, inviteRes *sip.Response) *sip.Request {
	recipient := &inviteReq.Recipient
	if contact := inviteRes.Contact(); contact != nil {
		recipient = &contact.Address
	}

	ack := sip.NewRequest(sip.ACK, *recipient.Clone())
	ack.SipVersion = inviteReq.SipVersion

	if len(inviteReq.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", inviteReq, ack)
	}

	// From: same as original INVITE.
	if h := inviteReq.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}

	// To: from the response (includes the remote tag).
	if h := inviteRes.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}

	if h := inviteReq.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}

	// CSeq: same sequence number, method changed to ACK.
	if h := inviteReq.CSeq(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := ack.CSeq(); cseq != nil {
		cseq.MethodName = sip.ACK
	}

	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	if h := inviteReq.Contact(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}

	ack.SetTransport(inviteReq.Transport())
	ack.SetSource(inviteReq.Source())

	return ack
}
