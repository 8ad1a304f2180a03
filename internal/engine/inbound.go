package engine

import (
	"github.com/emiago/sipgo/sip"

	"github.com/dialcore/dialcore/internal/media"
	"github.com/dialcore/dialcore/internal/session"
)

// handleInvite processes an inbound INVITE: a dialog is tracked, the caller
// hears ringing and the session layer gets an invited event. Answer and
// Reject later complete or decline the transaction.
func (e *Engine) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	cid := req.CallID()
	from := req.From()
	if cid == nil || from == nil {
		e.respondError(req, tx, 400, "Bad Request")
		return
	}
	callID := cid.Value()

	e.mu.Lock()
	if _, exists := e.dialogs[callID]; exists {
		// INVITE retransmission; the transaction layer absorbs it.
		e.mu.Unlock()
		return
	}
	d := &dialog{
		callID:    callID,
		direction: session.DirectionIncoming,
		transport: req.Transport(),
		inviteReq: req,
		inviteTx:  tx,
		localTag:  sip.GenerateTagN(16),
		offer:     media.NewOffer(e.ua.Hostname(), e.cfg.RTPPort),
	}
	e.dialogs[callID] = d
	e.mu.Unlock()

	ringing := sip.NewResponseFromRequest(req, 180, "Ringing", nil)
	if to := ringing.To(); to != nil {
		to.Params.Add("tag", d.localTag)
	}
	if err := tx.Respond(ringing); err != nil {
		e.logger.Error("failed to send ringing", "call_id", callID, "error", err)
	}

	e.logger.Info("inbound invite",
		"call_id", callID,
		"from", from.Address.String(),
		"source", req.Source(),
	)

	e.emit(session.CallInvitedEvent{
		CallID:      callID,
		RemoteURI:   from.Address.String(),
		DisplayName: from.DisplayName,
	})
}

// handleBye tears down an established dialog on the remote party's request.
func (e *Engine) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}

	e.mu.Lock()
	_, known := e.dialogs[callID]
	delete(e.dialogs, callID)
	e.mu.Unlock()

	if !known {
		e.respondError(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		e.logger.Error("failed to respond to bye", "call_id", callID, "error", err)
	}

	e.logger.Info("remote hangup", "call_id", callID)
	e.emit(session.CallStateEvent{CallID: callID, State: session.CallEventEnded})
}

// handleCancel aborts a still-ringing inbound call: 200 to the CANCEL,
// 487 to the original INVITE.
func (e *Engine) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}

	e.mu.Lock()
	d, known := e.dialogs[callID]
	if known && d.direction == session.DirectionIncoming && !d.established {
		delete(e.dialogs, callID)
	} else {
		d = nil
	}
	e.mu.Unlock()

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		e.logger.Error("failed to respond to cancel", "call_id", callID, "error", err)
	}

	if d == nil {
		return
	}

	terminated := sip.NewResponseFromRequest(d.inviteReq, 487, "Request Terminated", nil)
	if to := terminated.To(); to != nil {
		to.Params.Add("tag", d.localTag)
	}
	if err := d.inviteTx.Respond(terminated); err != nil {
		e.logger.Error("failed to terminate invite", "call_id", callID, "error", err)
	}

	e.logger.Info("inbound call cancelled by remote", "call_id", callID)
	e.emit(session.CallStateEvent{CallID: callID, State: session.CallEventEnded})
}

// handleAck confirms an answered inbound dialog. Per RFC 3261 §13.2.2.4 the
// ACK for a 2xx has no response; receipt is logged for correlation.
func (e *Engine) handleAck(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}
	e.logger.Debug("sip ack received",
		"call_id", callID,
		"source", req.Source(),
	)
}

// handleOptions responds to keepalive pings.
func (e *Engine) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, OPTIONS, INFO"))

	if err := tx.Respond(res); err != nil {
		e.logger.Error("failed to respond to options", "error", err)
	}
}

// handleInfo processes SIP INFO requests, detecting DTMF digits sent by the
// remote party as a fallback for endpoints without RFC 2833 telephone-event.
func (e *Engine) handleInfo(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}

	if ct := req.ContentType(); ct != nil {
		if info, err := media.ParseSIPInfoDTMF(ct.Value(), req.Body()); err == nil {
			e.logger.Info("dtmf received",
				"call_id", callID,
				"signal", info.Signal,
				"duration", info.Duration,
			)
		}
	}

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		e.logger.Error("failed to respond to info", "error", err)
	}
}

func (e *Engine) respondError(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		e.logger.Error("failed to send error response",
			"code", code,
			"error", err,
		)
	}
}
