package engine

import (
	"context"
	"fmt"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/dialcore/dialcore/internal/media"
	"github.com/dialcore/dialcore/internal/session"
)

// Answer sends 200 OK with an SDP answer for a ringing inbound call and
// establishes the dialog.
func (e *Engine) Answer(ctx context.Context, callID string) error {
	d, err := e.lookupDialog("answer", callID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if d.direction != session.DirectionIncoming || d.established {
		e.mu.Unlock()
		return fmt.Errorf("answer: call %s is not an unanswered inbound call", callID)
	}
	account := e.account
	contactUser := ""
	if account != nil {
		contactUser = account.Username
	}
	offer := d.offer
	e.mu.Unlock()

	res := sip.NewResponseFromRequest(d.inviteReq, 200, "OK", offer.Marshal())
	if to := res.To(); to != nil {
		to.Params.Add("tag", d.localTag)
	}
	res.AppendHeader(sip.NewHeader("Contact", fmt.Sprintf("<sip:%s@%s>", contactUser, e.ua.Hostname())))
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))

	if err := d.inviteTx.Respond(res); err != nil {
		return fmt.Errorf("answering call %s: %w", callID, err)
	}

	e.mu.Lock()
	d.established = true
	if to := res.To(); to != nil {
		d.fromValue = to.Value()
	}
	if from := d.inviteReq.From(); from != nil {
		d.toValue = from.Value()
	}
	if contact := d.inviteReq.Contact(); contact != nil {
		d.remoteTarget = contact.Address.Clone()
	} else if from := d.inviteReq.From(); from != nil {
		d.remoteTarget = from.Address.Clone()
	}
	e.mu.Unlock()

	e.logger.Info("inbound call answered", "call_id", callID)
	e.emit(session.CallStateEvent{CallID: callID, State: session.CallEventConnected})
	return nil
}

// Reject declines a ringing inbound call with 603 Decline.
func (e *Engine) Reject(ctx context.Context, callID string) error {
	d, err := e.lookupDialog("reject", callID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	inbound := d.direction == session.DirectionIncoming && !d.established
	e.mu.Unlock()
	if !inbound {
		return fmt.Errorf("reject: call %s is not an unanswered inbound call", callID)
	}

	res := sip.NewResponseFromRequest(d.inviteReq, 603, "Decline", nil)
	if to := res.To(); to != nil {
		to.Params.Add("tag", d.localTag)
	}
	if err := d.inviteTx.Respond(res); err != nil {
		return fmt.Errorf("rejecting call %s: %w", callID, err)
	}

	e.removeDialog(callID)
	e.logger.Info("inbound call rejected", "call_id", callID)
	e.emit(session.CallStateEvent{CallID: callID, State: session.CallEventEnded, Cause: "rejected"})
	return nil
}

// End terminates a call in any phase: a pending outbound INVITE is
// cancelled, an unanswered inbound call is declined, an established dialog
// gets a BYE. The ended event is always emitted so the session can finish.
func (e *Engine) End(ctx context.Context, callID string) error {
	d, err := e.lookupDialog("end", callID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	established := d.established
	cancelDial := d.cancelDial
	var bye *sip.Request
	if established {
		bye = d.newInDialogRequest(sip.BYE)
	}
	e.mu.Unlock()

	if !established {
		if d.direction == session.DirectionOutgoing {
			// The dial loop sends CANCEL and reports the end.
			if cancelDial != nil {
				cancelDial()
			}
			return nil
		}

		res := sip.NewResponseFromRequest(d.inviteReq, 603, "Decline", nil)
		if to := res.To(); to != nil {
			to.Params.Add("tag", d.localTag)
		}
		if err := d.inviteTx.Respond(res); err != nil {
			e.logger.Warn("failed to decline inbound call", "call_id", callID, "error", err)
		}
		e.removeDialog(callID)
		e.emit(session.CallStateEvent{CallID: callID, State: session.CallEventEnded})
		return nil
	}

	// BYE is best effort: the dialog is gone locally either way.
	tx, err := e.client.TransactionRequest(ctx, bye, sipgo.ClientRequestAddVia)
	if err != nil {
		e.logger.Warn("failed to send bye", "call_id", callID, "error", err)
	} else {
		if _, err := getResponse(ctx, tx); err != nil {
			e.logger.Warn("no response to bye", "call_id", callID, "error", err)
		}
		tx.Terminate()
	}

	e.removeDialog(callID)
	e.logger.Info("call ended", "call_id", callID)
	e.emit(session.CallStateEvent{CallID: callID, State: session.CallEventEnded})
	return nil
}

// Hold sends a re-INVITE with a sendonly offer.
func (e *Engine) Hold(ctx context.Context, callID string) error {
	return e.reinvite(ctx, "hold", callID, media.DirectionSendOnly, true)
}

// Unhold sends a re-INVITE restoring the sendrecv offer.
func (e *Engine) Unhold(ctx context.Context, callID string) error {
	return e.reinvite(ctx, "unhold", callID, media.DirectionSendRecv, false)
}

// reinvite renegotiates the media direction inside an established dialog.
func (e *Engine) reinvite(ctx context.Context, op, callID, direction string, hold bool) error {
	d, err := e.lookupDialog(op, callID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if !d.established {
		e.mu.Unlock()
		return fmt.Errorf("%s: call %s is not established", op, callID)
	}
	account := e.account
	contactUser := ""
	if account != nil {
		contactUser = account.Username
	}
	offer := d.offer.WithDirection(direction)
	d.offer = offer
	req := d.newInDialogRequest(sip.INVITE)
	e.mu.Unlock()

	req.AppendHeader(sip.NewHeader("Contact", fmt.Sprintf("<sip:%s@%s>", contactUser, e.ua.Hostname())))
	req.SetBody(offer.Marshal())
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))

	tx, err := e.client.TransactionRequest(ctx, req, sipgo.ClientRequestAddVia)
	if err != nil {
		return fmt.Errorf("sending %s re-invite: %w", op, err)
	}
	defer tx.Terminate()

	res, err := e.finalResponse(ctx, tx)
	if err != nil {
		return fmt.Errorf("waiting for %s response: %w", op, err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("%s rejected with status %d %s", op, res.StatusCode, res.Reason)
	}

	ack := buildACKFor2xx(req, res)
	if err := e.client.WriteRequest(ack); err != nil {
		e.logger.Warn("failed to ack re-invite", "call_id", callID, "error", err)
	}

	e.mu.Lock()
	d.onHold = hold
	e.mu.Unlock()

	e.logger.Info("call hold state changed", "call_id", callID, "on_hold", hold)
	return nil
}

// SendDTMF delivers a digit as a SIP INFO application/dtmf-relay request.
func (e *Engine) SendDTMF(ctx context.Context, callID string, digit rune) error {
	d, err := e.lookupDialog("send-dtmf", callID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if !d.established {
		e.mu.Unlock()
		return fmt.Errorf("send-dtmf: call %s is not established", callID)
	}
	req := d.newInDialogRequest(sip.INFO)
	e.mu.Unlock()

	req.SetBody(media.FormatDTMFRelay(digit, 160))
	req.AppendHeader(sip.NewHeader("Content-Type", "application/dtmf-relay"))

	tx, err := e.client.TransactionRequest(ctx, req, sipgo.ClientRequestAddVia)
	if err != nil {
		return fmt.Errorf("sending dtmf info: %w", err)
	}
	defer tx.Terminate()

	res, err := e.finalResponse(ctx, tx)
	if err != nil {
		return fmt.Errorf("waiting for dtmf response: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("dtmf rejected with status %d %s", res.StatusCode, res.Reason)
	}

	e.logger.Debug("dtmf sent", "call_id", callID, "signal", string(digit))
	return nil
}

// SetMuted records the microphone state for the call. Mute is a local
// capture decision; no signaling is involved.
func (e *Engine) SetMuted(ctx context.Context, callID string, muted bool) error {
	d, err := e.lookupDialog("set-muted", callID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	d.muted = muted
	e.mu.Unlock()
	e.logger.Debug("mute changed", "call_id", callID, "muted", muted)
	return nil
}

// SetSpeaker records the audio output route for the call. Local playback
// only; no signaling is involved.
func (e *Engine) SetSpeaker(ctx context.Context, callID string, speaker bool) error {
	d, err := e.lookupDialog("set-speaker", callID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	d.speaker = speaker
	e.mu.Unlock()
	e.logger.Debug("speaker changed", "call_id", callID, "speaker", speaker)
	return nil
}

// finalResponse waits past provisional responses for a final one.
func (e *Engine) finalResponse(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	for {
		res, err := getResponse(ctx, tx)
		if err != nil {
			return nil, err
		}
		if res.StatusCode >= 200 {
			return res, nil
		}
	}
}
