package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"

	"github.com/dialcore/dialcore/internal/media"
	"github.com/dialcore/dialcore/internal/session"
)

// dialTimeout bounds the whole outbound INVITE exchange, from send to
// final response. Long enough for a full ring cycle at the remote end.
const dialTimeout = 60 * time.Second

// Dial sends an INVITE for a new outgoing call. The supplied callID becomes
// the SIP Call-ID so every later event correlates with the session that
// commanded it. Dial returns once the INVITE is on the wire; the outcome
// arrives as call state events.
func (e *Engine) Dial(ctx context.Context, callID, target string) error {
	e.mu.Lock()
	account := e.account
	if _, exists := e.dialogs[callID]; exists {
		e.mu.Unlock()
		return fmt.Errorf("dial: call id %s already in use", callID)
	}
	e.mu.Unlock()

	if account == nil {
		return fmt.Errorf("dial: no account registered")
	}

	targetURI := normalizeTarget(target, account.Domain)
	var recipient sip.Uri
	if err := sip.ParseUri(targetURI, &recipient); err != nil {
		return fmt.Errorf("parsing target uri: %w", err)
	}

	offer := media.NewOffer(e.ua.Hostname(), e.cfg.RTPPort)

	req := sip.NewRequest(sip.INVITE, recipient)
	req.SetTransport(transportFor(*account))

	from := fmt.Sprintf("<%s>;tag=%s", account.SIPURI(), sip.GenerateTagN(16))
	if account.DisplayName != "" {
		from = fmt.Sprintf("%q %s", account.DisplayName, from)
	}
	req.AppendHeader(sip.NewHeader("From", from))
	req.AppendHeader(sip.NewHeader("To", fmt.Sprintf("<%s>", targetURI)))
	req.AppendHeader(sip.NewHeader("Call-ID", callID))
	req.AppendHeader(sip.NewHeader("Contact", fmt.Sprintf("<sip:%s@%s>", account.Username, e.ua.Hostname())))
	for _, h := range account.Headers {
		req.AppendHeader(sip.NewHeader(h.Name, h.Value))
	}
	req.SetBody(offer.Marshal())
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))

	// The dial runs past this command's deadline: it is bounded by its own
	// context, cancellable through End while the call is still ringing and
	// by engine shutdown.
	dialCtx, cancelDial := context.WithTimeout(e.baseCtx, dialTimeout)

	tx, err := e.client.TransactionRequest(dialCtx, req, sipgo.ClientRequestBuild)
	if err != nil {
		cancelDial()
		return fmt.Errorf("sending invite: %w", err)
	}

	d := &dialog{
		callID:     callID,
		direction:  session.DirectionOutgoing,
		transport:  req.Transport(),
		inviteReq:  req,
		cancelDial: cancelDial,
		offer:      offer,
	}
	e.mu.Lock()
	e.dialogs[callID] = d
	e.mu.Unlock()

	e.logger.Info("outbound invite sent",
		"call_id", callID,
		"target", targetURI,
	)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancelDial()
		e.dialLoop(dialCtx, d, account, req, tx)
	}()
	return nil
}

// dialLoop consumes responses to an outbound INVITE until a final outcome:
// provisional responses become ringing events, 401/407 triggers one digest
// retry, a 2xx is ACKed and establishes the dialog, anything else fails or
// ends the call.
func (e *Engine) dialLoop(ctx context.Context, d *dialog, account *session.Account, req *sip.Request, tx sip.ClientTransaction) {
	ringingReported := false
	authRetried := false

	for {
		var res *sip.Response
		select {
		case <-ctx.Done():
			// Cancelled locally (End while ringing, shutdown) or rang out.
			e.sendCancel(req)
			tx.Terminate()
			e.removeDialog(d.callID)
			e.emit(dialAbortEvent(d.callID, ctx.Err()))
			return
		case <-tx.Done():
			tx.Terminate()
			cause := "transaction ended without final response"
			if txErr := tx.Err(); txErr != nil {
				cause = txErr.Error()
			}
			e.removeDialog(d.callID)
			e.emit(session.CallStateEvent{CallID: d.callID, State: session.CallEventFailed, Cause: cause})
			return
		case res = <-tx.Responses():
		}

		e.logger.Debug("outbound invite response",
			"call_id", d.callID,
			"status", res.StatusCode,
			"reason", res.Reason,
		)

		switch {
		case res.StatusCode == 100:
			// 100 Trying — absorb.
			continue

		case res.StatusCode == 180 || res.StatusCode == 183:
			if !ringingReported {
				ringingReported = true
				e.emit(session.CallStateEvent{CallID: d.callID, State: session.CallEventRinging})
			}

		case res.StatusCode == 401 || res.StatusCode == 407:
			tx.Terminate()
			if authRetried {
				e.removeDialog(d.callID)
				e.emit(session.CallStateEvent{
					CallID: d.callID,
					State:  session.CallEventFailed,
					Cause:  "authentication rejected",
				})
				return
			}
			authRetried = true

			authReq, authTx, err := e.resendWithAuth(ctx, account, req, res)
			if err != nil {
				e.removeDialog(d.callID)
				e.emit(session.CallStateEvent{
					CallID: d.callID,
					State:  session.CallEventFailed,
					Cause:  err.Error(),
				})
				return
			}
			req, tx = authReq, authTx

		case res.StatusCode >= 200 && res.StatusCode < 300:
			ack := buildACKFor2xx(req, res)
			if err := e.client.WriteRequest(ack); err != nil {
				e.logger.Error("failed to send ack",
					"call_id", d.callID,
					"error", err,
				)
			}
			tx.Terminate()

			e.mu.Lock()
			d.established = true
			d.cancelDial = nil
			if from := req.From(); from != nil {
				d.fromValue = from.Value()
			}
			if to := res.To(); to != nil {
				d.toValue = to.Value()
			}
			if contact := res.Contact(); contact != nil {
				d.remoteTarget = contact.Address.Clone()
			} else {
				d.remoteTarget = req.Recipient.Clone()
			}
			if cseq := req.CSeq(); cseq != nil {
				d.cseq = cseq.SeqNo
			}
			e.mu.Unlock()

			e.logger.Info("outbound call answered", "call_id", d.callID)
			e.emit(session.CallStateEvent{CallID: d.callID, State: session.CallEventConnected})
			return

		case res.StatusCode >= 300:
			tx.Terminate()
			e.removeDialog(d.callID)
			if res.StatusCode == 487 {
				// Our own CANCEL coming back around.
				e.emit(session.CallStateEvent{CallID: d.callID, State: session.CallEventEnded})
				return
			}
			e.emit(session.CallStateEvent{
				CallID: d.callID,
				State:  session.CallEventFailed,
				Cause:  fmt.Sprintf("%d %s", res.StatusCode, res.Reason),
			})
			return
		}
	}
}

// resendWithAuth answers a 401/407 challenge by re-sending the INVITE with
// a digest authorization header.
func (e *Engine) resendWithAuth(ctx context.Context, account *session.Account, req *sip.Request, challengeRes *sip.Response) (*sip.Request, sip.ClientTransaction, error) {
	authHeader := "WWW-Authenticate"
	authzHeader := "Authorization"
	if challengeRes.StatusCode == 407 {
		authHeader = "Proxy-Authenticate"
		authzHeader = "Proxy-Authorization"
	}

	challenge := challengeRes.GetHeader(authHeader)
	if challenge == nil {
		return nil, nil, fmt.Errorf("received %d but no %s header", challengeRes.StatusCode, authHeader)
	}

	chal, err := digest.ParseChallenge(challenge.Value())
	if err != nil {
		return nil, nil, fmt.Errorf("parsing auth challenge: %w", err)
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: account.Username,
		Password: account.Password,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("computing digest: %w", err)
	}

	authReq := req.Clone()
	authReq.RemoveHeader("Via")
	authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))

	authTx, err := e.client.TransactionRequest(ctx, authReq,
		sipgo.ClientRequestIncreaseCSEQ,
		sipgo.ClientRequestAddVia,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("sending authenticated invite: %w", err)
	}
	return authReq, authTx, nil
}

// sendCancel aborts a pending INVITE transaction per RFC 3261 §9.1: same
// Request-URI, Call-ID, From, To and CSeq number, with the CANCEL method
// and the INVITE's top Via. Best effort.
func (e *Engine) sendCancel(inviteReq *sip.Request) {
	cancelReq := sip.NewRequest(sip.CANCEL, *inviteReq.Recipient.Clone())
	cancelReq.SetTransport(inviteReq.Transport())

	sip.CopyHeaders("Via", inviteReq, cancelReq)
	if h := inviteReq.From(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.To(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CSeq(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := cancelReq.CSeq(); cseq != nil {
		cseq.MethodName = sip.CANCEL
	}
	maxFwd := sip.MaxForwardsHeader(70)
	cancelReq.AppendHeader(&maxFwd)

	if err := e.client.WriteRequest(cancelReq); err != nil {
		e.logger.Warn("failed to send cancel", "error", err)
	}
}

// dialAbortEvent maps a cancelled dial context to its terminal event. A
// deadline expiry means the call rang out unanswered, which is a failure
// with a cause; anything else is a local abort and ends the call cleanly.
func dialAbortEvent(callID string, err error) session.CallStateEvent {
	if errors.Is(err, context.DeadlineExceeded) {
		return session.CallStateEvent{
			CallID: callID,
			State:  session.CallEventFailed,
			Cause:  "no-answer timeout",
		}
	}
	return session.CallStateEvent{CallID: callID, State: session.CallEventEnded}
}

// normalizeTarget completes a bare user or number into a full SIP URI
// against the account's domain.
func normalizeTarget(target, domain string) string {
	if strings.HasPrefix(target, "sip:") || strings.HasPrefix(target, "sips:") {
		return target
	}
	if strings.Contains(target, "@") {
		return "sip:" + target
	}
	return fmt.Sprintf("sip:%s@%s", target, domain)
}
