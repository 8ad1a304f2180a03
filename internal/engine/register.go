package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"

	"github.com/dialcore/dialcore/internal/session"
)

const (
	// defaultExpiry is the registration lifetime requested from the
	// registrar when it does not dictate one.
	defaultExpiry = 300

	// refreshTimeout bounds a single re-REGISTER inside the refresh loop.
	refreshTimeout = 10 * time.Second
)

// Register performs the initial registration for the account: it emits the
// transport and registering milestones, sends REGISTER with digest auth
// handling, and on success starts the background refresh loop. An error
// return means the registration did not complete; no refresh loop is left
// running.
func (e *Engine) Register(ctx context.Context, account session.Account) error {
	e.mu.Lock()
	acct := account
	e.account = &acct
	if e.regCancel != nil {
		e.regCancel()
		e.regCancel = nil
	}
	e.mu.Unlock()

	e.logger.Info("registering account",
		"account_id", account.ID,
		"aor", account.SIPURI(),
	)

	// The signaling socket is shared and already up once the listeners
	// run, so transport establishment reduces to resolving the registrar.
	e.emit(session.RegistrationStateEvent{State: session.RegStateConnected})
	e.emit(session.RegistrationStateEvent{State: session.RegStateRegistering})

	granted, err := e.sendRegister(ctx, account, defaultExpiry)
	if err != nil {
		return err
	}

	e.logger.Info("account registered",
		"account_id", account.ID,
		"expires_in", granted,
	)
	e.emit(session.RegistrationStateEvent{State: session.RegStateRegistered})

	refreshCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.regCancel = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.refreshLoop(refreshCtx, account, granted)
	}()
	return nil
}

// Unregister stops the refresh loop and sends a REGISTER with Expires: 0.
// On success the unregistered event is emitted; on error the caller decides
// what the silence means.
func (e *Engine) Unregister(ctx context.Context) error {
	e.mu.Lock()
	account := e.account
	if e.regCancel != nil {
		e.regCancel()
		e.regCancel = nil
	}
	e.mu.Unlock()

	if account == nil {
		e.emit(session.RegistrationStateEvent{State: session.RegStateUnregistered})
		return nil
	}

	if _, err := e.sendRegister(ctx, *account, 0); err != nil {
		return fmt.Errorf("unregistering: %w", err)
	}

	e.logger.Info("account unregistered", "account_id", account.ID)
	e.emit(session.RegistrationStateEvent{State: session.RegStateUnregistered})
	return nil
}

// refreshLoop re-registers before the granted expiry runs out. Uses 80% of
// the server-granted expiry as the refresh interval to account for network
// delays. A refresh failure stops the loop and reports transport loss; the
// session layer owns the reconnect schedule.
func (e *Engine) refreshLoop(ctx context.Context, account session.Account, granted int) {
	for {
		refreshInterval := time.Duration(float64(granted)*0.8) * time.Second

		select {
		case <-ctx.Done():
			return
		case <-time.After(refreshInterval):
			e.logger.Debug("re-registering account", "account_id", account.ID)
		}

		regCtx, cancel := context.WithTimeout(ctx, refreshTimeout)
		next, err := e.sendRegister(regCtx, account, defaultExpiry)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.logger.Warn("registration refresh failed",
				"account_id", account.ID,
				"error", err,
			)
			e.emit(session.TransportStateEvent{Connected: false, Cause: err.Error()})
			return
		}

		granted = next
		e.emit(session.RegistrationStateEvent{State: session.RegStateRegistered})
	}
}

// sendRegister sends a SIP REGISTER request with digest auth handling.
// On success it returns the server-granted expiry (from the 200 OK
// response). If the server does not include an expiry, the requested expiry
// is returned.
func (e *Engine) sendRegister(ctx context.Context, account session.Account, expiry int) (int, error) {
	recipientStr := "sip:" + account.Domain
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return 0, fmt.Errorf("parsing registrar uri: %w", err)
	}

	req := sip.NewRequest(sip.REGISTER, recipient)
	req.SetTransport(transportFor(account))

	// From and To carry the account's AOR; the registrar uses them to
	// identify which identity is registering.
	aor := fmt.Sprintf("<%s>", account.SIPURI())
	req.AppendHeader(sip.NewHeader("From", aor))
	req.AppendHeader(sip.NewHeader("To", aor))

	contactURI := fmt.Sprintf("<sip:%s@%s>", account.Username, e.ua.Hostname())
	req.AppendHeader(sip.NewHeader("Contact", contactURI))
	req.AppendHeader(sip.NewHeader("Expires", fmt.Sprintf("%d", expiry)))

	for _, h := range account.Headers {
		req.AppendHeader(sip.NewHeader(h.Name, h.Value))
	}

	tx, err := e.client.TransactionRequest(ctx, req, sipgo.ClientRequestRegisterBuild)
	if err != nil {
		return 0, fmt.Errorf("sending register: %w", err)
	}

	res, err := getResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		return 0, fmt.Errorf("waiting for register response: %w", err)
	}

	// Handle 401/407 digest authentication challenges.
	if res.StatusCode == 401 || res.StatusCode == 407 {
		authHeader := "WWW-Authenticate"
		authzHeader := "Authorization"
		if res.StatusCode == 407 {
			authHeader = "Proxy-Authenticate"
			authzHeader = "Proxy-Authorization"
		}

		challenge := res.GetHeader(authHeader)
		if challenge == nil {
			return 0, fmt.Errorf("received %d but no %s header", res.StatusCode, authHeader)
		}

		chal, err := digest.ParseChallenge(challenge.Value())
		if err != nil {
			return 0, fmt.Errorf("parsing auth challenge: %w", err)
		}

		cred, err := digest.Digest(chal, digest.Options{
			Method:   req.Method.String(),
			URI:      recipientStr,
			Username: account.Username,
			Password: account.Password,
		})
		if err != nil {
			return 0, fmt.Errorf("computing digest: %w", err)
		}

		authReq := req.Clone()
		authReq.RemoveHeader("Via")
		authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))

		tx2, err := e.client.TransactionRequest(ctx, authReq,
			sipgo.ClientRequestIncreaseCSEQ,
			sipgo.ClientRequestAddVia,
		)
		if err != nil {
			return 0, fmt.Errorf("sending authenticated register: %w", err)
		}

		res, err = getResponse(ctx, tx2)
		tx2.Terminate()
		if err != nil {
			return 0, fmt.Errorf("waiting for authenticated register response: %w", err)
		}
	}

	if res.StatusCode != 200 {
		return 0, fmt.Errorf("register failed with status %d %s", res.StatusCode, res.Reason)
	}

	// Parse the server-granted expiry from the 200 OK. Per RFC 3261
	// §10.2.4 the registrar may shorten the requested expiry. Contact
	// header expires param wins over the Expires header.
	granted := expiry
	if contactHdr := res.GetHeader("Contact"); contactHdr != nil {
		if parsed := parseContactExpires(contactHdr.Value()); parsed > 0 {
			granted = parsed
		}
	} else if expiresHdr := res.GetHeader("Expires"); expiresHdr != nil {
		if parsed := parseExpiresHeader(expiresHdr.Value()); parsed > 0 {
			granted = parsed
		}
	}

	return granted, nil
}

// transportFor maps the account's transport URL scheme to a SIP transport.
// Defaults to UDP when no scheme is recognized.
func transportFor(account session.Account) string {
	url := strings.ToLower(account.TransportURL)
	switch {
	case strings.HasPrefix(url, "tcp:"):
		return "TCP"
	case strings.HasPrefix(url, "tls:"), strings.HasPrefix(url, "sips:"):
		return "TLS"
	case strings.HasPrefix(url, "ws:"):
		return "WS"
	case strings.HasPrefix(url, "wss:"):
		return "WSS"
	default:
		return "UDP"
	}
}

// parseContactExpires extracts the expires parameter from a Contact header
// value. Contact headers may contain: <sip:user@host>;expires=3600
// Returns 0 if no expires parameter is found or parsing fails.
func parseContactExpires(contactValue string) int {
	lower := strings.ToLower(contactValue)
	idx := strings.Index(lower, ";expires=")
	if idx < 0 {
		return 0
	}
	rest := contactValue[idx+len(";expires="):]

	// The value ends at the next semicolon, comma, or end of string.
	end := strings.IndexAny(rest, ";,> \t")
	if end > 0 {
		rest = rest[:end]
	}

	val, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return 0
	}
	return val
}

// parseExpiresHeader parses an Expires header value (a plain integer of
// seconds). Returns 0 if parsing fails.
func parseExpiresHeader(value string) int {
	val, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0
	}
	return val
}
