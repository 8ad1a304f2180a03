package media

import (
	"fmt"
	"strings"
	"time"
)

// Media stream directions per RFC 4566 / RFC 3264.
const (
	DirectionSendRecv = "sendrecv"
	DirectionSendOnly = "sendonly"
	DirectionRecvOnly = "recvonly"
	DirectionInactive = "inactive"
)

// Offer describes a minimal audio session description. It carries the audio
// codecs every SIP endpoint must support (PCMU/PCMA) plus telephone-event
// for RFC 2833 DTMF, and a direction attribute used for hold signaling.
type Offer struct {
	// SessionID is the o= session identifier, stable across re-INVITEs
	// within a dialog.
	SessionID string

	// Version is the o= session version, incremented on every re-INVITE.
	Version int

	// Host is the connection address advertised in the c= line.
	Host string

	// Port is the RTP port advertised in the m= line.
	Port int

	// Direction is the media direction attribute. Empty means sendrecv.
	Direction string
}

// NewOffer creates an offer with a timestamp-derived session id, version 1
// and direction sendrecv.
func NewOffer(host string, port int) *Offer {
	return &Offer{
		SessionID: fmt.Sprintf("%d", time.Now().UnixNano()),
		Version:   1,
		Host:      host,
		Port:      port,
		Direction: DirectionSendRecv,
	}
}

// WithDirection returns a copy of the offer with the direction changed and
// the session version bumped, suitable for a hold/resume re-INVITE.
func (o *Offer) WithDirection(direction string) *Offer {
	next := *o
	next.Version++
	next.Direction = direction
	return &next
}

// Marshal renders the offer as an SDP body per RFC 4566.
func (o *Offer) Marshal() []byte {
	direction := o.Direction
	if direction == "" {
		direction = DirectionSendRecv
	}

	var b strings.Builder
	fmt.Fprintf(&b, "v=0\r\n")
	fmt.Fprintf(&b, "o=- %s %d IN IP4 %s\r\n", o.SessionID, o.Version, o.Host)
	fmt.Fprintf(&b, "s=-\r\n")
	fmt.Fprintf(&b, "c=IN IP4 %s\r\n", o.Host)
	fmt.Fprintf(&b, "t=0 0\r\n")
	fmt.Fprintf(&b, "m=audio %d RTP/AVP 0 8 101\r\n", o.Port)
	fmt.Fprintf(&b, "a=rtpmap:0 PCMU/8000\r\n")
	fmt.Fprintf(&b, "a=rtpmap:8 PCMA/8000\r\n")
	fmt.Fprintf(&b, "a=rtpmap:101 telephone-event/8000\r\n")
	fmt.Fprintf(&b, "a=fmtp:101 0-16\r\n")
	fmt.Fprintf(&b, "a=%s\r\n", direction)
	return []byte(b.String())
}

// ParseDirection extracts the media direction attribute from an SDP body.
// A media-level attribute wins over a session-level one; an SDP without a
// direction attribute defaults to sendrecv per RFC 3264.
func ParseDirection(body []byte) string {
	direction := DirectionSendRecv
	inMedia := false

	text := strings.ReplaceAll(string(body), "\r\n", "\n")
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "m="):
			inMedia = true
		case strings.HasPrefix(line, "a="):
			switch attr := line[len("a="):]; attr {
			case DirectionSendRecv, DirectionSendOnly, DirectionRecvOnly, DirectionInactive:
				if inMedia {
					return attr
				}
				direction = attr
			}
		}
	}
	return direction
}
