package sending

import (
	"errors"
	"fmt"
)

// Sentinel errors for transports.
var (
	// ErrTransportUnavailable means the transport itself cannot deliver
	// anything right now (account suspended, not configured). It is a
	// channel-wide fault, not a per-message failure.
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrTransportTimeout is returned when a send exceeds its per-call deadline.
	ErrTransportTimeout = errors.New("transport timeout")
)

// Protocol names the vocabulary a TransportError code belongs to.
type Protocol string

const (
	ProtocolSMTP Protocol = "smtp" // basic (550) or enhanced (5.1.1) status codes
	ProtocolHTTP Protocol = "http" // HTTP status codes from webhook providers
	ProtocolAPI  Protocol = "api"  // provider-specific error codes (e.g. SES exception names)
)

// TransportError is the normalized failure shape every transport adapter
// returns. Adapters fill in what they know and leave the rest empty.
type TransportError struct {
	Protocol  Protocol
	Code      string
	Message   string
	Temporary bool
	Timeout   bool
	Err       error
}

func (e *TransportError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s %s: %s", e.Protocol, e.Code, e.Message)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "transport error"
}

func (e *TransportError) Unwrap() error { return e.Err }
