package sending

import (
	"context"
	"errors"
	"io"
	"net"
	"regexp"
	"strconv"
	"strings"
	"syscall"

	"github.com/ignite/campaign-dispatch/internal/domain"
)

// Classify maps a transport failure to a FailureKind. It is deterministic and
// total: a nil or unrecognised error yields domain.FailureUnknown.
func Classify(err error) domain.FailureKind {
	if err == nil {
		return domain.FailureUnknown
	}

	if errors.Is(err, ErrTransportTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return domain.FailureNetwork
	}

	var te *TransportError
	if errors.As(err, &te) {
		return classifyTransportError(te)
	}

	if isNetworkError(err) {
		return domain.FailureNetwork
	}

	if kind, ok := classifyMessage(err.Error()); ok {
		return kind
	}
	return domain.FailureUnknown
}

func classifyTransportError(te *TransportError) domain.FailureKind {
	if te.Timeout {
		return domain.FailureNetwork
	}

	switch te.Protocol {
	case ProtocolSMTP:
		if kind, ok := classifyEnhancedCode(te.Code); ok {
			return kind
		}
		if kind, ok := classifyEnhancedCode(findEnhancedCode(te.Message)); ok {
			return kind
		}
		if kind, ok := classifyMessage(te.Message); ok {
			return kind
		}
		if kind, ok := classifySMTPCode(te.Code); ok {
			return kind
		}
	case ProtocolHTTP:
		if kind, ok := classifyMessage(te.Message); ok {
			return kind
		}
		if kind, ok := classifyHTTPStatus(te.Code); ok {
			return kind
		}
	case ProtocolAPI:
		if kind, ok := classifyAPICode(te.Code); ok {
			return kind
		}
		if kind, ok := classifyMessage(te.Message); ok {
			return kind
		}
	default:
		if kind, ok := classifyMessage(te.Message); ok {
			return kind
		}
	}

	if te.Err != nil && isNetworkError(te.Err) {
		return domain.FailureNetwork
	}
	if te.Temporary {
		return domain.FailureSMTP
	}
	return domain.FailureUnknown
}

func isNetworkError(err error) bool {
	var nerr net.Error
	if errors.As(err, &nerr) {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF)
}

// ---------------------------------------------------------------------------
// SMTP status codes
// ---------------------------------------------------------------------------

var (
	enhancedCodeRe = regexp.MustCompile(`^([245])\.(\d{1,3})\.(\d{1,3})$`)
	// In free text the code must stand alone so dotted IPs like 10.5.1.1 don't match.
	enhancedInTextRe = regexp.MustCompile(`(?:^|[\s(\[])([245]\.\d{1,3}\.\d{1,3})(?:$|[\s)\],;])`)
)

func findEnhancedCode(s string) string {
	m := enhancedInTextRe.FindStringSubmatch(s)
	if m == nil {
		return ""
	}
	return m[1]
}

// classifyEnhancedCode handles RFC 3463 codes such as 5.1.1.
func classifyEnhancedCode(code string) (domain.FailureKind, bool) {
	m := enhancedCodeRe.FindStringSubmatch(strings.TrimSpace(code))
	if m == nil {
		return "", false
	}
	subject, detail := m[2], m[3]
	switch subject + "." + detail {
	case "1.1", "1.6":
		return domain.FailureUserNotFound, true
	case "1.2":
		return domain.FailureDomainNotFound, true
	case "1.0", "1.3":
		return domain.FailureInvalidEmail, true
	case "2.2":
		return domain.FailureMailboxFull, true
	case "7.0", "7.8", "7.9", "7.14":
		return domain.FailureAuthentication, true
	}
	if subject == "4" {
		return domain.FailureNetwork, true
	}
	return domain.FailureSMTP, true
}

// classifySMTPCode handles RFC 5321 three-digit reply codes.
func classifySMTPCode(code string) (domain.FailureKind, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(code))
	if err != nil || n < 400 || n > 599 {
		return "", false
	}
	switch n {
	case 421:
		return domain.FailureNetwork, true
	case 452, 552:
		return domain.FailureMailboxFull, true
	case 530, 534, 535, 538:
		return domain.FailureAuthentication, true
	case 550, 551:
		return domain.FailureUserNotFound, true
	case 553:
		return domain.FailureInvalidEmail, true
	}
	return domain.FailureSMTP, true
}

// ---------------------------------------------------------------------------
// HTTP status codes
// ---------------------------------------------------------------------------

func classifyHTTPStatus(code string) (domain.FailureKind, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(code))
	if err != nil || n < 400 || n > 599 {
		return "", false
	}
	switch {
	case n == 429:
		return domain.FailureRateLimit, true
	case n == 401 || n == 403:
		return domain.FailureAuthentication, true
	case n == 404 || n == 410:
		return domain.FailureUserNotFound, true
	case n == 408 || n == 502 || n == 503 || n == 504:
		return domain.FailureNetwork, true
	case n >= 500:
		return domain.FailureSMTP, true
	}
	return domain.FailureSMTP, true
}

// ---------------------------------------------------------------------------
// Provider API error codes
// ---------------------------------------------------------------------------

var apiCodeKinds = []struct {
	needle string
	kind   domain.FailureKind
}{
	{"throttl", domain.FailureRateLimit},
	{"toomanyrequests", domain.FailureRateLimit},
	{"limitexceeded", domain.FailureRateLimit},
	{"ratelimit", domain.FailureRateLimit},
	{"accessdenied", domain.FailureAuthentication},
	{"unauthorized", domain.FailureAuthentication},
	{"unrecognizedclient", domain.FailureAuthentication},
	{"invalidclienttoken", domain.FailureAuthentication},
	{"signaturedoesnotmatch", domain.FailureAuthentication},
	{"expiredtoken", domain.FailureAuthentication},
	{"notverified", domain.FailureAuthentication},
	{"notfound", domain.FailureUserNotFound},
	{"requesttimeout", domain.FailureNetwork},
	{"serviceunavailable", domain.FailureNetwork},
	{"internalfailure", domain.FailureSMTP},
	{"internalerror", domain.FailureSMTP},
	{"messagerejected", domain.FailureSMTP},
}

func classifyAPICode(code string) (domain.FailureKind, bool) {
	c := strings.ToLower(strings.TrimSpace(code))
	if c == "" {
		return "", false
	}
	for _, e := range apiCodeKinds {
		if strings.Contains(c, e.needle) {
			return e.kind, true
		}
	}
	return "", false
}

// ---------------------------------------------------------------------------
// Free-text messages
// ---------------------------------------------------------------------------

// messageKinds is checked in order; earlier entries win. Domain phrases come
// before user phrases because "domain does not exist" also contains
// "does not exist".
var messageKinds = []struct {
	needles []string
	kind    domain.FailureKind
}{
	{[]string{"mailbox full", "mailbox is full", "over quota", "quota exceeded", "insufficient storage", "exceeded storage"}, domain.FailureMailboxFull},
	{[]string{"rate limit", "rate-limit", "ratelimit", "too many requests", "too many messages", "throttl", "sending rate", "slow down"}, domain.FailureRateLimit},
	{[]string{"domain not found", "unknown domain", "no such domain", "domain does not exist", "nxdomain", "host not found", "no mx", "unrouteable", "unroutable"}, domain.FailureDomainNotFound},
	{[]string{"user unknown", "unknown user", "no such user", "user not found", "recipient not found", "unknown recipient", "mailbox not found", "mailbox unavailable", "does not exist", "unregistered", "not registered"}, domain.FailureUserNotFound},
	{[]string{"invalid email", "invalid address", "invalid recipient", "malformed", "bad address", "invalid phone", "invalid number", "invalid token", "invalid device", "illegal address"}, domain.FailureInvalidEmail},
	{[]string{"authentication", "auth failed", "unauthorized", "invalid credentials", "access denied", "forbidden", "not authorized", "invalid api key"}, domain.FailureAuthentication},
	{[]string{"timeout", "timed out", "connection refused", "connection reset", "no route to host", "network is unreachable", "broken pipe", "unexpected eof"}, domain.FailureNetwork},
	{[]string{"smtp", "relay", "message rejected", "transaction failed", "blocked", "spam"}, domain.FailureSMTP},
}

func classifyMessage(msg string) (domain.FailureKind, bool) {
	m := strings.ToLower(msg)
	if m == "" {
		return "", false
	}
	for _, e := range messageKinds {
		for _, n := range e.needles {
			if strings.Contains(m, n) {
				return e.kind, true
			}
		}
	}
	return "", false
}
