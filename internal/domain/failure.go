package domain

// FailureKind is the canonical classification of a failed delivery attempt.
type FailureKind string

const (
	FailureInvalidEmail   FailureKind = "invalid_email"
	FailureUserNotFound   FailureKind = "user_not_found"
	FailureDomainNotFound FailureKind = "domain_not_found"
	FailureMailboxFull    FailureKind = "mailbox_full"
	FailureRateLimit      FailureKind = "rate_limit"
	FailureAuthentication FailureKind = "authentication_error"
	FailureNetwork        FailureKind = "network_error"
	FailureSMTP           FailureKind = "smtp_error"
	FailureUnknown        FailureKind = "unknown"
)

// FailureKinds lists every kind in a fixed order so breakdowns render stably.
var FailureKinds = []FailureKind{
	FailureInvalidEmail,
	FailureUserNotFound,
	FailureDomainNotFound,
	FailureMailboxFull,
	FailureRateLimit,
	FailureAuthentication,
	FailureNetwork,
	FailureSMTP,
	FailureUnknown,
}

// Retryable reports whether a failure of this kind should be retried.
// Unrecognised values are treated like unknown and are retryable.
func (k FailureKind) Retryable() bool {
	switch k {
	case FailureInvalidEmail, FailureUserNotFound, FailureDomainNotFound, FailureAuthentication:
		return false
	default:
		return true
	}
}

// Valid reports whether k is one of the nine canonical kinds.
func (k FailureKind) Valid() bool {
	for _, v := range FailureKinds {
		if k == v {
			return true
		}
	}
	return false
}

// NewFailureBreakdown returns a breakdown with every kind present at zero.
func NewFailureBreakdown() map[FailureKind]int {
	m := make(map[FailureKind]int, len(FailureKinds))
	for _, k := range FailureKinds {
		m[k] = 0
	}
	return m
}
