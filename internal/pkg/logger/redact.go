package logger

import "strings"

// RedactEmail masks an email address for safe logging.
// "john.doe@example.com" → "jo***@example.com"
// Short local parts (≤2 chars) are fully masked: "ab@example.com" → "***@example.com"
func RedactEmail(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return "***@***"
	}
	name := parts[0]
	if len(name) > 2 {
		return name[:2] + "***@" + parts[1]
	}
	return "***@" + parts[1]
}

// RedactAddress masks a non-email delivery address (phone number, device
// token), keeping the last four characters.
// "+15551234567" → "***4567"
func RedactAddress(addr string) string {
	if len(addr) <= 4 {
		return "***"
	}
	return "***" + addr[len(addr)-4:]
}
