package audit

import "strings"

// sensitiveFragments is the deny-list used by IsSensitive. Over-flagging is acceptable: a false
// positive only hides a value from display, it never blocks the write.
var sensitiveFragments = []string{
	"password",
	"passwd",
	"token",
	"secret",
	"key",
	"hash",
	"salt",
	"credit_card",
	"creditcard",
	"card_number",
	"cvv",
	"ssn",
	"social_security",
	"pin",
	"otp",
	"private",
}

// IsSensitive reports whether values of the named field must be redacted before display.
// Matching is a case-insensitive substring test against the deny-list.
func IsSensitive(field string) bool {
	lower := strings.ToLower(field)
	for _, fragment := range sensitiveFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}
