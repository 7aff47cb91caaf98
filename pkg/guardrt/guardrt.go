// Package guardrt is the runtime contract shared by generated guards, their
// fixtures, and the external orchestrator that gates tool calls.
//
// A guard for tool "cancel_reservation" is a function named
// GuardCancelReservation that takes the domain API handle followed by the
// tool's own parameters and returns an error. A nil error allows the call;
// a *PolicyViolation blocks it. Any other error is a guard defect.
package guardrt

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// GuardPrefix is prepended to the camel-cased tool name to form a guard name.
const GuardPrefix = "Guard"

// PolicyViolation is the single error type a guard returns when a tool call
// would breach policy.
type PolicyViolation struct {
	Message string
}

func (v *PolicyViolation) Error() string {
	return "policy violation: " + v.Message
}

// Violation builds a *PolicyViolation with a formatted explanation.
func Violation(format string, args ...interface{}) error {
	return &PolicyViolation{Message: fmt.Sprintf(format, args...)}
}

// AsViolation unwraps err to a *PolicyViolation if it is one.
func AsViolation(err error) (*PolicyViolation, bool) {
	var v *PolicyViolation
	if errors.As(err, &v) {
		return v, true
	}
	return nil, false
}

// IsViolation reports whether err is (or wraps) a *PolicyViolation.
func IsViolation(err error) bool {
	_, ok := AsViolation(err)
	return ok
}

// FuncName derives the guard function name from a tool name:
// "cancel_reservation" -> "GuardCancelReservation".
func FuncName(toolName string) string {
	return GuardPrefix + Camel(toolName)
}

// Camel converts snake_case, kebab-case or dotted names to an exported Go
// identifier. Non alphanumeric runes act as word separators.
func Camel(name string) string {
	var b strings.Builder
	upper := true
	for _, r := range name {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			upper = true
			continue
		}
		if upper {
			b.WriteRune(unicode.ToUpper(r))
			upper = false
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Snake converts a Go identifier to snake_case, keeping initialisms together:
// "GetUserID" -> "get_user_id", "CancelReservation" -> "cancel_reservation".
func Snake(ident string) string {
	runes := []rune(ident)
	var b strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
					b.WriteByte('_')
				}
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
