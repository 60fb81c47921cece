// Package rule implements the Classifier's rule matching engine: the
// immutable, atomically-swapped cache of active rules, the dev-host set, and
// the host-to-team override map, grounded on the teacher's copy-on-write
// cache pattern in vendor/github.com/wisbric/core/pkg/tenant/middleware.go.
package rule

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/phxntninja/mutt/internal/db"
)

// MatchType enumerates the three ways a rule can match an event.
const (
	MatchContains  = "contains"
	MatchRegex     = "regex"
	MatchOIDPrefix = "oid_prefix"
)

// Handling enumerates the possible classification outcomes.
const (
	HandlingPageAndTicket = "page_and_ticket"
	HandlingTicketOnly    = "ticket_only"
	HandlingEmailOnly     = "email_only"
	HandlingLogOnly       = "log_only"
	HandlingSuppress      = "suppress"
)

// Rule is a compiled, ready-to-match classification rule.
type Rule struct {
	ID             uuid.UUID
	MatchString    string
	TrapOID        string
	MatchType      string
	Priority       int32
	ProdHandling   string
	DevHandling    string
	TeamAssignment string

	compiled *regexp.Regexp // non-nil only when MatchType == regex
}

// Compile builds a Rule from a stored db.Rule, pre-compiling its regex if
// applicable. A rule with an invalid regex pattern fails loudly here and is
// skipped by the caller (Cache.Load), per the matching details: "invalid
// patterns fail loudly at cache-load and the rule is skipped."
func Compile(r db.Rule) (Rule, error) {
	out := Rule{
		ID:             r.ID,
		MatchString:    r.MatchString,
		TrapOID:        r.TrapOID,
		MatchType:      r.MatchType,
		Priority:       r.Priority,
		ProdHandling:   r.ProdHandling,
		DevHandling:    r.DevHandling,
		TeamAssignment: r.TeamAssignment,
	}

	if r.MatchType == MatchRegex {
		re, err := regexp.Compile(r.MatchString)
		if err != nil {
			return Rule{}, fmt.Errorf("compiling regex for rule %s: %w", r.ID, err)
		}
		out.compiled = re
	}

	return out, nil
}

// Matches reports whether the rule matches message (for contains/regex) or
// trapOID (for oid_prefix).
func (r Rule) Matches(message, trapOID string) bool {
	switch r.MatchType {
	case MatchContains:
		return strings.Contains(message, r.MatchString)
	case MatchRegex:
		if r.compiled == nil {
			return false
		}
		return r.compiled.MatchString(message)
	case MatchOIDPrefix:
		if trapOID == "" || r.TrapOID == "" {
			return false
		}
		return trapOID == r.TrapOID || strings.HasPrefix(trapOID, r.TrapOID+".")
	default:
		return false
	}
}

// Handling returns the handling that applies given whether the event's
// hostname is a development host.
func (r Rule) Handling(isDev bool) string {
	if isDev {
		return r.DevHandling
	}
	return r.ProdHandling
}

// Forwards reports whether handling results in the event being enqueued to
// alert_queue for delivery, per step 8 of the work loop.
func Forwards(handling string) bool {
	return handling == HandlingPageAndTicket || handling == HandlingTicketOnly
}
