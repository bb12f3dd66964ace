package registry

import (
	"github.com/zurustar/callcore/internal/config"
	"github.com/zurustar/callcore/internal/contacts"
	"github.com/zurustar/callcore/internal/media"
)

// Rule names the admission rule that rejected a request.
type Rule string

const (
	RuleUnsupportedMedia Rule = "unsupported-media"
	RuleBlockedContact   Rule = "blocked-contact"
	RuleDNDUntilEnd      Rule = "dnd-until-end"
	RuleCallWaiting      Rule = "call-waiting-disabled"
	RuleDoNotDisturb     Rule = "do-not-disturb"
	RuleAnonymous        Rule = "anonymous-caller"
	RuleUnauthorized     Rule = "unauthorized-caller"
)

// Rules lists the admission rules in evaluation order.
var Rules = []Rule{
	RuleUnsupportedMedia,
	RuleBlockedContact,
	RuleDNDUntilEnd,
	RuleCallWaiting,
	RuleDoNotDisturb,
	RuleAnonymous,
	RuleUnauthorized,
}

// Offer is what admission control knows about an inbound request.
type Offer struct {
	Account config.Account
	Remote  string
	// Streams are the offered streams this client supports.
	Streams []*media.Stream
	Contact *contacts.Contact
	// DNDUntilEnd is set while any live session asked not to be disturbed.
	DNDUntilEnd bool
	// AudioInProgress is set while another session carries audio.
	AudioInProgress bool
}

// Decision is the outcome of admission control. A rejected request carries
// the code and reason sent to the caller.
type Decision struct {
	Admit  bool
	Rule   Rule
	Code   int
	Reason string
}

var admitted = Decision{Admit: true}

func reject(rule Rule, code int, reason string) Decision {
	return Decision{Rule: rule, Code: code, Reason: reason}
}

// Admit evaluates the admission rules in order and stops at the first that
// matches. Account level audio rules apply to audio offers on SIP accounts
// only.
func Admit(o Offer) Decision {
	if len(o.Streams) == 0 {
		return reject(RuleUnsupportedMedia, 488, "Incompatible media")
	}
	if o.Contact != nil && o.Contact.Policy == contacts.PolicyDeny {
		return reject(RuleBlockedContact, 603, "Not Acceptable Here")
	}
	if o.DNDUntilEnd {
		return reject(RuleDNDUntilEnd, 603, "Busy here")
	}

	audio := media.HasType(o.Streams, media.Audio)
	account := o.Account
	if !audio || account.Bonjour {
		return admitted
	}

	if o.AudioInProgress && account.Audio.CallWaiting != nil && !*account.Audio.CallWaiting {
		return reject(RuleCallWaiting, 486, "Busy Here")
	}
	if account.Audio.DoNotDisturb {
		return reject(RuleDoNotDisturb, account.DNDCode(), "Do Not Disturb")
	}
	if account.RejectAnonymous && contacts.IsAnonymous(o.Remote) {
		return reject(RuleAnonymous, 603, "Anonymous Not Acceptable")
	}
	if account.RejectUnauthorized && (o.Contact == nil || o.Contact.Policy != contacts.PolicyAllow) {
		return reject(RuleUnauthorized, 603, "Not Acceptable Here")
	}
	return admitted
}
