// Package contacts matches remote addresses against the address book.
package contacts

import (
	"strings"
	"sync"

	"github.com/emiago/sipgo/sip"

	"github.com/zurustar/callcore/internal/config"
	"github.com/zurustar/callcore/internal/logging"
)

// Policy is the presence policy of a contact.
type Policy string

const (
	PolicyAllow   Policy = "allow"
	PolicyDeny    Policy = "deny"
	PolicyDefault Policy = "default"
)

// Contact is one address book entry.
type Contact struct {
	Name       string
	URIs       []string
	Policy     Policy
	AutoAnswer bool
}

// Matcher finds the contact owning an address.
type Matcher interface {
	Match(address string) (*Contact, bool)
}

// Directory is the in-memory address book, indexed by normalized address.
type Directory struct {
	mu     sync.RWMutex
	byAddr map[string]*Contact
	logger logging.Logger
}

// NewDirectory builds a directory from configured contacts.
func NewDirectory(entries []config.Contact, logger logging.Logger) *Directory {
	d := &Directory{logger: logger}
	d.Load(entries)
	return d
}

// Load replaces the directory contents.
func (d *Directory) Load(entries []config.Contact) {
	byAddr := make(map[string]*Contact)
	for _, e := range entries {
		policy := Policy(e.Policy)
		if policy == "" {
			policy = PolicyDefault
		}
		c := &Contact{Name: e.Name, URIs: e.URIs, Policy: policy, AutoAnswer: e.AutoAnswer}
		for _, uri := range e.URIs {
			key := Normalize(uri)
			if _, dup := byAddr[key]; dup {
				d.logger.Warn("Address listed by more than one contact",
					logging.StringField("address", key),
					logging.StringField("contact", e.Name))
				continue
			}
			byAddr[key] = c
		}
	}

	d.mu.Lock()
	d.byAddr = byAddr
	d.mu.Unlock()
}

// Match returns the first contact listing address.
func (d *Directory) Match(address string) (*Contact, bool) {
	key := Normalize(address)
	if key == "" {
		return nil, false
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.byAddr[key]
	return c, ok
}

// Normalize reduces an address to lower-case user@host without scheme,
// port or parameters. A bare phone number stays as the user part.
func Normalize(address string) string {
	address = strings.TrimSpace(address)
	if i := strings.Index(address, "<"); i >= 0 {
		if j := strings.Index(address[i:], ">"); j >= 0 {
			address = address[i+1 : i+j]
		}
	}
	if address == "" {
		return ""
	}
	if !strings.HasPrefix(address, "sip:") && !strings.HasPrefix(address, "sips:") {
		if !strings.Contains(address, "@") {
			return strings.ToLower(address)
		}
		address = "sip:" + address
	}

	var u sip.Uri
	if err := sip.ParseUri(address, &u); err != nil {
		return strings.ToLower(address)
	}
	if u.User == "" {
		return strings.ToLower(u.Host)
	}
	return strings.ToLower(u.User + "@" + u.Host)
}

var anonymousUsers = map[string]bool{
	"anonymous":   true,
	"unknown":     true,
	"unavailable": true,
}

// IsAnonymous reports whether address hides the caller's identity.
func IsAnonymous(address string) bool {
	key := Normalize(address)
	if key == "" {
		return true
	}
	user, host := key, ""
	if i := strings.LastIndex(key, "@"); i >= 0 {
		user, host = key[:i], key[i+1:]
	}
	return anonymousUsers[user] || host == "anonymous.invalid"
}
