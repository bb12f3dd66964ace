package routing

import (
	"strings"

	"github.com/zurustar/callcore/internal/config"
)

// Strategy names which address a lookup resolves.
type Strategy int

const (
	// StrategyTarget resolves the domain of the called party.
	StrategyTarget Strategy = iota
	// StrategyOutboundProxy resolves the account's explicit outbound proxy.
	StrategyOutboundProxy
	// StrategyAccountDomain resolves the account's own domain.
	StrategyAccountDomain
)

func (s Strategy) String() string {
	switch s {
	case StrategyOutboundProxy:
		return "outbound-proxy"
	case StrategyAccountDomain:
		return "account-domain"
	default:
		return "target"
	}
}

// Policy is the proxy configuration of one account.
type Policy struct {
	OutboundProxy    string
	AlwaysUseMyProxy bool
	Domain           string
	Bonjour          bool
}

// PolicyFor extracts the routing policy of an account.
func PolicyFor(account *config.Account) Policy {
	return Policy{
		OutboundProxy:    account.OutboundProxy,
		AlwaysUseMyProxy: account.AlwaysUseMyProxy,
		Domain:           account.Domain(),
		Bonjour:          account.Bonjour,
	}
}

// Choose returns the URI to resolve for a call to target.
func (p Policy) Choose(target string) (string, Strategy) {
	if p.Bonjour {
		return target, StrategyTarget
	}
	if p.OutboundProxy != "" {
		return withScheme(p.OutboundProxy), StrategyOutboundProxy
	}
	if p.AlwaysUseMyProxy && p.Domain != "" {
		return "sip:" + p.Domain, StrategyAccountDomain
	}
	return target, StrategyTarget
}

func withScheme(uri string) string {
	if strings.HasPrefix(uri, "sip:") || strings.HasPrefix(uri, "sips:") {
		return uri
	}
	return "sip:" + uri
}
