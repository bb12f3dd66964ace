// Package routing resolves a destination address into the ordered list of
// network routes a session tries in turn.
package routing

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/miekg/dns"
)

// ErrNoRoutes is returned when a lookup succeeds but yields nothing usable.
var ErrNoRoutes = errors.New("no routes found")

// Route is one concrete way to reach a destination.
type Route struct {
	Address   string `json:"address"`
	Port      int    `json:"port"`
	Transport string `json:"transport"`
	Priority  int    `json:"priority"`
}

func (r Route) String() string {
	return fmt.Sprintf("%s:%s", r.Transport, hostPort(r.Address, r.Port))
}

// Resolver turns a SIP URI into candidate routes, best first.
type Resolver interface {
	Lookup(ctx context.Context, uri string, transports []string) ([]Route, error)
}

// Exchanger sends one DNS query. *dns.Client satisfies it.
type Exchanger interface {
	ExchangeContext(ctx context.Context, m *dns.Msg, address string) (*dns.Msg, time.Duration, error)
}
