package routing

import (
	"context"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/emiago/sipgo/sip"
	"github.com/miekg/dns"

	"github.com/zurustar/callcore/internal/config"
	"github.com/zurustar/callcore/internal/logging"
)

// NAPTR services and SRV prefixes per transport.
var (
	naptrServices = map[string]string{
		"SIP+D2U":  "udp",
		"SIP+D2T":  "tcp",
		"SIPS+D2T": "tls",
	}
	srvPrefixes = map[string]string{
		"udp": "_sip._udp.",
		"tcp": "_sip._tcp.",
		"tls": "_sips._tcp.",
	}
)

// DNSResolver resolves SIP URIs through NAPTR, SRV and A records.
type DNSResolver struct {
	client  Exchanger
	servers []string
	logger  logging.Logger
}

// NewDNSResolver creates a resolver querying cfg.Servers, or the servers of
// cfg.ResolvConf when none are listed.
func NewDNSResolver(cfg config.DNSConfig, logger logging.Logger) (*DNSResolver, error) {
	servers := make([]string, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		if _, _, err := net.SplitHostPort(s); err != nil {
			s = net.JoinHostPort(s, "53")
		}
		servers = append(servers, s)
	}

	if len(servers) == 0 {
		cc, err := dns.ClientConfigFromFile(cfg.ResolvConf)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read %s", cfg.ResolvConf)
		}
		for _, s := range cc.Servers {
			servers = append(servers, net.JoinHostPort(s, cc.Port))
		}
	}
	if len(servers) == 0 {
		return nil, errors.New("no DNS servers configured")
	}

	client := &dns.Client{Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond}
	return NewDNSResolverWithExchanger(client, servers, logger), nil
}

// NewDNSResolverWithExchanger creates a resolver over an arbitrary exchanger.
func NewDNSResolverWithExchanger(client Exchanger, servers []string, logger logging.Logger) *DNSResolver {
	return &DNSResolver{client: client, servers: servers, logger: logger}
}

type target struct {
	host      string
	port      int
	transport string
	secure    bool
}

// parseTarget extracts host, port and transport from a SIP URI.
func parseTarget(uri string) (target, error) {
	uri = strings.TrimSpace(uri)
	uri = strings.TrimSuffix(strings.TrimPrefix(uri, "<"), ">")
	if !strings.HasPrefix(uri, "sip:") && !strings.HasPrefix(uri, "sips:") {
		uri = "sip:" + uri
	}

	var u sip.Uri
	if err := sip.ParseUri(uri, &u); err != nil {
		return target{}, errors.Wrapf(err, "invalid SIP URI %q", uri)
	}
	if u.Host == "" {
		return target{}, errors.Newf("SIP URI %q has no host", uri)
	}

	t := target{host: u.Host, port: u.Port, secure: u.IsEncrypted()}
	lower := strings.ToLower(uri)
	if idx := strings.Index(lower, ";transport="); idx >= 0 {
		value := lower[idx+len(";transport="):]
		if end := strings.IndexAny(value, ";?>"); end >= 0 {
			value = value[:end]
		}
		t.transport = value
	}
	return t, nil
}

// allowed filters the configured transports by what the URI demands.
func (t target) allowed(transports []string) []string {
	var out []string
	for _, tr := range transports {
		tr = strings.ToLower(tr)
		if t.secure && tr != "tls" {
			continue
		}
		if t.transport != "" && tr != t.transport {
			continue
		}
		out = append(out, tr)
	}
	return out
}

func defaultPort(transport string) int {
	if transport == "tls" {
		return 5061
	}
	return 5060
}

// Lookup resolves uri into routes usable over transports.
func (r *DNSResolver) Lookup(ctx context.Context, uri string, transports []string) ([]Route, error) {
	t, err := parseTarget(uri)
	if err != nil {
		return nil, err
	}

	allowed := t.allowed(transports)
	if len(allowed) == 0 {
		return nil, errors.Wrapf(ErrNoRoutes, "no usable transport for %s", uri)
	}

	var routes []Route
	switch {
	case net.ParseIP(t.host) != nil:
		for _, tr := range allowed {
			routes = append(routes, Route{Address: t.host, Port: portOr(t.port, tr), Transport: tr})
		}
	case t.port != 0:
		routes, err = r.resolveHost(ctx, t.host, t.port, allowed)
	default:
		routes, err = r.resolveDomain(ctx, t.host, allowed)
	}
	if err != nil {
		return nil, err
	}
	if len(routes) == 0 {
		return nil, errors.Wrapf(ErrNoRoutes, "for %s", uri)
	}

	for i := range routes {
		routes[i].Priority = i
	}

	r.logger.Debug("Resolved routes",
		logging.StringField("uri", uri),
		logging.IntField("count", len(routes)))
	return routes, nil
}

func portOr(port int, transport string) int {
	if port != 0 {
		return port
	}
	return defaultPort(transport)
}

// resolveDomain walks NAPTR, then SRV, then A records.
func (r *DNSResolver) resolveDomain(ctx context.Context, domain string, allowed []string) ([]Route, error) {
	routes, err := r.resolveNAPTR(ctx, domain, allowed)
	if err != nil || len(routes) > 0 {
		return routes, err
	}

	for _, tr := range allowed {
		srv, err := r.resolveSRV(ctx, srvPrefixes[tr]+domain, tr)
		if err != nil {
			return nil, err
		}
		routes = append(routes, srv...)
	}
	if len(routes) > 0 {
		return routes, nil
	}

	for _, tr := range allowed {
		hostRoutes, err := r.resolveHost(ctx, domain, defaultPort(tr), []string{tr})
		if err != nil {
			return nil, err
		}
		routes = append(routes, hostRoutes...)
	}
	return routes, nil
}

func (r *DNSResolver) resolveNAPTR(ctx context.Context, domain string, allowed []string) ([]Route, error) {
	answer, err := r.query(ctx, domain, dns.TypeNAPTR)
	if err != nil {
		return nil, err
	}

	var records []*dns.NAPTR
	for _, rr := range answer {
		naptr, ok := rr.(*dns.NAPTR)
		if !ok || !strings.EqualFold(naptr.Flags, "s") {
			continue
		}
		tr, ok := naptrServices[strings.ToUpper(naptr.Service)]
		if !ok || !contains(allowed, tr) {
			continue
		}
		records = append(records, naptr)
	}
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Order != records[j].Order {
			return records[i].Order < records[j].Order
		}
		return records[i].Preference < records[j].Preference
	})

	var routes []Route
	for _, naptr := range records {
		tr := naptrServices[strings.ToUpper(naptr.Service)]
		srv, err := r.resolveSRV(ctx, naptr.Replacement, tr)
		if err != nil {
			return nil, err
		}
		routes = append(routes, srv...)
	}
	return routes, nil
}

func (r *DNSResolver) resolveSRV(ctx context.Context, name, transport string) ([]Route, error) {
	answer, err := r.query(ctx, name, dns.TypeSRV)
	if err != nil {
		return nil, err
	}

	var records []*dns.SRV
	for _, rr := range answer {
		if srv, ok := rr.(*dns.SRV); ok {
			records = append(records, srv)
		}
	}
	// weights are honoured in order rather than by random selection
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Priority != records[j].Priority {
			return records[i].Priority < records[j].Priority
		}
		return records[i].Weight > records[j].Weight
	})

	var routes []Route
	for _, srv := range records {
		hostRoutes, err := r.resolveHost(ctx, strings.TrimSuffix(srv.Target, "."), int(srv.Port), []string{transport})
		if err != nil {
			return nil, err
		}
		routes = append(routes, hostRoutes...)
	}
	return routes, nil
}

func (r *DNSResolver) resolveHost(ctx context.Context, host string, port int, transports []string) ([]Route, error) {
	answer, err := r.query(ctx, host, dns.TypeA)
	if err != nil {
		return nil, err
	}

	var routes []Route
	for _, tr := range transports {
		for _, rr := range answer {
			if a, ok := rr.(*dns.A); ok {
				routes = append(routes, Route{Address: a.A.String(), Port: port, Transport: tr})
			}
		}
	}
	return routes, nil
}

// query asks each server in turn. A name that does not exist is an empty
// answer, not an error.
func (r *DNSResolver) query(ctx context.Context, name string, qtype uint16) ([]dns.RR, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = true

	var lastErr error
	for _, server := range r.servers {
		resp, _, err := r.client.ExchangeContext(ctx, m, server)
		if err != nil {
			lastErr = errors.Wrapf(err, "%s query for %s via %s", dns.TypeToString[qtype], name, server)
			continue
		}
		switch resp.Rcode {
		case dns.RcodeSuccess:
			return resp.Answer, nil
		case dns.RcodeNameError:
			return nil, nil
		default:
			lastErr = errors.Newf("%s query for %s failed: %s",
				dns.TypeToString[qtype], name, dns.RcodeToString[resp.Rcode])
		}
	}
	if lastErr == nil {
		lastErr = errors.New("no DNS servers configured")
	}
	return nil, lastErr
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func hostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
