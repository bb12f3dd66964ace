package routing

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zurustar/callcore/internal/config"
	"github.com/zurustar/callcore/internal/logging"
)

type fakeExchanger struct {
	records map[string][]string
	fail    error
	queries []string
}

func newFakeExchanger(records map[string][]string) *fakeExchanger {
	return &fakeExchanger{records: records}
}

func (f *fakeExchanger) ExchangeContext(ctx context.Context, m *dns.Msg, address string) (*dns.Msg, time.Duration, error) {
	q := m.Question[0]
	key := dns.TypeToString[q.Qtype] + " " + q.Name
	f.queries = append(f.queries, key)
	if f.fail != nil {
		return nil, 0, f.fail
	}

	resp := new(dns.Msg)
	resp.SetReply(m)
	lines, ok := f.records[key]
	if !ok {
		resp.Rcode = dns.RcodeNameError
		return resp, 0, nil
	}
	for _, line := range lines {
		rr, err := dns.NewRR(line)
		if err != nil {
			return nil, 0, err
		}
		resp.Answer = append(resp.Answer, rr)
	}
	return resp, 0, nil
}

func newTestResolver(ex Exchanger) *DNSResolver {
	return NewDNSResolverWithExchanger(ex, []string{"127.0.0.1:53"}, logging.NewNop())
}

var allTransports = []string{"tls", "tcp", "udp"}

func TestLookup_NAPTRThenSRVThenA(t *testing.T) {
	ex := newFakeExchanger(map[string][]string{
		"NAPTR example.com.": {
			`example.com. 300 IN NAPTR 20 50 "s" "SIP+D2U" "" _sip._udp.example.com.`,
			`example.com. 300 IN NAPTR 10 50 "s" "SIP+D2T" "" _sip._tcp.example.com.`,
		},
		"SRV _sip._tcp.example.com.": {
			`_sip._tcp.example.com. 300 IN SRV 10 10 5060 backup.example.com.`,
			`_sip._tcp.example.com. 300 IN SRV 0 10 5060 proxy.example.com.`,
		},
		"SRV _sip._udp.example.com.": {
			`_sip._udp.example.com. 300 IN SRV 0 10 5080 proxy.example.com.`,
		},
		"A proxy.example.com.":  {`proxy.example.com. 300 IN A 192.0.2.1`},
		"A backup.example.com.": {`backup.example.com. 300 IN A 192.0.2.2`},
	})

	routes, err := newTestResolver(ex).Lookup(context.Background(), "sip:bob@example.com", allTransports)
	require.NoError(t, err)

	assert.Equal(t, []Route{
		{Address: "192.0.2.1", Port: 5060, Transport: "tcp", Priority: 0},
		{Address: "192.0.2.2", Port: 5060, Transport: "tcp", Priority: 1},
		{Address: "192.0.2.1", Port: 5080, Transport: "udp", Priority: 2},
	}, routes)
}

func TestLookup_SRVFallback(t *testing.T) {
	ex := newFakeExchanger(map[string][]string{
		"SRV _sips._tcp.example.org.": {`_sips._tcp.example.org. 300 IN SRV 0 0 5061 sip.example.org.`},
		"SRV _sip._udp.example.org.":  {`_sip._udp.example.org. 300 IN SRV 0 0 5060 sip.example.org.`},
		"A sip.example.org.":          {`sip.example.org. 300 IN A 198.51.100.7`},
	})

	routes, err := newTestResolver(ex).Lookup(context.Background(), "alice@example.org", allTransports)
	require.NoError(t, err)
	require.Len(t, routes, 2)
	assert.Equal(t, "tls:198.51.100.7:5061", routes[0].String())
	assert.Equal(t, "udp:198.51.100.7:5060", routes[1].String())
}

func TestLookup_AFallbackUsesDefaultPorts(t *testing.T) {
	ex := newFakeExchanger(map[string][]string{
		"A example.net.": {`example.net. 300 IN A 203.0.113.5`},
	})

	routes, err := newTestResolver(ex).Lookup(context.Background(), "sip:example.net", []string{"tls", "udp"})
	require.NoError(t, err)
	assert.Equal(t, []Route{
		{Address: "203.0.113.5", Port: 5061, Transport: "tls", Priority: 0},
		{Address: "203.0.113.5", Port: 5060, Transport: "udp", Priority: 1},
	}, routes)
}

func TestLookup_ShortCircuits(t *testing.T) {
	tests := []struct {
		name       string
		uri        string
		transports []string
		want       []string
	}{
		{"numeric host", "sip:bob@192.0.2.9", []string{"tcp", "udp"}, []string{"tcp:192.0.2.9:5060", "udp:192.0.2.9:5060"}},
		{"numeric host with port", "sip:192.0.2.9:5070", []string{"udp"}, []string{"udp:192.0.2.9:5070"}},
		{"transport parameter", "sip:192.0.2.9;transport=TCP", allTransports, []string{"tcp:192.0.2.9:5060"}},
		{"sips scheme", "sips:192.0.2.9", allTransports, []string{"tls:192.0.2.9:5061"}},
		{"explicit port resolves host", "sip:pbx.example.com:5070", []string{"udp"}, []string{"udp:192.0.2.30:5070"}},
	}

	ex := newFakeExchanger(map[string][]string{
		"A pbx.example.com.": {`pbx.example.com. 300 IN A 192.0.2.30`},
	})
	r := newTestResolver(ex)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			routes, err := r.Lookup(context.Background(), tt.uri, tt.transports)
			require.NoError(t, err)
			var got []string
			for _, route := range routes {
				got = append(got, route.String())
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLookup_Failures(t *testing.T) {
	t.Run("nothing resolves", func(t *testing.T) {
		_, err := newTestResolver(newFakeExchanger(nil)).Lookup(context.Background(), "sip:nowhere.invalid", allTransports)
		assert.ErrorIs(t, err, ErrNoRoutes)
	})

	t.Run("no usable transport", func(t *testing.T) {
		_, err := newTestResolver(newFakeExchanger(nil)).Lookup(context.Background(), "sips:example.com", []string{"udp"})
		assert.ErrorIs(t, err, ErrNoRoutes)
	})

	t.Run("server unreachable", func(t *testing.T) {
		ex := newFakeExchanger(nil)
		ex.fail = errors.New("i/o timeout")
		_, err := newTestResolver(ex).Lookup(context.Background(), "sip:example.com", allTransports)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrNoRoutes)
		assert.Contains(t, err.Error(), "i/o timeout")
	})

	t.Run("invalid uri", func(t *testing.T) {
		_, err := newTestResolver(newFakeExchanger(nil)).Lookup(context.Background(), "sip:", allTransports)
		assert.Error(t, err)
	})
}

func TestNewDNSResolver_ExplicitServers(t *testing.T) {
	r, err := NewDNSResolver(config.DNSConfig{Servers: []string{"192.0.2.53", "192.0.2.54:5353"}, TimeoutMS: 500}, logging.NewNop())
	require.NoError(t, err)
	assert.Equal(t, []string{"192.0.2.53:53", "192.0.2.54:5353"}, r.servers)
}

func TestPolicy_Choose(t *testing.T) {
	tests := []struct {
		name     string
		policy   Policy
		want     string
		strategy Strategy
	}{
		{"direct", Policy{Domain: "example.com"}, "sip:bob@example.org", StrategyTarget},
		{"outbound proxy", Policy{OutboundProxy: "proxy.example.com:5080", AlwaysUseMyProxy: true, Domain: "example.com"}, "sip:proxy.example.com:5080", StrategyOutboundProxy},
		{"account domain", Policy{AlwaysUseMyProxy: true, Domain: "example.com"}, "sip:example.com", StrategyAccountDomain},
		{"bonjour ignores proxies", Policy{Bonjour: true, OutboundProxy: "proxy.example.com"}, "sip:bob@example.org", StrategyTarget},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, strategy := tt.policy.Choose("sip:bob@example.org")
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.strategy, strategy)
		})
	}
}

func TestPolicyFor(t *testing.T) {
	account := &config.Account{ID: "alice@example.com", AlwaysUseMyProxy: true}
	assert.Equal(t, Policy{AlwaysUseMyProxy: true, Domain: "example.com"}, PolicyFor(account))
}
