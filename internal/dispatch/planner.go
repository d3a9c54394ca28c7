package dispatch

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sort"
	"strings"

	"github.com/miekg/dns"
)

// Candidate is one (host, ip) pair in a connection plan.
type Candidate struct {
	Host string
	IP   net.IP
}

// Resolver performs the MX rollup and A/AAAA resolution spec.md §4.5
// describes. It wraps github.com/miekg/dns directly rather than net.Resolver
// so the MX preference values are available for ordering and so the MX set
// itself can be hashed into the site name.
type Resolver struct {
	Client  *dns.Client
	Servers []string
}

func NewResolver(servers []string) *Resolver {
	return &Resolver{Client: new(dns.Client), Servers: servers}
}

func (r *Resolver) server() string {
	if len(r.Servers) == 0 {
		return "127.0.0.1:53"
	}
	return r.Servers[0]
}

// mxRecord pairs a hostname with its preference for sorting.
type mxRecord struct {
	Host string
	Pref uint16
}

// ResolveMX performs the MX lookup for domain, falling back to an implicit
// MX of the domain itself (RFC 5321 §5.1) when no MX records exist.
func (r *Resolver) ResolveMX(ctx context.Context, domain string) ([]mxRecord, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(domain), dns.TypeMX)
	in, _, err := r.Client.ExchangeContext(ctx, m, r.server())
	if err != nil {
		return nil, fmt.Errorf("mx lookup %s: %w", domain, err)
	}

	var recs []mxRecord
	for _, ans := range in.Answer {
		if mx, ok := ans.(*dns.MX); ok {
			recs = append(recs, mxRecord{Host: strings.TrimSuffix(mx.Mx, "."), Pref: mx.Preference})
		}
	}
	if len(recs) == 0 {
		recs = []mxRecord{{Host: domain, Pref: 0}}
	}
	return recs, nil
}

// ResolveHost returns every A/AAAA address for host.
func (r *Resolver) ResolveHost(ctx context.Context, host string) ([]net.IP, error) {
	var ips []net.IP
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(host), qtype)
		in, _, err := r.Client.ExchangeContext(ctx, m, r.server())
		if err != nil {
			continue
		}
		for _, ans := range in.Answer {
			switch rr := ans.(type) {
			case *dns.A:
				ips = append(ips, rr.A)
			case *dns.AAAA:
				ips = append(ips, rr.AAAA)
			}
		}
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no addresses for %s", host)
	}
	return ips, nil
}

// Plan builds the ordered connection plan for domain: MX records ordered by
// preference (randomized within a preference tier), each expanded to its
// A/AAAA addresses, per spec.md §4.5.
func (r *Resolver) Plan(ctx context.Context, domain string) ([]Candidate, error) {
	mxs, err := r.ResolveMX(ctx, domain)
	if err != nil {
		return nil, err
	}
	return r.planFromMX(ctx, domain, mxs)
}

// planFromMX orders an already-resolved MX set and expands it to candidates.
func (r *Resolver) planFromMX(ctx context.Context, domain string, mxs []mxRecord) ([]Candidate, error) {
	sort.SliceStable(mxs, func(i, j int) bool { return mxs[i].Pref < mxs[j].Pref })

	// Shuffle within each preference tier, RFC 5321 §5.1.
	for i := 0; i < len(mxs); {
		j := i
		for j < len(mxs) && mxs[j].Pref == mxs[i].Pref {
			j++
		}
		tier := mxs[i:j]
		rand.Shuffle(len(tier), func(a, b int) { tier[a], tier[b] = tier[b], tier[a] })
		i = j
	}

	var plan []Candidate
	for _, mx := range mxs {
		ips, err := r.ResolveHost(ctx, mx.Host)
		if err != nil {
			continue
		}
		for _, ip := range ips {
			plan = append(plan, Candidate{Host: mx.Host, IP: ip})
		}
	}
	if len(plan) == 0 {
		return nil, fmt.Errorf("no resolvable hosts for domain %s", domain)
	}
	return plan, nil
}

// PlanSite resolves domain's MX set once and returns both the canonical
// site name (the connection-pool key) and the ordered candidate list,
// sparing dispatcher callers a second MX lookup just to compute SiteName.
func (r *Resolver) PlanSite(ctx context.Context, domain string) (site string, plan []Candidate, err error) {
	mxs, err := r.ResolveMX(ctx, domain)
	if err != nil {
		return "", nil, err
	}
	site = SiteName(mxs)
	plan, err = r.planFromMX(ctx, domain, mxs)
	if err != nil {
		return "", nil, err
	}
	return site, plan, nil
}

// SiteName derives the canonical connection-pool key from an MX rollup:
// domains sharing an MX set collapse to the same site, per spec.md §3. The
// hostnames are lower-cased and sorted so set membership, not MX order,
// determines identity.
func SiteName(mxs []mxRecord) string {
	hosts := make([]string, len(mxs))
	for i, mx := range mxs {
		hosts[i] = strings.ToLower(mx.Host)
	}
	sort.Strings(hosts)
	return strings.Join(hosts, ",")
}
