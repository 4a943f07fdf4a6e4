// Package discovery implements the DNS-alias bootstrap machinery of §4.4:
// resolving a well-known alias to a set of peer addresses, deterministically
// ordered, for both MN-to-MN bootstrap and SN-to-MN heartbeat delivery.
package discovery

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/miekg/dns"
)

// Resolver resolves a DNS alias to a sorted, deduplicated list of
// addresses. When a custom DNS server is configured it queries that
// server directly with miekg/dns (useful for pointing at a test or
// development resolver); otherwise it falls back to the process's
// default resolver.
type Resolver struct {
	dnsServer string // "host:port" of a custom resolver, empty for system default
	port      int
	timeout   time.Duration
}

// New creates a Resolver for a service listening on port. dnsServer may be
// empty to use the OS resolver.
func New(dnsServer string, port int) *Resolver {
	return &Resolver{dnsServer: dnsServer, port: port, timeout: 5 * time.Second}
}

// Resolve looks up alias and returns "ip:port" addresses, sorted for
// deterministic bootstrap fan-out order (grounded on the Python original's
// sorted-address discovery contract).
func (r *Resolver) Resolve(ctx context.Context, alias string) ([]string, error) {
	var ips []string
	var err error
	if r.dnsServer != "" {
		ips, err = r.resolveViaCustomServer(alias)
	} else {
		ips, err = r.resolveViaSystemResolver(ctx, alias)
	}
	if err != nil {
		return nil, err
	}

	unique := make(map[string]struct{}, len(ips))
	for _, ip := range ips {
		unique[ip] = struct{}{}
	}
	addrs := make([]string, 0, len(unique))
	for ip := range unique {
		addrs = append(addrs, net.JoinHostPort(ip, strconv.Itoa(r.port)))
	}
	sort.Strings(addrs)
	return addrs, nil
}

func (r *Resolver) resolveViaSystemResolver(ctx context.Context, alias string) ([]string, error) {
	ips, err := net.DefaultResolver.LookupHost(ctx, alias)
	if err != nil {
		return nil, fmt.Errorf("discovery: system resolver lookup %q: %w", alias, err)
	}
	return filterIPv4(ips), nil
}

func (r *Resolver) resolveViaCustomServer(alias string) ([]string, error) {
	client := new(dns.Client)
	client.Timeout = r.timeout

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(alias), dns.TypeA)

	resp, _, err := client.Exchange(msg, r.dnsServer)
	if err != nil {
		return nil, fmt.Errorf("discovery: query %s for %q: %w", r.dnsServer, alias, err)
	}

	var ips []string
	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			ips = append(ips, a.A.String())
		}
	}
	return ips, nil
}

func filterIPv4(ips []string) []string {
	var out []string
	for _, ip := range ips {
		parsed := net.ParseIP(ip)
		if parsed != nil && parsed.To4() != nil {
			out = append(out, ip)
		}
	}
	return out
}
