// Package seeds resolves DNS seed hostnames into dialable peer addresses.
package seeds

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
)

const defaultQueryTimeout = 3 * time.Second

// Resolver abstracts host lookups so tests can point at an in-process server.
type Resolver interface {
	LookupHost(ctx context.Context, name string) ([]string, error)
}

// System returns a Resolver backed by the operating system resolver.
func System() Resolver {
	return systemResolver{resolver: net.DefaultResolver}
}

type systemResolver struct {
	resolver *net.Resolver
}

func (s systemResolver) LookupHost(ctx context.Context, name string) ([]string, error) {
	return s.resolver.LookupHost(ctx, name)
}

// DNSResolver queries a single DNS server directly for A and AAAA records.
type DNSResolver struct {
	server string
	client *dns.Client
}

// NewDNSResolver returns a resolver that sends UDP queries to server
// (host:port). A zero timeout uses three seconds.
func NewDNSResolver(server string, timeout time.Duration) *DNSResolver {
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}
	return &DNSResolver{
		server: server,
		client: &dns.Client{Net: "udp", Timeout: timeout},
	}
}

// LookupHost returns every A and AAAA record for name.
func (r *DNSResolver) LookupHost(ctx context.Context, name string) ([]string, error) {
	fqdn := dns.Fqdn(strings.TrimSpace(name))
	if fqdn == "." {
		return nil, errors.New("seeds: empty host name")
	}
	var (
		hosts []string
		errs  []error
	)
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := new(dns.Msg)
		msg.SetQuestion(fqdn, qtype)
		msg.RecursionDesired = true

		resp, _, err := r.client.ExchangeContext(ctx, msg, r.server)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", dns.TypeToString[qtype], fqdn, err))
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			errs = append(errs, fmt.Errorf("%s %s: %s", dns.TypeToString[qtype], fqdn, dns.RcodeToString[resp.Rcode]))
			continue
		}
		for _, rr := range resp.Answer {
			switch record := rr.(type) {
			case *dns.A:
				hosts = append(hosts, record.A.String())
			case *dns.AAAA:
				hosts = append(hosts, record.AAAA.String())
			}
		}
	}
	if len(hosts) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return hosts, nil
}

// Resolve expands seed entries of the form host[:port] into ip:port
// addresses, using defaultPort when an entry carries none. Entries that fail
// to resolve are reported in the joined error while the rest are returned.
func Resolve(ctx context.Context, resolver Resolver, entries []string, defaultPort uint16) ([]string, error) {
	if resolver == nil {
		resolver = System()
	}
	seen := make(map[string]struct{})
	var (
		out  []string
		errs []error
	)
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		host, port, err := splitSeed(entry, defaultPort)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		var ips []string
		if ip := net.ParseIP(host); ip != nil {
			ips = []string{ip.String()}
		} else {
			ips, err = resolver.LookupHost(ctx, host)
			if err != nil {
				errs = append(errs, fmt.Errorf("seeds: resolve %s: %w", host, err))
				continue
			}
		}
		for _, ip := range ips {
			addr := net.JoinHostPort(ip, strconv.Itoa(int(port)))
			if _, dup := seen[addr]; dup {
				continue
			}
			seen[addr] = struct{}{}
			out = append(out, addr)
		}
	}
	sort.Strings(out)
	return out, errors.Join(errs...)
}

func splitSeed(entry string, defaultPort uint16) (string, uint16, error) {
	host, rawPort, err := net.SplitHostPort(entry)
	if err != nil {
		// Bare hostnames and IPv6 literals without a port.
		if defaultPort == 0 {
			return "", 0, fmt.Errorf("seeds: %q has no port", entry)
		}
		return strings.Trim(entry, "[]"), defaultPort, nil
	}
	port, err := strconv.ParseUint(rawPort, 10, 16)
	if err != nil || port == 0 {
		return "", 0, fmt.Errorf("seeds: invalid port in %q", entry)
	}
	return host, uint16(port), nil
}
