package discovery

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"time"

	"github.com/miekg/dns"
)

var ErrNoAddress = errors.New("discovery: no address records")

// SrvRecord is one SRV answer with the trailing dot stripped from the
// target. Lower priority wins; among equal priorities, higher weight
// wins.
type SrvRecord struct {
	Priority uint16
	Weight   uint16
	Port     int
	Target   string
}

// QueryFunc issues one DNS question. Tests swap it for a canned
// responder.
type QueryFunc func(ctx context.Context, name string, qtype uint16) (*dns.Msg, error)

// DNSClient wraps the resolver configured on the host. Every query runs
// under the caller's context deadline plus the client timeout, whichever
// is tighter.
type DNSClient struct {
	servers []string
	client  *dns.Client

	// test hook: overrides the wire exchange entirely.
	query QueryFunc
}

func NewDNSClient(timeout time.Duration) *DNSClient {
	servers := []string{"127.0.0.1:53"}
	if conf, err := dns.ClientConfigFromFile("/etc/resolv.conf"); err == nil && len(conf.Servers) > 0 {
		servers = servers[:0]
		for _, s := range conf.Servers {
			servers = append(servers, fmt.Sprintf("%s:%s", s, conf.Port))
		}
	}
	return &DNSClient{
		servers: servers,
		client:  &dns.Client{Timeout: timeout},
	}
}

func (c *DNSClient) exchange(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	if c.query != nil {
		return c.query(ctx, name, qtype)
	}
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = true

	var lastErr error
	for _, server := range c.servers {
		resp, _, err := c.client.ExchangeContext(ctx, m, server)
		if err != nil {
			lastErr = err
			continue
		}
		return resp, nil
	}
	return nil, fmt.Errorf("discovery: dns exchange %s: %w", name, lastErr)
}

// LookupIP resolves a hostname to one address, preferring A over AAAA.
// An IP literal passes straight through.
func (c *DNSClient) LookupIP(ctx context.Context, host string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr, nil
	}
	var lastErr error
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		resp, err := c.exchange(ctx, host, qtype)
		if err != nil {
			lastErr = err
			continue
		}
		for _, rr := range resp.Answer {
			switch a := rr.(type) {
			case *dns.A:
				if addr, ok := netip.AddrFromSlice(a.A); ok {
					return addr.Unmap(), nil
				}
			case *dns.AAAA:
				if addr, ok := netip.AddrFromSlice(a.AAAA); ok {
					return addr, nil
				}
			}
		}
	}
	if lastErr != nil {
		return netip.Addr{}, lastErr
	}
	return netip.Addr{}, fmt.Errorf("%w for %s", ErrNoAddress, host)
}

// LookupSRV queries service (e.g. "_matrix-fed._tcp.example.org") and
// returns the answers sorted into attempt order. A lone "." target is
// the RFC 2782 "service not provided" marker and is dropped.
func (c *DNSClient) LookupSRV(ctx context.Context, service string) ([]SrvRecord, error) {
	resp, err := c.exchange(ctx, service, dns.TypeSRV)
	if err != nil {
		return nil, err
	}
	var records []SrvRecord
	for _, rr := range resp.Answer {
		srv, ok := rr.(*dns.SRV)
		if !ok || srv.Target == "." {
			continue
		}
		records = append(records, SrvRecord{
			Priority: srv.Priority,
			Weight:   srv.Weight,
			Port:     int(srv.Port),
			Target:   strings.TrimSuffix(srv.Target, "."),
		})
	}
	sortSrvRecords(records)
	return records, nil
}

func sortSrvRecords(records []SrvRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Priority != records[j].Priority {
			return records[i].Priority < records[j].Priority
		}
		return records[i].Weight > records[j].Weight
	})
}
