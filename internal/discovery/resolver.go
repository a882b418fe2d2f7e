// Package discovery resolves federation server names to concrete
// network endpoints: IP literals, explicit ports, well-known
// delegation, SRV records, then the 8448 fallback, with per-server
// backoff and TTL caches in front of the network.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/netip"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

const (
	defaultFederationPort = 8448
	srvFederation         = "_matrix-fed._tcp."
	srvLegacy             = "_matrix._tcp."
	errorCacheTTL         = time.Hour
	defaultResolveTimeout = 10 * time.Second
)

// ResolutionMethod records which step of the discovery chain produced
// an endpoint.
type ResolutionMethod int

const (
	IPLiteral ResolutionMethod = iota
	ExplicitPort
	WellKnownDelegation
	SrvMatrixFed
	SrvMatrixLegacy
	FallbackPort8448
)

func (m ResolutionMethod) String() string {
	switch m {
	case IPLiteral:
		return "ip_literal"
	case ExplicitPort:
		return "explicit_port"
	case WellKnownDelegation:
		return "well_known"
	case SrvMatrixFed:
		return "srv_matrix_fed"
	case SrvMatrixLegacy:
		return "srv_matrix_legacy"
	case FallbackPort8448:
		return "fallback_8448"
	default:
		return "unknown"
	}
}

// ResolvedServer is a connectable federation endpoint. HostHeader and
// TLSHostname come from the delegated name, never from the connection
// address, except for IP-literal server names.
type ResolvedServer struct {
	IP          netip.Addr
	Port        int
	HostHeader  string
	TLSHostname string
	Method      ResolutionMethod
}

// Addr returns the dialable "ip:port" string.
func (s *ResolvedServer) Addr() string {
	return netip.AddrPortFrom(s.IP, uint16(s.Port)).String()
}

type errorEntry struct {
	msg       string
	expiresAt time.Time
}

// Resolver runs the server discovery state machine. Safe for
// concurrent use; all caches are internal.
type Resolver struct {
	dns       *DNSClient
	wellKnown *WellKnownClient
	backoff   *Backoff
	errors    *xsync.Map[string, errorEntry]
	timeout   time.Duration
	now       func() time.Time
}

func NewResolver(dnsClient *DNSClient, wellKnown *WellKnownClient, timeout time.Duration) *Resolver {
	if timeout <= 0 {
		timeout = defaultResolveTimeout
	}
	return &Resolver{
		dns:       dnsClient,
		wellKnown: wellKnown,
		backoff:   NewBackoff(),
		errors:    xsync.NewMap[string, errorEntry](),
		timeout:   timeout,
		now:       time.Now,
	}
}

// Resolve maps a server name to an endpoint. It refuses to touch the
// network while the server is inside its backoff window; a fresh
// failure extends the window and is cached for an hour, a success
// clears both. Caller cancellation leaves the backoff window and the
// error cache untouched.
func (r *Resolver) Resolve(ctx context.Context, serverName string) (*ResolvedServer, error) {
	sn, err := ParseServerName(serverName)
	if err != nil {
		return nil, err
	}

	if retryAt, blocked := r.backoff.Blocked(serverName); blocked {
		if entry, ok := r.errors.Load(serverName); ok && r.now().Before(entry.expiresAt) {
			return nil, fmt.Errorf("%w: %s until %s (last error: %s)",
				ErrBackoff, serverName, retryAt.Format(time.RFC3339), entry.msg)
		}
		return nil, fmt.Errorf("%w: %s until %s", ErrBackoff, serverName, retryAt.Format(time.RFC3339))
	}

	resolved, err := r.resolveParsed(ctx, sn, false)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		r.backoff.RecordFailure(serverName)
		r.errors.Store(serverName, errorEntry{
			msg:       err.Error(),
			expiresAt: r.now().Add(errorCacheTTL),
		})
		return nil, err
	}

	r.backoff.RecordSuccess(serverName)
	r.errors.Delete(serverName)
	log.Printf("[discovery] resolved %s via %s -> %s", serverName, resolved.Method, resolved.Addr())
	return resolved, nil
}

// Each network operation runs under its own deadline so a slow step
// fails that step alone instead of draining the budget of the steps
// after it.

func (r *Resolver) lookupIP(ctx context.Context, host string) (netip.Addr, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.dns.LookupIP(ctx, host)
}

func (r *Resolver) lookupSRV(ctx context.Context, service string) ([]SrvRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.dns.LookupSRV(ctx, service)
}

func (r *Resolver) lookupWellKnown(ctx context.Context, host string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.wellKnown.Lookup(ctx, host)
}

// resolveParsed walks the discovery steps in order. Step failures fall
// through to the next step; only the final fallback is fatal.
// delegated marks a recursive call from a well-known document, which
// must not consult well-known again.
func (r *Resolver) resolveParsed(ctx context.Context, sn ServerName, delegated bool) (*ResolvedServer, error) {
	if addr, err := netip.ParseAddr(sn.Host); err == nil {
		return &ResolvedServer{
			IP:          addr,
			Port:        sn.PortOr(defaultFederationPort),
			HostHeader:  sn.String(),
			TLSHostname: sn.Host,
			Method:      IPLiteral,
		}, nil
	}

	if sn.HasPort {
		addr, err := r.lookupIP(ctx, sn.Host)
		if err == nil {
			return &ResolvedServer{
				IP:          addr,
				Port:        sn.Port,
				HostHeader:  sn.String(),
				TLSHostname: sn.Host,
				Method:      ExplicitPort,
			}, nil
		}
		log.Printf("[discovery] explicit-port lookup for %s failed: %v", sn.Host, err)
	}

	if !delegated {
		if resolved, ok := r.resolveWellKnown(ctx, sn.Host); ok {
			return resolved, nil
		}
	}

	for _, srv := range []struct {
		prefix string
		method ResolutionMethod
	}{
		{srvFederation, SrvMatrixFed},
		{srvLegacy, SrvMatrixLegacy},
	} {
		records, err := r.lookupSRV(ctx, srv.prefix+sn.Host)
		if err != nil {
			log.Printf("[discovery] srv lookup %s%s failed: %v", srv.prefix, sn.Host, err)
			continue
		}
		for _, rec := range records {
			addr, err := r.lookupIP(ctx, rec.Target)
			if err != nil {
				continue
			}
			return &ResolvedServer{
				IP:          addr,
				Port:        rec.Port,
				HostHeader:  sn.String(),
				TLSHostname: sn.Host,
				Method:      srv.method,
			}, nil
		}
	}

	addr, err := r.lookupIP(ctx, sn.Host)
	if err != nil {
		return nil, fmt.Errorf("discovery: resolve %s: %w", sn.Host, err)
	}
	return &ResolvedServer{
		IP:          addr,
		Port:        defaultFederationPort,
		HostHeader:  sn.String(),
		TLSHostname: sn.Host,
		Method:      FallbackPort8448,
	}, nil
}

// resolveWellKnown follows a delegation document if one exists. The
// result keeps the delegated identity but is tagged as well-known
// regardless of which sub-step matched.
func (r *Resolver) resolveWellKnown(ctx context.Context, host string) (*ResolvedServer, bool) {
	delegatedName, found, err := r.lookupWellKnown(ctx, host)
	if err != nil {
		log.Printf("[discovery] well-known fetch for %s failed: %v", host, err)
		return nil, false
	}
	if !found {
		return nil, false
	}
	dn, err := ParseServerName(delegatedName)
	if err != nil {
		log.Printf("[discovery] %s delegates to invalid name %q", host, delegatedName)
		return nil, false
	}
	resolved, err := r.resolveParsed(ctx, dn, true)
	if err != nil {
		log.Printf("[discovery] delegated resolution %s -> %s failed: %v", host, delegatedName, err)
		return nil, false
	}
	resolved.Method = WellKnownDelegation
	return resolved, true
}
