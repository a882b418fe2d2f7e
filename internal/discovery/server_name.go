package discovery

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"golang.org/x/net/idna"
)

var ErrInvalidServerName = errors.New("discovery: invalid server name")

// ServerName is a parsed federation server name: a hostname or IP
// literal with an optional explicit port.
type ServerName struct {
	Host    string
	Port    int
	HasPort bool
}

// ParseServerName splits a server name into hostname and optional port.
// Bracketed IPv6 literals ("[::1]:8448") carry a port; a bare
// colon-containing hostname is taken as IPv6 with no port. Unicode
// hostnames are normalized to their IDNA ASCII form.
func ParseServerName(name string) (ServerName, error) {
	if name == "" {
		return ServerName{}, fmt.Errorf("%w: empty", ErrInvalidServerName)
	}

	if strings.HasPrefix(name, "[") {
		end := strings.Index(name, "]")
		if end < 0 {
			return ServerName{}, fmt.Errorf("%w: unclosed bracket in %q", ErrInvalidServerName, name)
		}
		host := name[1:end]
		if addr, err := netip.ParseAddr(host); err != nil || !addr.Is6() {
			return ServerName{}, fmt.Errorf("%w: %q is not an IPv6 literal", ErrInvalidServerName, host)
		}
		rest := name[end+1:]
		if rest == "" {
			return ServerName{Host: host}, nil
		}
		if !strings.HasPrefix(rest, ":") {
			return ServerName{}, fmt.Errorf("%w: trailing %q in %q", ErrInvalidServerName, rest, name)
		}
		port, err := parsePort(rest[1:])
		if err != nil {
			return ServerName{}, fmt.Errorf("%w: %q: %v", ErrInvalidServerName, name, err)
		}
		return ServerName{Host: host, Port: port, HasPort: true}, nil
	}

	// Two or more colons without brackets can only be a bare IPv6
	// literal, so no port split is attempted.
	if strings.Count(name, ":") > 1 {
		if _, err := netip.ParseAddr(name); err != nil {
			return ServerName{}, fmt.Errorf("%w: %q", ErrInvalidServerName, name)
		}
		return ServerName{Host: name}, nil
	}

	host, portStr, found := strings.Cut(name, ":")
	if host == "" {
		return ServerName{}, fmt.Errorf("%w: empty hostname in %q", ErrInvalidServerName, name)
	}
	sn := ServerName{Host: host}
	if found {
		port, err := parsePort(portStr)
		if err != nil {
			return ServerName{}, fmt.Errorf("%w: %q: %v", ErrInvalidServerName, name, err)
		}
		sn.Port = port
		sn.HasPort = true
	}

	if !sn.IsIPLiteral() {
		ascii, err := idna.Lookup.ToASCII(strings.ToLower(sn.Host))
		if err != nil {
			return ServerName{}, fmt.Errorf("%w: %q: %v", ErrInvalidServerName, name, err)
		}
		sn.Host = ascii
	}
	return sn, nil
}

// IsIPLiteral reports whether the hostname is an IP address.
func (s ServerName) IsIPLiteral() bool {
	_, err := netip.ParseAddr(s.Host)
	return err == nil
}

// PortOr returns the explicit port, or def when none was given.
func (s ServerName) PortOr(def int) int {
	if s.HasPort {
		return s.Port
	}
	return def
}

// String reconstructs the server name, bracketing IPv6 hosts.
func (s ServerName) String() string {
	host := s.Host
	if addr, err := netip.ParseAddr(host); err == nil && addr.Is6() {
		host = "[" + host + "]"
	}
	if s.HasPort {
		return host + ":" + strconv.Itoa(s.Port)
	}
	return host
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("non-numeric port %q", s)
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("port %d out of range", port)
	}
	return port, nil
}
