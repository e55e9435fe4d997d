// Package netutil parses the proxy's address URLs and carries the
// socket-option helpers shared by the listener and tunnel sockets.
package netutil

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Addr is a parsed "A.B.C.D:PORT" or "[::1]:PORT" address, bit-exact
// with the formats the dispatcher feed and the CLI's FRONT argument
// both use.
type Addr struct {
	IP   net.IP
	Port int
	V6   bool
}

// ParseAddr parses one address URL. IPv6 literals must be bracketed;
// IPv4 literals must not be.
func ParseAddr(raw string) (*Addr, error) {
	if strings.HasPrefix(raw, "[") {
		return parseV6(raw)
	}
	return parseV4(raw)
}

func parseV6(raw string) (*Addr, error) {
	end := strings.IndexByte(raw, ']')
	if end < 0 {
		return nil, fmt.Errorf("netutil: address %q missing closing ]", raw)
	}
	host := raw[1:end]
	rest := raw[end+1:]
	if !strings.HasPrefix(rest, ":") {
		return nil, fmt.Errorf("netutil: address %q missing port", raw)
	}
	port, err := strconv.Atoi(rest[1:])
	if err != nil {
		return nil, fmt.Errorf("netutil: address %q bad port: %w", raw, err)
	}
	ip := net.ParseIP(host)
	if ip == nil || ip.To4() != nil {
		return nil, fmt.Errorf("netutil: address %q is not a valid IPv6 host", raw)
	}
	return &Addr{IP: ip, Port: port, V6: true}, nil
}

func parseV4(raw string) (*Addr, error) {
	idx := strings.LastIndexByte(raw, ':')
	if idx < 0 {
		return nil, fmt.Errorf("netutil: address %q missing port", raw)
	}
	host, portStr := raw[:idx], raw[idx+1:]
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("netutil: address %q bad port: %w", raw, err)
	}
	ip := net.ParseIP(host)
	if ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("netutil: address %q is not a valid IPv4 host", raw)
	}
	return &Addr{IP: ip, Port: port, V6: false}, nil
}

// Family returns the socket address family to pass to socket(2).
func (a *Addr) Family() int {
	if a.V6 {
		return unix.AF_INET6
	}
	return unix.AF_INET
}

// Sockaddr builds the unix.Sockaddr this address represents.
func (a *Addr) Sockaddr() unix.Sockaddr {
	if a.V6 {
		var b [16]byte
		copy(b[:], a.IP.To16())
		return &unix.SockaddrInet6{Port: a.Port, Addr: b}
	}
	var b [4]byte
	copy(b[:], a.IP.To4())
	return &unix.SockaddrInet4{Port: a.Port, Addr: b}
}

func (a *Addr) String() string {
	if a.V6 {
		return fmt.Sprintf("[%s]:%d", a.IP, a.Port)
	}
	return fmt.Sprintf("%s:%d", a.IP, a.Port)
}

// SockaddrString formats a unix.Sockaddr (as returned by accept4/
// getpeername) the same way Addr.String does, for log lines.
func SockaddrString(sa unix.Sockaddr) string {
	switch s := sa.(type) {
	case *unix.SockaddrInet4:
		return fmt.Sprintf("%s:%d", net.IP(s.Addr[:]), s.Port)
	case *unix.SockaddrInet6:
		return fmt.Sprintf("[%s]:%d", net.IP(s.Addr[:]), s.Port)
	default:
		return "?"
	}
}
