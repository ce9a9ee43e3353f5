//go:build linux

package core

import (
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/sys/unix"
)

// Endpoint is a resolved stream socket address: an IP/port pair for the tcp
// networks or a filesystem path for unix.
type Endpoint struct {
	Network  string
	AddrPort netip.AddrPort
	Path     string
}

func ResolveEndpoint(network, address string) (Endpoint, error) {
	switch network {
	case "unix":
		if address == "" {
			return Endpoint{}, fmt.Errorf("unix socket path is empty")
		}
		if len(address) >= len(unix.RawSockaddrUnix{}.Path) {
			return Endpoint{}, fmt.Errorf("unix socket path too long: %q", address)
		}
		return Endpoint{Network: network, Path: address}, nil
	case "tcp", "tcp4", "tcp6":
		tcpAddr, err := net.ResolveTCPAddr(network, address)
		if err != nil {
			return Endpoint{}, fmt.Errorf("resolve %s address %q: %w", network, address, err)
		}
		ap := tcpAddr.AddrPort()
		addr := ap.Addr().Unmap()
		if !addr.IsValid() {
			// ":5555" のようにホストが空なら INADDR_ANY
			addr = netip.IPv4Unspecified()
			if network == "tcp6" {
				addr = netip.IPv6Unspecified()
			}
		}
		return Endpoint{Network: network, AddrPort: netip.AddrPortFrom(addr, ap.Port())}, nil
	default:
		return Endpoint{}, fmt.Errorf("unsupported network %q", network)
	}
}

func (e Endpoint) Family() int {
	switch {
	case e.Network == "unix":
		return unix.AF_UNIX
	case e.AddrPort.Addr().Is4():
		return unix.AF_INET
	default:
		return unix.AF_INET6
	}
}

func (e Endpoint) Sockaddr() unix.Sockaddr {
	switch e.Family() {
	case unix.AF_UNIX:
		return &unix.SockaddrUnix{Name: e.Path}
	case unix.AF_INET:
		return &unix.SockaddrInet4{Port: int(e.AddrPort.Port()), Addr: e.AddrPort.Addr().As4()}
	default:
		return &unix.SockaddrInet6{Port: int(e.AddrPort.Port()), Addr: e.AddrPort.Addr().As16()}
	}
}

func (e Endpoint) String() string {
	if e.Network == "unix" {
		return e.Path
	}
	return e.AddrPort.String()
}

// SockaddrAddrPort converts an inet sockaddr to a netip.AddrPort.
func SockaddrAddrPort(sa unix.Sockaddr) (netip.AddrPort, bool) {
	switch addr := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(addr.Addr), uint16(addr.Port)), true
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(addr.Addr).Unmap(), uint16(addr.Port)), true
	default:
		return netip.AddrPort{}, false
	}
}

func SockaddrString(sa unix.Sockaddr) string {
	if ap, ok := SockaddrAddrPort(sa); ok {
		return ap.String()
	}
	switch addr := sa.(type) {
	case *unix.SockaddrUnix:
		if addr.Name == "" {
			return "@unnamed"
		}
		return addr.Name
	case nil:
		return ""
	default:
		return fmt.Sprintf("%T", sa)
	}
}
