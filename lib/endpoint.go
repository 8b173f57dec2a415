package lib

import (
	"fmt"
	"net"
)

// Endpoint is one side of the datagram channel: an IP address and a port.
// It implements net.Addr so connections can hand it out directly.
type Endpoint struct {
	IP   net.IP
	Port int
}

func NewEndpoint(ip net.IP, port int) Endpoint {
	return Endpoint{IP: ip, Port: port}
}

// ParseEndpoint parses "host:port" into an Endpoint. The host part must be a
// literal IP address.
func ParseEndpoint(s string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Endpoint{}, err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return Endpoint{}, fmt.Errorf("endpoint %q: host part is not an IP address", s)
	}
	port, err := net.LookupPort("udp", portStr)
	if err != nil {
		return Endpoint{}, err
	}
	return Endpoint{IP: ip, Port: port}, nil
}

func (e Endpoint) Network() string {
	return "rudp"
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.IP.String(), fmt.Sprintf("%d", e.Port))
}

// key is the multiplexer map key for this endpoint. IPv4 addresses are
// normalized to their 4-byte form first so ::ffff:a.b.c.d and a.b.c.d land on
// the same entry.
func (e Endpoint) key() string {
	ip := e.IP
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	return net.JoinHostPort(ip.String(), fmt.Sprintf("%d", e.Port))
}

func (e Endpoint) equal(other Endpoint) bool {
	return e.Port == other.Port && e.IP.Equal(other.IP)
}

// isUnspecified reports whether the address part is absent or the zero
// address of its family.
func (e Endpoint) isUnspecified() bool {
	return e.IP == nil || e.IP.IsUnspecified()
}

// withLoopback substitutes an unspecified address with the loopback address
// of the matching family, keeping the port.
func (e Endpoint) withLoopback() Endpoint {
	if !e.isUnspecified() {
		return e
	}
	if e.IP == nil || e.IP.To4() != nil {
		return Endpoint{IP: net.IPv4(127, 0, 0, 1), Port: e.Port}
	}
	return Endpoint{IP: net.IPv6loopback, Port: e.Port}
}

func (e Endpoint) udpAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: e.IP, Port: e.Port}
}

func endpointFromUDPAddr(addr *net.UDPAddr) Endpoint {
	return Endpoint{IP: addr.IP, Port: addr.Port}
}
