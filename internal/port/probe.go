package port

import (
	"fmt"
	"net"
	"sort"
)

// Prober reports whether a port is in use by something the registry does
// not know about. Probes are advisory: the registry remains the source of
// truth, probes only make the allocator skip additional ports.
type Prober interface {
	InUse(port int) bool
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(port int) bool

// InUse calls f(port).
func (f ProberFunc) InUse(port int) bool {
	return f(port)
}

// Probes combines several probers; a port is in use if any of them says so.
// Nil entries are ignored.
type Probes []Prober

// InUse reports whether any probe considers port taken.
func (p Probes) InUse(port int) bool {
	for _, probe := range p {
		if probe != nil && probe.InUse(port) {
			return true
		}
	}
	return false
}

// PortSet is a static set of ports with a short description of who holds
// each one (a file path, a container name). It is how conflict scan
// findings feed the allocator.
type PortSet map[int]string

// InUse reports whether port is in the set.
func (s PortSet) InUse(port int) bool {
	_, ok := s[port]
	return ok
}

// Add records port with a description of its holder. The first holder wins.
func (s PortSet) Add(port int, holder string) {
	if _, ok := s[port]; !ok {
		s[port] = holder
	}
}

// Ports returns the ports in ascending order.
func (s PortSet) Ports() []int {
	ports := make([]int, 0, len(s))
	for p := range s {
		ports = append(ports, p)
	}
	sort.Ints(ports)
	return ports
}

// HostProbe checks whether ports are bound on the host machine.
//
// It asks the operating system's network stack directly (net.Listen /
// net.ListenPacket) instead of parsing /proc/net/* or shelling out to lsof
// or ss, which may require elevated permissions and differ per platform.
//
// The struct carries no state today. It is a struct rather than a bare
// function so it can be passed to the Allocator as a Prober and replaced by a
// fake in tests.
type HostProbe struct{}

// NewHostProbe creates a new HostProbe.
func NewHostProbe() *HostProbe {
	return &HostProbe{}
}

// IsPortAvailable checks whether a single port is free on the host.
//
// We bind to all interfaces (":port" rather than "127.0.0.1:port") because
// development servers and Docker commonly publish on 0.0.0.0.
//
// protocol is "tcp" or "udp"; any other value reports unavailable.
//
// A successful bind is released immediately, so there is a window in which
// another program can take the port before the service starts. The registry
// row is what actually reserves the port between portkeeper invocations.
func (h *HostProbe) IsPortAvailable(port int, protocol string) bool {
	addr := fmt.Sprintf(":%d", port)

	switch protocol {
	case "tcp":
		// Fails with "address already in use" when another process listens.
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			return false
		}
		defer func() { _ = listener.Close() }()
		return true

	case "udp":
		// UDP is connectionless, so the bind check goes through ListenPacket.
		conn, err := net.ListenPacket("udp", addr)
		if err != nil {
			return false
		}
		defer func() { _ = conn.Close() }()
		return true

	default:
		// Unknown protocol: report unavailable so the port is skipped.
		return false
	}
}

// InUse reports whether a TCP listener already holds port.
func (h *HostProbe) InUse(port int) bool {
	return !h.IsPortAvailable(port, "tcp")
}
