// Package portregistry implements the Port Registry: a process-wide set of
// reserved local ports with a scoped guard, range classification, a
// bindability check, and a suggestion search for busy ports.
//
// Reservation is advisory — the authoritative check is the TCP bind, which
// races with the reservation. The registry exists only to reject obvious
// duplicates inside this process before the OS is asked.
package portregistry

import (
	"fmt"
	"net"
	"sync"

	"github.com/tunnelcore/tunnelcore/internal/xerrors"
)

// Port range boundaries (RFC 6335 terminology).
const (
	SystemPortsStart  = 1
	SystemPortsEnd    = 1023
	UserPortsStart    = 1024
	UserPortsEnd      = 49151
	DynamicPortsStart = 49152
	DynamicPortsEnd   = 65535
)

// reservedPorts lists well-known ports that get a WARN advisory rather than
// a hard rejection when used as a local bind target.
var reservedPorts = map[int]bool{
	22:    true,
	80:    true,
	443:   true,
	3306:  true,
	5432:  true,
	6379:  true,
	27017: true,
}

// Registry is the process-wide reserved-port set. The zero value is ready
// to use.
type Registry struct {
	mu        sync.Mutex
	reserved  map[int]bool
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{reserved: make(map[int]bool)}
}

// Guard is a scoped port reservation. Release removes the port from the
// registry; it is safe to call Release more than once.
type Guard struct {
	registry *Registry
	port     int
	released bool
}

// Port returns the reserved port number.
func (g *Guard) Port() int { return g.port }

// Release removes the reservation. Idempotent.
func (g *Guard) Release() {
	if g == nil || g.released {
		return
	}
	g.registry.mu.Lock()
	delete(g.registry.reserved, g.port)
	g.registry.mu.Unlock()
	g.released = true
}

// Reserve marks port as in use by this process, returning a scoped guard.
// Fails with a PortInUse classified error if the port is already reserved.
func (r *Registry) Reserve(port int) (*Guard, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reserved[port] {
		return nil, xerrors.WithPort(xerrors.PortInUse, port)
	}
	if r.reserved == nil {
		r.reserved = make(map[int]bool)
	}
	r.reserved[port] = true
	return &Guard{registry: r, port: port}, nil
}

// IsReserved reports whether port is currently held by this process.
func (r *Registry) IsReserved(port int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reserved[port]
}

// IsValidPort reports whether port lies in the valid 1-65535 range.
func IsValidPort(port int) bool {
	return port >= 1 && port <= 65535
}

// IsSystemPort reports whether port requires elevated privileges to bind.
func IsSystemPort(port int) bool {
	return port >= SystemPortsStart && port <= SystemPortsEnd
}

// IsUserPort reports whether port falls in the user-registrable range.
func IsUserPort(port int) bool {
	return port >= UserPortsStart && port <= UserPortsEnd
}

// IsDynamicPort reports whether port falls in the ephemeral range.
func IsDynamicPort(port int) bool {
	return port >= DynamicPortsStart && port <= DynamicPortsEnd
}

// IsCommonlyReserved reports whether port is a well-known service port that
// warrants a WARN advisory (not a rejection) when chosen as a tunnel's
// local bind target.
func IsCommonlyReserved(port int) bool {
	return reservedPorts[port]
}

// IsBindable attempts a TCP bind on bindAddress:port and immediately
// releases it. A false result does not distinguish "in use" from other
// bind failures (bad address, permission denied); ValidatePort reports any
// such failure as PortInUse.
func IsBindable(bindAddress string, port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("%s:%d", bindAddress, port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

// ValidatePort runs the composite check the Port Registry exposes: range,
// then (unless allowSystemPorts) the system-port restriction, then this
// process's own reservation set, then OS-level bindability.
func (r *Registry) ValidatePort(port int, bindAddress string, allowSystemPorts bool) error {
	if !IsValidPort(port) {
		return xerrors.WithPort(xerrors.InvalidPort, port)
	}
	if IsSystemPort(port) && !allowSystemPorts {
		return xerrors.New(xerrors.TunnelFailed,
			fmt.Sprintf("port %d is a system port (1-1023) and requires elevated privileges; use a port >= 1024 instead", port))
	}
	if r.IsReserved(port) {
		return xerrors.WithPort(xerrors.PortInUse, port)
	}
	if !IsBindable(bindAddress, port) {
		return xerrors.WithPort(xerrors.PortInUse, port)
	}
	return nil
}

// SuggestAlternativePort looks for a free port near preferred first
// (offsets +1..+100), falling back to a scan of the full user-port range.
// Returns ok=false if nothing is found.
func (r *Registry) SuggestAlternativePort(preferred int, bindAddress string) (int, bool) {
	for offset := 1; offset <= 100; offset++ {
		candidate := preferred + offset
		if IsValidPort(candidate) && !r.IsReserved(candidate) && IsBindable(bindAddress, candidate) {
			return candidate, true
		}
	}
	for port := UserPortsStart; port <= UserPortsEnd; port++ {
		if !r.IsReserved(port) && IsBindable(bindAddress, port) {
			return port, true
		}
	}
	return 0, false
}

// RecommendedRange returns the suggested port window for a named purpose,
// falling back to the full user-port range for unrecognized purposes.
func RecommendedRange(purpose string) (start, end int) {
	switch purpose {
	case "database":
		return 13000, 13999
	case "web":
		return 8000, 8999
	case "socks":
		return 1080, 1089
	case "general":
		return 10000, 19999
	default:
		return UserPortsStart, UserPortsEnd
	}
}
