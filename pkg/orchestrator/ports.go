package orchestrator

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// Port allocation constants.
const (
	// DefaultBasePort is the first candidate when a request names no base port.
	DefaultBasePort = 5005

	// PortBlockSize is the number of consecutive ports reserved per run.
	PortBlockSize = 20

	// MaxPortProbes bounds how many candidate blocks are examined.
	MaxPortProbes = 200

	maxPort             = 65535
	defaultProbeTimeout = 200 * time.Millisecond
)

// PortBlock is a contiguous range [Base, Base+Size) owned by one run.
type PortBlock struct {
	Owner string
	Base  int
	Size  int
}

// End returns the first port after the block.
func (b PortBlock) End() int {
	return b.Base + b.Size
}

// Contains reports whether port falls inside the block.
func (b PortBlock) Contains(port int) bool {
	return port >= b.Base && port < b.End()
}

// Overlaps reports whether the two blocks share any port.
func (b PortBlock) Overlaps(o PortBlock) bool {
	return b.Base < o.End() && o.Base < b.End()
}

// PortProber reports whether something on this host already listens on a port.
type PortProber interface {
	InUse(port int) bool
}

// TCPProber probes ports by attempting a TCP connection.
type TCPProber struct {
	// Host defaults to 127.0.0.1.
	Host string
	// Timeout defaults to 200ms.
	Timeout time.Duration
}

func (p TCPProber) InUse(port int) bool {
	host := p.Host
	if host == "" {
		host = "127.0.0.1"
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// PortAllocation is the outcome of a successful allocation.
type PortAllocation struct {
	Base      int
	Requested int
	Probes    int
	// Message is set when an explicitly requested base port was busy and a
	// different block was chosen. It is advisory, not an error.
	Message string
}

// PortAllocator finds non-overlapping port blocks for training runs.
//
// PortAllocator holds no reservation state of its own: the registry passes the
// blocks of its non-terminal runs on every call, under its lock.
type PortAllocator struct {
	prober      PortProber
	defaultBase int
	blockSize   int
	maxProbes   int
}

// NewPortAllocator creates an allocator. A nil prober uses TCPProber; a
// non-positive defaultBase uses DefaultBasePort.
func NewPortAllocator(prober PortProber, defaultBase int) *PortAllocator {
	if prober == nil {
		prober = TCPProber{}
	}
	if defaultBase <= 0 {
		defaultBase = DefaultBasePort
	}
	return &PortAllocator{
		prober:      prober,
		defaultBase: defaultBase,
		blockSize:   PortBlockSize,
		maxProbes:   MaxPortProbes,
	}
}

// Prober exposes the prober so the supervisor can reuse it for companion checks.
func (a *PortAllocator) Prober() PortProber {
	return a.prober
}

// Allocate returns a base port whose whole block is free of OS listeners and
// does not overlap any reserved block.
//
// requested is the caller's explicit base port, or 0 to start at the default.
// Candidates advance by exactly the block size so blocks stay aligned relative
// to the starting port.
func (a *PortAllocator) Allocate(requested int, reserved []PortBlock) (PortAllocation, error) {
	explicit := requested > 0
	start := requested
	if !explicit {
		start = a.defaultBase
	}

	candidate := start
	var firstConflict string
	probes := 0
	for probes < a.maxProbes {
		if candidate+a.blockSize-1 > maxPort {
			break
		}
		probes++

		conflict := a.conflict(candidate, reserved)
		if conflict == "" {
			alloc := PortAllocation{Base: candidate, Requested: requested, Probes: probes}
			if explicit && candidate != requested {
				alloc.Message = fmt.Sprintf("Requested base port %d is unavailable (%s); using base port %d instead.",
					requested, firstConflict, candidate)
			}
			return alloc, nil
		}
		if firstConflict == "" {
			firstConflict = conflict
		}
		candidate += a.blockSize
	}

	lastTried := candidate - a.blockSize
	if probes == 0 {
		lastTried = start
	}
	return PortAllocation{}, &PortExhaustedError{Requested: start, LastTried: lastTried, Probes: probes}
}

// conflict describes the first conflicting port in the block at base, or ""
// if the block is free.
func (a *PortAllocator) conflict(base int, reserved []PortBlock) string {
	block := PortBlock{Base: base, Size: a.blockSize}
	for _, r := range reserved {
		if !block.Overlaps(r) {
			continue
		}
		port := r.Base
		if port < base {
			port = base
		}
		if r.Owner != "" {
			return fmt.Sprintf("port %d is reserved by run '%s'", port, r.Owner)
		}
		return fmt.Sprintf("port %d is reserved by another run", port)
	}
	for port := base; port < block.End(); port++ {
		if a.prober.InUse(port) {
			return fmt.Sprintf("port %d is already in use", port)
		}
	}
	return ""
}
