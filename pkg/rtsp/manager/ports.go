package manager

import (
	"fmt"
	"net"
	"sync"
)

// PortRange is an inclusive RTP port range; Min must be even so every
// allocated pair starts on an even RTP port with its RTCP port at +1,
// satisfying invariant I2 (audioLocalPort/videoLocalPort even and
// nonzero whenever the corresponding payload type is set).
type PortRange struct {
	Min int
	Max int
}

// DefaultPortRange matches the original MCU's RTP port pool.
var DefaultPortRange = PortRange{Min: 10000, Max: 20000}

// PortAllocator hands out RTP port pairs to newly admitted sessions,
// adapted from the teacher's media_with_sdp.PortManager for the RTSP
// core's audioLocalPort/videoLocalPort assignment instead of a generic
// media engine's.
type PortAllocator struct {
	mu        sync.Mutex
	r         PortRange
	usedPorts map[int]bool
}

// NewPortAllocator validates the range the same way PortManager does:
// both bounds positive, Min below Max, and room for at least one pair.
func NewPortAllocator(r PortRange) (*PortAllocator, error) {
	if r.Min <= 0 || r.Max <= 0 {
		return nil, fmt.Errorf("manager: invalid port range %d-%d", r.Min, r.Max)
	}
	if r.Min >= r.Max {
		return nil, fmt.Errorf("manager: port range minimum must be below maximum: %d-%d", r.Min, r.Max)
	}
	if r.Max-r.Min < 2 {
		return nil, fmt.Errorf("manager: port range too small for an RTP/RTCP pair")
	}
	return &PortAllocator{r: r, usedPorts: make(map[int]bool)}, nil
}

// AllocatePair returns an even RTP port and its RTCP port (rtp+1),
// verifying both are actually bindable before committing them.
func (a *PortAllocator) AllocatePair() (rtpPort, rtcpPort int, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for port := a.r.Min; port < a.r.Max-1; port += 2 {
		if a.usedPorts[port] || a.usedPorts[port+1] {
			continue
		}
		if a.canBind(port) && a.canBind(port + 1) {
			a.usedPorts[port] = true
			a.usedPorts[port+1] = true
			return port, port + 1, nil
		}
	}
	return 0, 0, fmt.Errorf("manager: no free RTP port pair in %d-%d", a.r.Min, a.r.Max)
}

// Release returns a previously allocated pair to the pool.
func (a *PortAllocator) Release(rtpPort, rtcpPort int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.usedPorts, rtpPort)
	delete(a.usedPorts, rtcpPort)
}

func (a *PortAllocator) canBind(port int) bool {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	ln, err := net.ListenUDP("udp", addr)
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
