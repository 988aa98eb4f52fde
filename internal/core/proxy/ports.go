package proxy

import (
	"errors"
	"fmt"
)

// ErrPortsExhausted is returned when every port in the range is taken.
var ErrPortsExhausted = errors.New("host port range exhausted")

// PortRange is the inclusive range of host ports spaces bind to. One port is
// held per awake space; sleeping releases it.
type PortRange struct {
	Start int
	End   int
}

// DefaultPortRange returns the default range, sized well past any plausible
// single-host space count.
func DefaultPortRange() PortRange {
	return PortRange{Start: 30000, End: 39999}
}

// Contains reports whether the port falls inside the range. A space waking
// with a port from a previously configured range fails this and gets a
// fresh allocation.
func (r PortRange) Contains(port int) bool {
	return port >= r.Start && port <= r.End
}

// AllocatePort picks the lowest port in the range not present in used. Pure:
// the caller supplies the ports currently held and persists the result.
func AllocatePort(used []int, r PortRange) (int, error) {
	taken := make(map[int]struct{}, len(used))
	for _, p := range used {
		taken[p] = struct{}{}
	}
	for port := r.Start; port <= r.End; port++ {
		if _, ok := taken[port]; !ok {
			return port, nil
		}
	}
	return 0, fmt.Errorf("%w: %d-%d", ErrPortsExhausted, r.Start, r.End)
}
