package orchestrator

import (
	"fmt"
	"net"
	"sync"
)

// Default candidate range for spawned server ports.
const (
	defaultPortStart = 8080
	defaultPortEnd   = 8179 // inclusive
)

// portAllocator hands out free local TCP ports from a fixed candidate range.
// A port is considered free when it both bind-tests clean and is not already
// held by a live instance.
type portAllocator struct {
	mu    sync.Mutex
	host  string
	start int
	end   int
	inUse map[int]bool
}

func newPortAllocator(host string, start, end int) *portAllocator {
	if start <= 0 || end < start {
		start, end = defaultPortStart, defaultPortEnd
	}
	return &portAllocator{host: host, start: start, end: end, inUse: make(map[int]bool)}
}

// Allocate bind-tests candidates in order and returns the first free port,
// marking it used.
func (a *portAllocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for p := a.start; p <= a.end; p++ {
		if a.inUse[p] {
			continue
		}
		l, err := net.Listen("tcp", fmt.Sprintf("%s:%d", a.host, p))
		if err != nil {
			continue
		}
		_ = l.Close()
		a.inUse[p] = true
		return p, nil
	}
	return 0, portExhaustedError{start: a.start, end: a.end}
}

// Release marks a port free again. Releasing an unknown port is a no-op.
func (a *portAllocator) Release(port int) {
	a.mu.Lock()
	delete(a.inUse, port)
	a.mu.Unlock()
}

// Reserve marks a specific port used without bind-testing it. Used when
// re-adopting instances from persisted state.
func (a *portAllocator) Reserve(port int) {
	a.mu.Lock()
	a.inUse[port] = true
	a.mu.Unlock()
}

func (a *portAllocator) used() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inUse)
}
