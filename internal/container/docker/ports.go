package docker

import (
	"fmt"
	"sync"
)

// portAllocator hands out loopback host ports from a configured range for
// published IDE ports. The daemon is the final arbiter: a port that is free
// here can still be taken by another process, in which case container start
// fails and the caller retries with the next candidate.
type portAllocator struct {
	mu       sync.Mutex
	start    int
	end      int
	next     int
	reserved map[int]bool
}

func newPortAllocator(start, end int) *portAllocator {
	return &portAllocator{
		start:    start,
		end:      end,
		next:     start,
		reserved: make(map[int]bool),
	}
}

// Reserve returns the next unreserved port in the range. The scan starts
// after the previously handed-out port so freed ports are not immediately
// reused while their TIME_WAIT state drains.
func (a *portAllocator) Reserve() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	size := a.end - a.start + 1
	for i := 0; i < size; i++ {
		port := a.start + (a.next-a.start+i)%size
		if !a.reserved[port] {
			a.reserved[port] = true
			a.next = port + 1
			if a.next > a.end {
				a.next = a.start
			}
			return port, nil
		}
	}
	return 0, fmt.Errorf("no free ports in range %d-%d", a.start, a.end)
}

// MarkUsed records a port observed in use by an existing container so a
// restart does not hand it out again.
func (a *portAllocator) MarkUsed(port int) {
	if port < a.start || port > a.end {
		return
	}
	a.mu.Lock()
	a.reserved[port] = true
	a.mu.Unlock()
}

// Release frees a previously reserved port.
func (a *portAllocator) Release(port int) {
	a.mu.Lock()
	delete(a.reserved, port)
	a.mu.Unlock()
}
