package failover

import (
	"sort"
	"sync"
	"time"

	"github.com/cuemby/mpathd/pkg/types"
)

// Queue holds commands waiting for a failover decision in one FIFO per
// originating host. Push never blocks: workers are woken through a bounded
// signal channel and a dropped signal is covered by the periodic sweep.
type Queue struct {
	mu     sync.Mutex
	byHost map[int][]*types.Command
	next   int // host id to serve first on the next Pop
	depth  int
	signal chan struct{}
}

// NewQueue creates a queue whose wake-up channel holds signalDepth signals
func NewQueue(signalDepth int) *Queue {
	if signalDepth < 1 {
		signalDepth = 1
	}
	return &Queue{
		byHost: make(map[int][]*types.Command),
		signal: make(chan struct{}, signalDepth),
	}
}

// Push appends a command to its host's FIFO
func (q *Queue) Push(cmd *types.Command) {
	q.mu.Lock()
	cmd.QueuedAt = time.Now()
	q.byHost[cmd.HostID] = append(q.byHost[cmd.HostID], cmd)
	q.depth++
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Pop removes the oldest command of the next host in rotation
func (q *Queue) Pop() (*types.Command, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.depth == 0 {
		return nil, false
	}

	hosts := make([]int, 0, len(q.byHost))
	for h := range q.byHost {
		hosts = append(hosts, h)
	}
	sort.Ints(hosts)
	start := sort.SearchInts(hosts, q.next)
	if start == len(hosts) {
		start = 0
	}
	h := hosts[start]

	fifo := q.byHost[h]
	cmd := fifo[0]
	fifo[0] = nil
	if len(fifo) == 1 {
		delete(q.byHost, h)
	} else {
		q.byHost[h] = fifo[1:]
	}
	q.depth--
	q.next = h + 1
	return cmd, true
}

// Remove discards a queued command by id
func (q *Queue) Remove(cmdID string) (*types.Command, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for h, fifo := range q.byHost {
		for i, cmd := range fifo {
			if cmd.ID != cmdID {
				continue
			}
			fifo = append(fifo[:i], fifo[i+1:]...)
			if len(fifo) == 0 {
				delete(q.byHost, h)
			} else {
				q.byHost[h] = fifo
			}
			q.depth--
			return cmd, true
		}
	}
	return nil, false
}

// Len returns the number of queued commands
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depth
}

// HostLen returns the number of commands queued for a host
func (q *Queue) HostLen(hostID int) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byHost[hostID])
}

// Signal returns the wake-up channel
func (q *Queue) Signal() <-chan struct{} {
	return q.signal
}
