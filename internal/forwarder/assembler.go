package forwarder

import (
	"sort"
	"sync"
	"time"

	"github.com/keyxmakerx/relay/internal/telegram"
)

// Assembler buffers messages sharing a grouped id and flushes each group
// exactly once after a quiescence timeout, sorted ascending by message id.
// A straggler arriving after its group flushed opens a fresh group and
// flushes as a singleton -- duplication is never risked for formatting.
type Assembler struct {
	timeout time.Duration
	flush   func([]telegram.Message)

	mu     sync.Mutex
	groups map[int64][]telegram.Message
	timers map[int64]*time.Timer
}

// NewAssembler creates an assembler delivering complete groups to flush.
func NewAssembler(timeout time.Duration, flush func([]telegram.Message)) *Assembler {
	return &Assembler{
		timeout: timeout,
		flush:   flush,
		groups:  make(map[int64][]telegram.Message),
		timers:  make(map[int64]*time.Timer),
	}
}

// Add buffers a grouped message. The first message of a group schedules its
// flush; followers just append.
func (a *Assembler) Add(msg telegram.Message) {
	if msg.GroupedID == 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	groupID := msg.GroupedID
	if _, ok := a.groups[groupID]; !ok {
		a.groups[groupID] = nil
		a.timers[groupID] = time.AfterFunc(a.timeout, func() {
			a.flushGroup(groupID)
		})
	}
	a.groups[groupID] = append(a.groups[groupID], msg)
}

// flushGroup removes the buffer entry and delivers it, outside the lock.
func (a *Assembler) flushGroup(groupID int64) {
	a.mu.Lock()
	msgs, ok := a.groups[groupID]
	delete(a.groups, groupID)
	delete(a.timers, groupID)
	a.mu.Unlock()

	if !ok || len(msgs) == 0 {
		return
	}

	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })
	a.flush(msgs)
}

// Stop cancels all pending timers and drops buffered groups.
func (a *Assembler) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, timer := range a.timers {
		timer.Stop()
		delete(a.timers, id)
		delete(a.groups, id)
	}
}
