package queue

import (
	"fmt"

	"github.com/bengillin/walkietalkiebot-sub001/internal/types"
)

// Callback receives one live job event. Returning an error unsubscribes
// the subscriber (e.g. a disconnected stream). Callbacks run with the
// manager's lock held and must not call back into the Manager.
type Callback func(types.JobEvent) error

type subscriber struct {
	id int64
	fn Callback
}

// Subscribe registers a live listener for a job's events and returns its
// deregistration func. The func is idempotent and safe to call from any
// goroutine, including after the job finished and the registry entry was
// already cleared.
func (m *Manager) Subscribe(jobID string, fn Callback) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSubID++
	id := m.nextSubID
	m.subs[jobID] = append(m.subs[jobID], &subscriber{id: id, fn: fn})
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.removeSubscriber(jobID, id)
	}
}

// removeSubscriber drops one subscriber; the last removal clears the
// registry entry. Must be called with m.mu held.
func (m *Manager) removeSubscriber(jobID string, id int64) {
	subs := m.subs[jobID]
	for i, sub := range subs {
		if sub.id == id {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(m.subs, jobID)
	} else {
		m.subs[jobID] = subs
	}
}

// publish fans one event out to a job's subscribers. A failing or
// panicking subscriber is unsubscribed; it never affects persistence or
// other subscribers. Must be called with m.mu held.
func (m *Manager) publish(ev types.JobEvent) {
	subs := m.subs[ev.JobID]
	if len(subs) == 0 {
		return
	}
	var failed []int64
	for _, sub := range subs {
		if err := m.deliver(sub, ev); err != nil {
			m.debugf("subscriber %d for job %s dropped: %v", sub.id, ev.JobID, err)
			failed = append(failed, sub.id)
		}
	}
	for _, id := range failed {
		m.removeSubscriber(ev.JobID, id)
	}
}

func (m *Manager) deliver(sub *subscriber, ev types.JobEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panic: %v", r)
		}
	}()
	return sub.fn(ev)
}
