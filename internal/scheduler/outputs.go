package scheduler

import "sync"

// OutputMap holds the latest output of every task that has completed at least
// once. Entries are written before the matching COMPLETED transition, so a
// reader that observes COMPLETED always finds an output here.
type OutputMap struct {
	mu      sync.RWMutex
	outputs map[string]TaskOutput
}

// NewOutputMap creates an empty map.
func NewOutputMap() *OutputMap {
	return &OutputMap{outputs: make(map[string]TaskOutput)}
}

func (m *OutputMap) Put(taskID string, out TaskOutput) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outputs[taskID] = *cloneOutput(&out)
}

// Swap stores out for taskID and returns a func that restores the previous
// entry, for results whose transition is rolled back.
func (m *OutputMap) Swap(taskID string, out TaskOutput) (undo func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, had := m.outputs[taskID]
	m.outputs[taskID] = *cloneOutput(&out)
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if had {
			m.outputs[taskID] = prev
		} else {
			delete(m.outputs, taskID)
		}
	}
}

func (m *OutputMap) Get(taskID string) (TaskOutput, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out, ok := m.outputs[taskID]
	if !ok {
		return TaskOutput{}, false
	}
	return *cloneOutput(&out), true
}

// Collect returns the outputs present for ids.
func (m *OutputMap) Collect(ids []string) map[string]TaskOutput {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]TaskOutput, len(ids))
	for _, id := range ids {
		if o, ok := m.outputs[id]; ok {
			out[id] = *cloneOutput(&o)
		}
	}
	return out
}

func (m *OutputMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.outputs)
}

// Reset drops every output.
func (m *OutputMap) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outputs = make(map[string]TaskOutput)
}
