package workqueue

import "sync"

// ConcurrencyStrategy controls how tasks are allowed to start concurrently.
// The strategy is responsible for tracking running tasks and determining
// if a new task can start based on the current state.
type ConcurrencyStrategy interface {
	// CanStart returns true if the task can start given current state.
	CanStart(task Task) bool
	// OnStart is called when a task starts.
	OnStart(task Task)
	// OnComplete is called when a task reaches a terminal state after running.
	OnComplete(task Task)
}

// SerializedStrategy runs one task at a time.
type SerializedStrategy struct {
	mu      sync.Mutex
	running bool
}

// NewSerializedStrategy creates a strategy that runs tasks strictly one after another.
func NewSerializedStrategy() *SerializedStrategy {
	return &SerializedStrategy{}
}

func (s *SerializedStrategy) CanStart(Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.running
}

func (s *SerializedStrategy) OnStart(Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = true
}

func (s *SerializedStrategy) OnComplete(Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
}

// KeyedStrategy allows up to maxConcurrent tasks in parallel, but never two
// tasks with the same non-empty key. Per-estimate recalculations and per-session
// imports are serialized this way while different estimates proceed in parallel.
type KeyedStrategy struct {
	mu            sync.Mutex
	maxConcurrent int
	running       int
	keys          map[string]bool
}

// NewKeyedStrategy creates a keyed strategy with a global bound.
func NewKeyedStrategy(maxConcurrent int) *KeyedStrategy {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &KeyedStrategy{
		maxConcurrent: maxConcurrent,
		keys:          make(map[string]bool),
	}
}

func (s *KeyedStrategy) CanStart(task Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running >= s.maxConcurrent {
		return false
	}
	if k := task.Key(); k != "" && s.keys[k] {
		return false
	}
	return true
}

func (s *KeyedStrategy) OnStart(task Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running++
	if k := task.Key(); k != "" {
		s.keys[k] = true
	}
}

func (s *KeyedStrategy) OnComplete(task Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running > 0 {
		s.running--
	}
	delete(s.keys, task.Key())
}
