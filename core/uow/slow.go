package uow

import "sync"

// SlowRegistry marks command types whose last occurrence exceeded the slow
// threshold. A mark is one-shot: Take consumes it, so exactly the next
// occurrence of that command type runs with elevated verbosity. The
// registry is shared process-wide and safe for concurrent use.
type SlowRegistry struct {
	mu     sync.Mutex
	marked map[string]struct{}
}

func NewSlowRegistry() *SlowRegistry {
	return &SlowRegistry{marked: map[string]struct{}{}}
}

func (r *SlowRegistry) Mark(commandType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.marked[commandType] = struct{}{}
}

// Take reports whether commandType is marked and clears the mark.
func (r *SlowRegistry) Take(commandType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.marked[commandType]
	if ok {
		delete(r.marked, commandType)
	}
	return ok
}
