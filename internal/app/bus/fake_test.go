package bus

import "sync"

type recordingInvalidator struct {
	mu     sync.Mutex
	causes []error
}

func (r *recordingInvalidator) InvalidateSession(cause error) {
	r.mu.Lock()
	r.causes = append(r.causes, cause)
	r.mu.Unlock()
}

func (r *recordingInvalidator) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.causes)
}
