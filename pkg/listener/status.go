package listener

import "sync"

// ErrorStatus is the mutable background-error state shared between the
// engine and its listeners. Once set, the engine fails all writes fast until
// a listener (or operator) calls Reset or the store is reopened.
type ErrorStatus struct {
	mu  sync.Mutex
	err error
}

// Set records err unless a background error is already pending.
func (s *ErrorStatus) Set(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Err returns the pending background error, if any.
func (s *ErrorStatus) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Reset clears the pending error, letting the engine continue.
func (s *ErrorStatus) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = nil
}
