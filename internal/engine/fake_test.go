package engine

import (
	"context"
	"sync"
)

// scriptedEngine returns canned completions in order and records requests.
type scriptedEngine struct {
	mu       sync.Mutex
	replies  []*Completion
	errs     []error
	requests []Request
}

func (s *scriptedEngine) Complete(_ context.Context, req Request) (*Completion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := len(s.requests)
	s.requests = append(s.requests, req)
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	if i < len(s.replies) {
		return s.replies[i], nil
	}
	return &Completion{Text: "done"}, nil
}

func (s *scriptedEngine) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}
