package ratelimit

import (
	"sort"

	"github.com/mohammad-safakhou/pdfbot/config"
)

// Set holds one limiter per operation class.
type Set struct {
	limiters map[string]*Limiter
}

// NewSet builds a limiter for every configured class. The options apply to all of them.
func NewSet(classes map[string]config.LimitConfig, opts ...Option) *Set {
	s := &Set{limiters: make(map[string]*Limiter, len(classes))}
	for class, lc := range classes {
		s.limiters[class] = New(lc.MaxRequests, lc.Window, opts...)
	}
	return s
}

// Get returns the limiter for class, or nil if none is configured.
func (s *Set) Get(class string) *Limiter {
	if s == nil {
		return nil
	}
	return s.limiters[class]
}

// Allow checks userID against the class limiter. Classes without a limiter are always admitted.
func (s *Set) Allow(class string, userID int64) (bool, int) {
	l := s.Get(class)
	if l == nil {
		return true, 0
	}
	return l.Allow(userID)
}

// Classes lists the configured classes in a stable order.
func (s *Set) Classes() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.limiters))
	for class := range s.limiters {
		out = append(out, class)
	}
	sort.Strings(out)
	return out
}
