package pipeline

import (
	"fmt"
	"io"
	"sync"
)

// syncWriter serializes writes from the concurrent reply branches.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, format, args...)
}
