package generation

import (
	"io"
	"strings"
	"sync"
)

// Split fans one upstream stream out to two independently-readable sides.
// Every chunk produced upstream is observed once, in order, by each side,
// regardless of relative read speed or early abandonment by the other side.
// On upstream failure both sides observe the failure after draining the
// chunks that arrived before it.
//
// Side A is intended for the transport (forwarded unmodified as bytes
// arrive); side B is drained internally by persistence.
func Split(upstream Stream) (a, b *Side) {
	a = newSide()
	b = newSide()
	go pump(upstream, a, b)
	return a, b
}

func pump(upstream Stream, sides ...*Side) {
	defer upstream.Close()
	for {
		chunk, err := upstream.Next()
		if chunk != "" {
			for _, s := range sides {
				s.push(chunk)
			}
		}
		if err != nil {
			for _, s := range sides {
				s.finish(err)
			}
			return
		}
	}
}

// Side is one independently-readable handle of a split stream. Reads are
// buffered without bound so a slow reader never stalls the pump or the
// other side.
type Side struct {
	mu        sync.Mutex
	cond      *sync.Cond
	queue     []string
	err       error // terminal state once non-nil; io.EOF on clean end
	abandoned bool
}

func newSide() *Side {
	s := &Side{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *Side) push(chunk string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.abandoned {
		return
	}
	s.queue = append(s.queue, chunk)
	s.cond.Signal()
}

func (s *Side) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
	s.cond.Broadcast()
}

// Next returns the next buffered chunk. Once the buffer is drained it
// returns io.EOF on clean upstream end, or the upstream failure.
func (s *Side) Next() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 && s.err == nil && !s.abandoned {
		s.cond.Wait()
	}
	if len(s.queue) > 0 {
		chunk := s.queue[0]
		s.queue = s.queue[1:]
		return chunk, nil
	}
	if s.abandoned {
		return "", io.EOF
	}
	return "", s.err
}

// Close abandons the side. The pump stops buffering for it; the other side
// is unaffected.
func (s *Side) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abandoned = true
	s.queue = nil
	s.cond.Broadcast()
	return nil
}

// Drain reads the side to completion and returns the concatenated text.
// err is nil on clean end-of-stream; on upstream failure the partial text
// is still returned alongside the error.
func (s *Side) Drain() (string, error) {
	var sb strings.Builder
	for {
		chunk, err := s.Next()
		sb.WriteString(chunk)
		if err != nil {
			if err == io.EOF {
				return sb.String(), nil
			}
			return sb.String(), err
		}
	}
}
