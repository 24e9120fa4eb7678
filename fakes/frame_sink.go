package fakes

import "sync"

// FrameSink records push frames written to it. It satisfies the session
// registry's connection contract so tests can assert on delivered pushes
// without a real socket.
type FrameSink struct {
	mu     sync.Mutex
	frames [][]byte
	Err    error
}

func (s *FrameSink) WriteFrame(frame []byte) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	s.frames = append(s.frames, cp)
	s.mu.Unlock()
	return nil
}

// Frames returns a snapshot of everything written so far.
func (s *FrameSink) Frames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.frames))
	for i, f := range s.frames {
		out[i] = string(f)
	}
	return out
}
