package layer

import "sync"

// Stack composes layers in a fixed order with strict forward
// bring-up and reverse tear-down. A shared frontier index records
// how far bring-up has progressed: [0, runEnd) is the live prefix
// and every cycle operates only on provably initialized layers.
//
// The layer slice is immutable once the stack is in use, only the
// frontier is shared between threads.
type Stack struct {
	name   string
	layers []Layer

	mu      sync.Mutex
	runEnd  int
	started bool
}

func NewStack(name string, layers ...Layer) *Stack {
	return &Stack{name: name, layers: layers}
}

// Add appends a layer. Must not be called once the stack is running.
func (s *Stack) Add(l Layer) {
	s.layers = append(s.layers, l)
}

func (s *Stack) Name() string { return s.name }

func (s *Stack) setRunEnd(i int) {
	s.mu.Lock()
	s.runEnd = i
	s.started = true
	s.mu.Unlock()
}

// frontier returns the current live end. Before the first bring-up
// or read it is pinned to the beginning, so cycles are no-ops.
func (s *Stack) frontier() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		s.runEnd = 0
		s.started = true
	}
	return s.runEnd
}

// bringup runs op over all layers in forward order, advancing the
// frontier to each layer before invoking it. On the first layer that
// escalates above Warn it stops, unwinds the already brought up
// prefix in reverse with a throwaway status, and leaves the frontier
// at the failing layer.
func (s *Stack) bringup(op, unwind func(Layer, *Status), status *Status) {
	s.setRunEnd(0)
	i := 0
	for ; i < len(s.layers); i++ {
		s.setRunEnd(i)
		op(s.layers[i], status)
		if !status.Bounded(Warn) {
			break
		}
	}
	if i < len(s.layers) {
		omit := &Status{}
		for j := i - 1; j >= 0; j-- {
			unwind(s.layers[j], omit)
		}
	}
	s.setRunEnd(i)
}

func (s *Stack) Init(status *Status) {
	s.bringup(Layer.Init, Layer.Shutdown, status)
}

func (s *Stack) Recover(status *Status) {
	s.bringup(Layer.Recover, Layer.Halt, status)
}

// Read traverses the live prefix in forward order. At the first
// layer that escalates above Warn, the live layers from the frontier
// down to the failing one are halted, then the remaining tail still
// observes the cycle through a pre-errored throwaway status. Layers
// beyond the frontier were never brought up and are left untouched.
func (s *Stack) Read(status *Status) {
	end := s.frontier()
	okOnStart := status.Bounded(Warn)
	for i := 0; i < end; i++ {
		s.layers[i].Read(status)
		if okOnStart && !status.Bounded(Warn) {
			omit := &Status{}
			for j := end - 1; j >= i; j-- {
				s.layers[j].Halt(omit)
			}
			omit.Error("")
			for j := i + 1; j < end; j++ {
				s.layers[j].Read(omit)
			}
			return
		}
	}
}

// Write traverses the live prefix in reverse order, mirroring Read's
// fault policy: the already written layers are halted and the
// remaining tail observes the cycle with a pre-errored status.
func (s *Stack) Write(status *Status) {
	end := s.frontier()
	okOnStart := status.Bounded(Warn)
	for i := end - 1; i >= 0; i-- {
		s.layers[i].Write(status)
		if okOnStart && !status.Bounded(Warn) {
			omit := &Status{}
			for j := end - 1; j > i; j-- {
				s.layers[j].Halt(omit)
			}
			omit.Error("")
			for j := i - 1; j >= 0; j-- {
				s.layers[j].Write(omit)
			}
			return
		}
	}
}

// Pending runs only the layer at the frontier, the one whose
// bring-up is still outstanding.
func (s *Stack) Pending(status *Status) {
	s.mu.Lock()
	started := s.started
	end := s.runEnd
	s.mu.Unlock()
	if !started || end >= len(s.layers) {
		return
	}
	s.layers[end].Pending(status)
}

// Diag visits the live prefix in forward order, never short-circuits.
func (s *Stack) Diag(report *Report) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	end := s.runEnd
	s.mu.Unlock()
	for i := 0; i < end; i++ {
		s.layers[i].Diag(report)
	}
}

// Shutdown resets the frontier first so concurrent cycles become
// no-ops, then tears all layers down in reverse order, propagating
// the status.
func (s *Stack) Shutdown(status *Status) {
	s.setRunEnd(0)
	for i := len(s.layers) - 1; i >= 0; i-- {
		s.layers[i].Shutdown(status)
	}
}

func (s *Stack) Halt(status *Status) {
	for i := len(s.layers) - 1; i >= 0; i-- {
		s.layers[i].Halt(status)
	}
}
