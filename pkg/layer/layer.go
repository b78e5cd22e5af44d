package layer

// Layer is one participant of the master's lifecycle engine. All
// operations report their outcome by escalating the passed status,
// faults never cross the layer boundary as errors or panics.
//
// A layer must tolerate any of these being invoked in any order
// after construction.
type Layer interface {
	// Name identifies the layer, stable for its lifetime.
	Name() string

	// Init transitions the layer from uninitialized to ready.
	Init(status *Status)
	// Shutdown reverses Init. It must be callable on a partially
	// initialized layer and unwinds whatever succeeded.
	Shutdown(status *Status)
	// Recover re-establishes ready from a halted or errored state
	// without a full teardown.
	Recover(status *Status)
	// Halt stops the layer from producing side effects. Safe to
	// call multiple times, never fails.
	Halt(status *Status)

	// Read pulls inputs on each cycle.
	Read(status *Status)
	// Write pushes outputs on each cycle.
	Write(status *Status)
	// Pending runs outstanding bring-up work at the frontier.
	Pending(status *Status)

	// Diag populates the report with the layer's health.
	Diag(report *Report)
}
