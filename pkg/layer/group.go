package layer

// Group composes layers whose semantics are independent of their
// siblings. Traversal order is an implementation detail. On a fault
// during init, recover, read or write all children are contained
// (shut down for init, halted otherwise) and the operation still
// visits the remainder with an already errored throwaway status, so
// every child observes the cycle.
type Group struct {
	name   string
	layers []Layer
}

func NewGroup(name string, layers ...Layer) *Group {
	return &Group{name: name, layers: layers}
}

func (g *Group) Add(l Layer) {
	g.layers = append(g.layers, l)
}

func (g *Group) Name() string { return g.name }

// visit applies op to every child. The first child escalating above
// Warn triggers contain on all children, then op continues over the
// remainder with a pre-errored status.
func (g *Group) visit(op, contain func(Layer, *Status), status *Status) {
	okOnStart := status.Bounded(Warn)
	for i, l := range g.layers {
		op(l, status)
		if okOnStart && !status.Bounded(Warn) {
			omit := &Status{}
			for _, sibling := range g.layers {
				contain(sibling, omit)
			}
			omit.Error("")
			for j := i + 1; j < len(g.layers); j++ {
				op(g.layers[j], omit)
			}
			return
		}
	}
}

func (g *Group) Init(status *Status) {
	g.visit(Layer.Init, Layer.Shutdown, status)
}

func (g *Group) Recover(status *Status) {
	g.visit(Layer.Recover, Layer.Halt, status)
}

func (g *Group) Read(status *Status) {
	g.visit(Layer.Read, Layer.Halt, status)
}

func (g *Group) Write(status *Status) {
	g.visit(Layer.Write, Layer.Halt, status)
}

func (g *Group) Pending(status *Status) {
	okOnStart := status.Bounded(Warn)
	for _, l := range g.layers {
		l.Pending(status)
		if okOnStart && !status.Bounded(Warn) {
			return
		}
	}
}

func (g *Group) Diag(report *Report) {
	for _, l := range g.layers {
		l.Diag(report)
	}
}

func (g *Group) Shutdown(status *Status) {
	for _, l := range g.layers {
		l.Shutdown(status)
	}
}

func (g *Group) Halt(status *Status) {
	for _, l := range g.layers {
		l.Halt(status)
	}
}

// GroupNoDiag is a Group that suppresses diag entirely, used for
// large per-node groups whose members report elsewhere.
type GroupNoDiag struct {
	Group
}

func NewGroupNoDiag(name string, layers ...Layer) *GroupNoDiag {
	return &GroupNoDiag{Group: Group{name: name, layers: layers}}
}

func (g *GroupNoDiag) Diag(report *Report) {}

// DiagGroup aggregates diagnostics from layers without owning their
// lifecycle.
type DiagGroup struct {
	layers []Layer
}

func (g *DiagGroup) Add(l Layer) {
	g.layers = append(g.layers, l)
}

func (g *DiagGroup) Diag(report *Report) {
	for _, l := range g.layers {
		l.Diag(report)
	}
}
