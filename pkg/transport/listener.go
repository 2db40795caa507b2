package transport

// EdgeEvents receives the results a listener produces. Callbacks may fire
// from listener goroutines; subscribers serialize on their side.
type EdgeEvents struct {
	// NewEdge transfers ownership of a freshly created edge (dialed or
	// accepted) to the subscriber.
	NewEdge func(Edge)
	// CreationFailure reports a dial that produced no edge.
	CreationFailure func(Address, string)
}

// EmitNewEdge invokes the NewEdge callback if set.
func (ev EdgeEvents) EmitNewEdge(e Edge) {
	if ev.NewEdge != nil {
		ev.NewEdge(e)
	}
}

// EmitCreationFailure invokes the CreationFailure callback if set.
func (ev EdgeEvents) EmitCreationFailure(addr Address, reason string) {
	if ev.CreationFailure != nil {
		ev.CreationFailure(addr, reason)
	}
}

// EdgeListener produces edges for a single address scheme.
type EdgeListener interface {
	// Handles reports whether this listener claims addr's scheme.
	Handles(addr Address) bool

	// Address returns the local listening address.
	Address() Address

	// Subscribe installs the event callbacks. Call once, before Start.
	Subscribe(ev EdgeEvents)

	// Start begins accepting inbound edges.
	Start() error

	// Stop ceases producing edges. Idempotent; edges already produced are
	// unaffected.
	Stop() error

	// CreateEdgeTo dials addr asynchronously; the outcome arrives as a
	// NewEdge or CreationFailure event.
	CreateEdgeTo(addr Address)
}
