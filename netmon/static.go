package netmon

// Static is a Monitor whose state is driven explicitly by the embedding
// application (or a test). Mobile hosts that already receive reachability
// callbacks from the platform push them in through Set.
type Static struct {
	*notifier
}

var _ Monitor = (*Static)(nil)

// NewStatic creates a Static monitor with the given initial state.
func NewStatic(online bool) *Static {
	return &Static{notifier: newNotifier(online)}
}

// Set updates connectivity; subscribers fire only on actual transitions.
func (s *Static) Set(online bool) {
	s.set(online)
}
