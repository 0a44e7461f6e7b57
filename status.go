package creche

import "math"

// cancelStatus is one node in the tree tracking which cancel scopes
// currently enclose which tasks. Scopes come and go out of step with
// tasks (a scope entered in one task encloses tasks spawned later into
// a nursery inside it), so the tree is kept separately from both: each
// entered scope owns exactly one node, each task points at the node of
// its innermost enclosing scope, and a nursery's children hang beneath
// the node its scope had when the nursery opened.
//
// effectivelyCancelled is the one piece of derived state: whether the
// scope was cancelled directly or an unshielded ancestor was. It is
// recomputed eagerly on every change (cancel, shield toggle,
// reparenting) so that cancellation stays level-triggered and checking
// for it at a checkpoint is a field read.
type cancelStatus struct {
	scope    *CancelScope
	parent   *cancelStatus
	children map[*cancelStatus]struct{}
	tasks    map[*Task]struct{}

	effectivelyCancelled bool

	// abandoned marks nodes orphaned by misnested scope exits. Once
	// abandoned a node stays cancelled forever and its scope's exit
	// is a no-op.
	abandoned bool
}

func newCancelStatus(scope *CancelScope, parent *cancelStatus) *cancelStatus {
	st := &cancelStatus{
		scope:    scope,
		parent:   parent,
		children: make(map[*cancelStatus]struct{}),
		tasks:    make(map[*Task]struct{}),
	}
	if parent != nil {
		parent.children[st] = struct{}{}
		st.recalculate()
	}
	return st
}

// setParent moves this node (and the subtree under it) beneath a new
// parent, recomputing cancellation state under the new ancestry.
func (s *cancelStatus) setParent(parent *cancelStatus) {
	if s.parent != nil {
		delete(s.parent.children, s)
	}
	s.parent = parent
	if parent != nil {
		parent.children[s] = struct{}{}
		s.recalculate()
	}
}

// close detaches the node when its scope exits. Normally the node is
// empty by then. If tasks or children remain, the scope exited out of
// order; the leftovers are marked abandoned and force-cancelled, which
// is the loudest safe thing left to do for them.
func (s *cancelStatus) close() {
	s.setParent(nil)
	if len(s.tasks) > 0 || len(s.children) > 0 {
		s.markAbandoned()
		s.effectivelyCancelled = true
		for t := range s.tasks {
			t.attemptDeliveryOfAnyPendingCancel()
		}
		for child := range s.children {
			child.recalculate()
		}
	}
}

func (s *cancelStatus) markAbandoned() {
	s.abandoned = true
	for child := range s.children {
		child.markAbandoned()
	}
}

// parentCancellationVisible reports whether an ancestor's cancellation
// reaches this node, i.e. the parent is effectively cancelled and this
// node's scope is not shielding against it.
func (s *cancelStatus) parentCancellationVisible() bool {
	return s.parent != nil && !s.scope.shield && s.parent.effectivelyCancelled
}

// encloses reports whether other lies in the subtree rooted at s,
// inclusively.
func (s *cancelStatus) encloses(other *cancelStatus) bool {
	for other != nil {
		if other == s {
			return true
		}
		other = other.parent
	}
	return false
}

// recalculate recomputes effectivelyCancelled for this node and every
// descendant whose state changes, delivering to newly cancelled tasks
// as it goes. Iterative with an explicit stack; descent stops where
// the state is already right, so shielded subtrees are not touched.
func (s *cancelStatus) recalculate() {
	todo := []*cancelStatus{s}
	for len(todo) > 0 {
		current := todo[len(todo)-1]
		todo = todo[:len(todo)-1]
		newState := current.scope.cancelCalled || current.parentCancellationVisible()
		if newState != current.effectivelyCancelled {
			current.effectivelyCancelled = newState
			if newState {
				for t := range current.tasks {
					t.attemptDeliveryOfAnyPendingCancel()
				}
			}
			for child := range current.children {
				todo = append(todo, child)
			}
		}
	}
}

// effectiveDeadline is the soonest deadline that could cancel this
// node: its own scope's, bounded by unshielded ancestors'. Already
// cancelled nodes report -Inf.
func (s *cancelStatus) effectiveDeadline() float64 {
	if s.effectivelyCancelled {
		return math.Inf(-1)
	}
	if s.parent == nil || s.scope.shield {
		return s.scope.deadline
	}
	return math.Min(s.scope.deadline, s.parent.effectiveDeadline())
}
