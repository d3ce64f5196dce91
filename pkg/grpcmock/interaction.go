package grpcmock

// tryMatch atomically transitions a Pending interaction to Matched and
// reports whether it did. An already-Matched or Unmatched interaction is
// left untouched; the server's tie-break picks among states, not this
// method -- this only ever moves Pending forward.
func (ia *Interaction) tryMatch() bool {
	ia.mu.Lock()
	defer ia.mu.Unlock()
	if ia.state != StatePending {
		return false
	}
	ia.state = StateMatched
	return true
}

// markUnmatched transitions the interaction to Unmatched. Called only at
// shutdown, for whichever interactions are still Pending once the server
// stops accepting calls -- a no-op for one that has already served a call,
// since a Matched interaction does not retroactively become unmatched.
func (ia *Interaction) markUnmatched() {
	ia.mu.Lock()
	defer ia.mu.Unlock()
	if ia.state == StatePending {
		ia.state = StateUnmatched
	}
}

// isPending reports whether the interaction has not yet served a call.
func (ia *Interaction) isPending() bool {
	ia.mu.Lock()
	defer ia.mu.Unlock()
	return ia.state == StatePending
}
