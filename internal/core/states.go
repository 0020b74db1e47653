package core

// orderTransitions is the allowed transition table for OrderIntent states.
// Terminal states are sinks and have no entry.
var orderTransitions = map[OrderState][]OrderState{
	StateNew:     {StatePending, StateSent, StateAcked, StatePartial, StateFilled, StateCanceled, StateRejected, StateExpired},
	StatePending: {StateSent, StateAcked, StatePartial, StateFilled, StateRejected, StateCanceled, StateExpired, StateReplaced},
	StateSent:    {StateAcked, StatePartial, StateFilled, StateRejected, StateCanceled, StateExpired, StateReplaced},
	StateAcked:   {StatePending, StateSent, StatePartial, StateFilled, StateCanceled, StateExpired, StateReplaced},
	StatePartial: {StatePending, StateSent, StateFilled, StateCanceled, StateExpired, StateReplaced},
}

// CanTransition reports whether an intent may move from one state to another.
// The empty string stands for "no prior state" and only admits NEW.
func CanTransition(from, to OrderState) bool {
	if from == "" {
		return to == StateNew
	}
	for _, allowed := range orderTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// cancelTransitions is the allowed transition table for CancelIntent states.
var cancelTransitions = map[CancelState][]CancelState{
	CancelPending: {CancelSent, CancelAcked, CancelRejected},
	CancelSent:    {CancelAcked, CancelRejected},
}

// CanTransitionCancel reports whether a cancel may move between the two states.
func CanTransitionCancel(from, to CancelState) bool {
	if from == "" {
		return to == CancelPending
	}
	for _, allowed := range cancelTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
