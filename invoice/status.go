package invoice

// transitions is the closed lifecycle table. Flag restores are validated
// against flagged_from separately, so flagged has no fixed successors here.
var transitions = map[Status]map[Status]bool{
	StatusPendingValidation: {
		StatusPendingConsent: true,
		StatusRejected:       true,
		StatusFlagged:        true,
	},
	StatusPendingConsent: {
		StatusValidated: true,
		StatusRejected:  true,
	},
	StatusValidated: {
		StatusFunded:   true,
		StatusRejected: true,
		StatusFlagged:  true,
	},
	StatusFunded: {
		StatusPaid:      true,
		StatusDefaulted: true,
	},
}

// CanTransition reports whether the lifecycle table permits from -> to.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// flaggable reports whether a flag may be raised from s.
func flaggable(s Status) bool {
	return s == StatusPendingValidation || s == StatusValidated
}
