package domain

// rowTransitions lists the forward edges of the row state machine. Enhancement
// is optional, so pending may jump straight to generating. enhancing→pending is
// the explicit retry edge taken when enhancement fails or a worker died
// mid-enhancement.
var rowTransitions = map[RowStatus][]RowStatus{
	RowStatusPending:    {RowStatusEnhancing, RowStatusGenerating, RowStatusFailed},
	RowStatusEnhancing:  {RowStatusEnhanced, RowStatusPending, RowStatusFailed},
	RowStatusEnhanced:   {RowStatusGenerating, RowStatusFailed},
	RowStatusGenerating: {RowStatusCompleted, RowStatusFailed},
}

// CanTransition reports whether a row may move from s to next.
func (s RowStatus) CanTransition(next RowStatus) bool {
	for _, allowed := range rowTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Dispatchable reports whether the dispatcher still owns the row.
func (s RowStatus) Dispatchable() bool {
	return s == RowStatusPending || s == RowStatusEnhancing || s == RowStatusEnhanced
}
