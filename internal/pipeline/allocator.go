package pipeline

// NextPosition returns the slot after the current maximum, or 0 for an empty
// scope. Gaps left by deletions are never reused.
func NextPosition(max *int) int {
	if max == nil {
		return 0
	}
	return *max + 1
}
