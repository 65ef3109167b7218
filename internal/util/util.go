package util

// FastEqual short-circuits pointer comparisons before falling back to the
// supplied equality function.
func FastEqual[V any](a, b *V, slowEqual func(a, b *V) bool) bool {
	if a == b {
		return true
	}

	if a == nil || b == nil {
		return false
	}

	return slowEqual(a, b)
}
