package callsite

// Merge combines per-path argument sequences. A position keeps its value only when every
// path agrees on it structurally; otherwise it becomes Rvalue. Paths that reconstructed fewer
// operands (a degraded expansion) shorten the result to what every path resolved.
func Merge(paths [][]Value) []Value {
	if len(paths) == 0 {
		return nil
	}
	n := len(paths[0])
	for _, p := range paths[1:] {
		n = min(n, len(p))
	}

	result := make([]Value, n)
	for i := range n {
		result[i] = paths[0][i]
		for _, p := range paths[1:] {
			if !Equal(p[i], result[i]) {
				result[i] = Rvalue{}
				break
			}
		}
	}
	return result
}
