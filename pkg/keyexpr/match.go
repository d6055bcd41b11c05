package keyexpr

// Intersects reports whether a and b share at least one concrete key.
// It is symmetric: Intersects(a, b) == Intersects(b, a).
func Intersects(a, b KeyExpr) bool {
	if a.s == b.s {
		return !a.IsZero()
	}
	x, y := a.chunks, b.chunks
	n, m := len(x), len(y)

	// next[j] holds row i+1 of the table, cur[j] row i. cell (i, j) is true
	// when x[i:] and y[j:] intersect.
	next := make([]bool, m+1)
	cur := make([]bool, m+1)

	next[m] = true
	for j := m - 1; j >= 0; j-- {
		next[j] = y[j] == Multi && next[j+1]
	}
	for i := n - 1; i >= 0; i-- {
		cur[m] = x[i] == Multi && next[m]
		for j := m - 1; j >= 0; j-- {
			switch {
			case x[i] == Multi:
				cur[j] = next[j] || cur[j+1]
			case y[j] == Multi:
				cur[j] = cur[j+1] || next[j]
			default:
				cur[j] = chunkIntersects(x[i], y[j]) && next[j+1]
			}
		}
		next, cur = cur, next
	}
	return next[0]
}

// Includes reports whether every key matched by b is also matched by a.
func Includes(a, b KeyExpr) bool {
	if a.s == b.s {
		return !a.IsZero()
	}
	x, y := a.chunks, b.chunks
	n, m := len(x), len(y)

	// cell (i, j) is true when x[i:] includes y[j:].
	next := make([]bool, m+1)
	cur := make([]bool, m+1)

	next[m] = true
	for j := m - 1; j >= 0; j-- {
		next[j] = false
	}
	for i := n - 1; i >= 0; i-- {
		cur[m] = x[i] == Multi && next[m]
		for j := m - 1; j >= 0; j-- {
			switch x[i] {
			case Multi:
				cur[j] = next[j] || cur[j+1]
			case Single:
				cur[j] = y[j] != Multi && next[j+1]
			default:
				cur[j] = y[j] == x[i] && next[j+1]
			}
		}
		next, cur = cur, next
	}
	return next[0]
}

func chunkIntersects(a, b string) bool {
	return a == Single || b == Single || a == b
}
