package gru

// Gates names the three H-wide slices of a packed 3H row: update (Z),
// reset (R) and candidate (G), in that order.
type Gates[T Float] struct {
	Z, R, G []T
}

// SplitGates views a 3H row as Gates. The slices alias row.
func SplitGates[T Float](row []T, hidden int) Gates[T] {
	return Gates[T]{
		Z: row[0*hidden : 1*hidden],
		R: row[1*hidden : 2*hidden],
		G: row[2*hidden : 3*hidden],
	}
}

// GatesAt views row n of a packed [N, 3H] buffer.
func GatesAt[T Float](buf []T, n, hidden int) Gates[T] {
	w := 3 * hidden
	return SplitGates(buf[n*w:(n+1)*w], hidden)
}

// Cache names the four H-wide slices of a packed 4H gate-cache row.
// Q holds Rh_g + rbias_g, the candidate's recurrent term before the reset
// gate multiplies it; backward needs it for the reset-gate derivative.
type Cache[T Float] struct {
	Z, R, G, Q []T
}

// SplitCache views a 4H row as Cache. The slices alias row.
func SplitCache[T Float](row []T, hidden int) Cache[T] {
	return Cache[T]{
		Z: row[0*hidden : 1*hidden],
		R: row[1*hidden : 2*hidden],
		G: row[2*hidden : 3*hidden],
		Q: row[3*hidden : 4*hidden],
	}
}

// CacheAt views row n of a packed [N, 4H] buffer.
func CacheAt[T Float](buf []T, n, hidden int) Cache[T] {
	w := 4 * hidden
	return SplitCache(buf[n*w:(n+1)*w], hidden)
}

// rowsIn calls fn for each row of width touched by the flat range [lo, hi),
// passing the row index and the column range inside that row.
func rowsIn(lo, hi, width int, fn func(row, from, to int)) {
	for i := lo; i < hi; {
		row := i / width
		from := i - row*width
		to := min(width, hi-row*width)
		fn(row, from, to)
		i = row*width + to
	}
}
