package acute

// shard.go contains the shard partition arithmetic. Every shard leader
// serializes the same snapshot bytes, so each leader can compute its own
// half-open slice locally, with no coordination, and the slices of all S
// leaders partition [0, n) exactly.
//
// The first (n mod S) shards get one extra byte each; empty ranges are legal
// and produce zero-byte transfers.
//
// © 2025 ACUTE authors. MIT License.

// shardRange returns the half-open byte range [lo, hi) owned by shard rank r
// out of size shards over an n-byte buffer.
func shardRange(n, size, r int) (lo, hi int) {
	q := n / size
	rem := n % size
	if r < rem {
		lo = r * (q + 1)
		hi = lo + q + 1
	} else {
		lo = r*q + rem
		hi = lo + q
	}
	return lo, hi
}
