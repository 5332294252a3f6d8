package acute

import (
	"math/rand"
	"testing"
)

// The ranges of all S shards must partition [0, n) exactly: non-overlapping,
// contiguous, and covering every byte.
func TestShardRangePartition(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 2000; trial++ {
		n := rng.Intn(10_000)
		size := 1 + rng.Intn(16)

		next := 0
		for r := 0; r < size; r++ {
			lo, hi := shardRange(n, size, r)
			if lo != next {
				t.Fatalf("n=%d size=%d rank=%d: range starts at %d, want %d", n, size, r, lo, next)
			}
			if hi < lo {
				t.Fatalf("n=%d size=%d rank=%d: inverted range [%d,%d)", n, size, r, lo, hi)
			}
			next = hi
		}
		if next != n {
			t.Fatalf("n=%d size=%d: ranges cover [0,%d), want [0,%d)", n, size, next, n)
		}
	}
}

func TestShardRangeUnevenSplit(t *testing.T) {
	// 5 bytes over 2 shards: shard 0 takes the extra byte.
	if lo, hi := shardRange(5, 2, 0); lo != 0 || hi != 3 {
		t.Fatalf("shard 0: got [%d,%d), want [0,3)", lo, hi)
	}
	if lo, hi := shardRange(5, 2, 1); lo != 3 || hi != 5 {
		t.Fatalf("shard 1: got [%d,%d), want [3,5)", lo, hi)
	}
}

func TestShardRangeEmptyShard(t *testing.T) {
	// 2 bytes over 3 shards: the last shard owns nothing.
	want := [][2]int{{0, 1}, {1, 2}, {2, 2}}
	for r, w := range want {
		if lo, hi := shardRange(2, 3, r); lo != w[0] || hi != w[1] {
			t.Fatalf("shard %d: got [%d,%d), want [%d,%d)", r, lo, hi, w[0], w[1])
		}
	}
}

func TestShardRangeSingleShard(t *testing.T) {
	if lo, hi := shardRange(4, 1, 0); lo != 0 || hi != 4 {
		t.Fatalf("got [%d,%d), want [0,4)", lo, hi)
	}
	if lo, hi := shardRange(0, 1, 0); lo != 0 || hi != 0 {
		t.Fatalf("empty buffer: got [%d,%d), want [0,0)", lo, hi)
	}
}

func BenchmarkShardRange(b *testing.B) {
	for i := 0; i < b.N; i++ {
		shardRange(1<<30+i&1023, 16, i&15)
	}
}
