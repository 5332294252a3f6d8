package ring

import (
	"bytes"
	"sync"
	"testing"
	"time"
)

func TestClaimAdvanceWraps(t *testing.T) {
	b := New(2, 1)
	for cycle := 0; cycle < 6; cycle++ {
		slot := b.Claim()
		if slot != cycle%2 {
			t.Fatalf("cycle %d claimed slot %d, want %d", cycle, slot, cycle%2)
		}
		b.Release(slot)
		b.Advance()
	}
}

func TestJoinShardOrder(t *testing.T) {
	b := New(1, 3)
	slot := b.Claim()
	// Fill out of shard order; Join must still concatenate by shard rank.
	b.Put(slot, 2, []byte{5})
	b.Put(slot, 0, []byte{1, 2})
	b.Put(slot, 1, nil) // empty shard
	got := b.Join(slot)
	if !bytes.Equal(got, []byte{1, 2, 5}) {
		t.Fatalf("Join = %v, want [1 2 5]", got)
	}
}

// A claim on a dirty slot must stall until the flusher releases it, and the
// dirty population can never exceed the ring depth.
func TestClaimBackPressure(t *testing.T) {
	b := New(2, 1)
	s0 := b.Claim()
	b.Advance()
	s1 := b.Claim()
	b.Advance()
	if n := b.DirtyCount(); n != 2 {
		t.Fatalf("dirty count = %d, want 2", n)
	}

	claimed := make(chan int)
	go func() { claimed <- b.Claim() }()

	select {
	case s := <-claimed:
		t.Fatalf("claimed slot %d while the whole ring was dirty", s)
	case <-time.After(50 * time.Millisecond):
	}

	b.Release(s0)
	select {
	case s := <-claimed:
		if s != s0 {
			t.Fatalf("claimed slot %d, want recycled slot %d", s, s0)
		}
	case <-time.After(time.Second):
		t.Fatal("claim still stalled after release")
	}
	b.Release(s1)
}

// In a concurrent producer/consumer run the dirty count stays within [1, K]
// while a claimed slot awaits release, and drops to 0 once every claim has
// been released.
func TestDirtyCountInvariant(t *testing.T) {
	const cycles = 100
	b := New(3, 1)
	slots := make(chan int, cycles)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < cycles; i++ {
			s := <-slots
			if n := b.DirtyCount(); n < 1 || n > b.Slots() {
				t.Errorf("dirty count %d out of [1,%d]", n, b.Slots())
				return
			}
			b.Release(s)
		}
	}()

	for i := 0; i < cycles; i++ {
		s := b.Claim()
		slots <- s
		b.Advance()
	}
	wg.Wait()
	if n := b.DirtyCount(); n != 0 {
		t.Fatalf("dirty count after drain = %d, want 0", n)
	}
}

func BenchmarkClaimReleaseCycle(b *testing.B) {
	buf := New(4, 1)
	for i := 0; i < b.N; i++ {
		s := buf.Claim()
		buf.Release(s)
		buf.Advance()
	}
}
