// Package ring maintains the remote sink's circular receive buffer: K slots,
// each holding S per-shard byte chunks, plus one dirty bit per slot.
//
// The dirty-bit protocol is the sole coordination between the master (which
// claims slots for incoming cycles) and the flusher (which releases them
// after the durable write):
//
//   - Claim blocks while the current slot is dirty, then marks it dirty and
//     hands it to the caller. Back-pressure falls out naturally: with all K
//     slots dirty the master stalls until a flush completes.
//   - Release clears the bit and wakes the master.
//
// Cell access needs no extra locking: receiver r is the only writer of
// cell [slot][r] while the slot is dirty, and the flusher is the only reader
// once the slot index has been handed to it.
//
// Concurrency model
// -----------------
// The mutex guards only the dirty bits and the slot cursor; it is held for
// constant-time flips. Waiting uses the condition variable rather than a
// poll-and-sleep loop.
//
// © 2025 ACUTE authors. MIT License.
package ring

import "sync"

// Buffer is the K-slot receive ring. Not safe for use before New.
type Buffer struct {
	mu    sync.Mutex
	cond  *sync.Cond
	dirty []bool
	cells [][][]byte // [slot][shard] -> chunk
	cur   int
}

// New constructs a ring of slots x shards empty cells. Callers validate
// slots >= 1 and shards >= 1.
func New(slots, shards int) *Buffer {
	b := &Buffer{
		dirty: make([]bool, slots),
		cells: make([][][]byte, slots),
	}
	for i := range b.cells {
		b.cells[i] = make([][]byte, shards)
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Slots returns the ring depth K.
func (b *Buffer) Slots() int { return len(b.dirty) }

// Claim blocks until the current slot is clean, marks it dirty, and returns
// its index. Only the master calls Claim.
func (b *Buffer) Claim() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.dirty[b.cur] {
		b.cond.Wait()
	}
	b.dirty[b.cur] = true
	return b.cur
}

// Advance moves the cursor to the next slot, wrapping modulo K.
func (b *Buffer) Advance() {
	b.mu.Lock()
	b.cur = (b.cur + 1) % len(b.dirty)
	b.mu.Unlock()
}

// Release clears the dirty bit for slot i, making it reusable.
func (b *Buffer) Release(i int) {
	b.mu.Lock()
	b.dirty[i] = false
	b.cond.Broadcast()
	b.mu.Unlock()
}

// Put stores one shard's chunk into the claimed slot. Called by receiver
// goroutines; see the package comment for why no lock is taken.
func (b *Buffer) Put(slot, shard int, chunk []byte) {
	b.cells[slot][shard] = chunk
}

// Join concatenates the slot's chunks in shard-rank order into one
// freshly-owned byte sequence.
func (b *Buffer) Join(slot int) []byte {
	var n int
	for _, c := range b.cells[slot] {
		n += len(c)
	}
	out := make([]byte, 0, n)
	for i, c := range b.cells[slot] {
		out = append(out, c...)
		b.cells[slot][i] = nil
	}
	return out
}

// DirtyCount reports how many slots are currently claimed. Used for metrics
// and invariant checks.
func (b *Buffer) DirtyCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, d := range b.dirty {
		if d {
			n++
		}
	}
	return n
}
