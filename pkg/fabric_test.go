package acute

// fabric_test.go provides an in-memory rank mesh implementing the transport
// interface, so the trainer and remote pipelines can be exercised end to end
// inside one test process without TCP.

import (
	"fmt"
	"sync"
)

type route struct {
	src, dst, tag int
}

// memFabric is a world of in-memory ranks with per-(source, dest, tag) FIFO
// queues and blocking receive, mirroring the ordering contract of the real
// fabric.
type memFabric struct {
	size   int
	mu     sync.Mutex
	cond   *sync.Cond
	queues map[route][][]byte
}

func newMemFabric(size int) *memFabric {
	f := &memFabric{
		size:   size,
		queues: make(map[route][][]byte),
	}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// at returns the transport view of one rank.
func (f *memFabric) at(rank int) *memTransport {
	return &memTransport{f: f, rank: rank}
}

type memTransport struct {
	f    *memFabric
	rank int
}

func (t *memTransport) Rank() int { return t.rank }
func (t *memTransport) Size() int { return t.f.size }

func (t *memTransport) Send(dest, tag int, p []byte) error {
	if dest < 0 || dest >= t.f.size {
		return fmt.Errorf("memfabric: bad destination %d", dest)
	}
	buf := append([]byte(nil), p...)
	t.f.mu.Lock()
	key := route{src: t.rank, dst: dest, tag: tag}
	t.f.queues[key] = append(t.f.queues[key], buf)
	t.f.cond.Broadcast()
	t.f.mu.Unlock()
	return nil
}

func (t *memTransport) Recv(source, tag int) ([]byte, error) {
	if source < 0 || source >= t.f.size {
		return nil, fmt.Errorf("memfabric: bad source %d", source)
	}
	key := route{src: source, dst: t.rank, tag: tag}
	t.f.mu.Lock()
	defer t.f.mu.Unlock()
	for len(t.f.queues[key]) == 0 {
		t.f.cond.Wait()
	}
	q := t.f.queues[key]
	p := q[0]
	t.f.queues[key] = q[1:]
	return p, nil
}

// rawSerializer passes []byte snapshots through untouched, so tests can
// assert bit-identical on-disk content.
type rawSerializer struct{}

func (rawSerializer) Marshal(snapshot any) ([]byte, error) {
	b, ok := snapshot.([]byte)
	if !ok {
		return nil, fmt.Errorf("rawSerializer: want []byte, got %T", snapshot)
	}
	return b, nil
}

func (rawSerializer) ReadEpoch(string) (int, error) {
	return 0, fmt.Errorf("rawSerializer: not resumable")
}
