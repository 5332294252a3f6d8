package acute

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

// gatedSerializer blocks inside Marshal until released, so tests can observe
// the copier handshake mid-serialization.
type gatedSerializer struct {
	gate chan struct{}
}

func (g *gatedSerializer) Marshal(snapshot any) ([]byte, error) {
	<-g.gate
	return snapshot.([]byte), nil
}

func (g *gatedSerializer) ReadEpoch(string) (int, error) { return 0, errors.New("not resumable") }

// A second request must not be admitted while the previous snapshot is still
// being serialized out of user memory.
func TestCopierAtMostOneOutstanding(t *testing.T) {
	gate := make(chan struct{})
	var sent [][]byte
	var mu sync.Mutex
	c := newCopier(2, 0, 1, &gatedSerializer{gate: gate}, func(p []byte) {
		mu.Lock()
		sent = append(sent, p)
		mu.Unlock()
	}, noopMetrics{}, zap.NewNop())

	done := make(chan struct{})
	go func() {
		c.run()
		close(done)
	}()

	c.request([]byte{1})

	second := make(chan struct{})
	go func() {
		c.request([]byte{2})
		close(second)
	}()

	select {
	case <-second:
		t.Fatal("second request admitted while the first copy was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	gate <- struct{}{} // release first serialization
	select {
	case <-second:
	case <-time.After(time.Second):
		t.Fatal("second request still blocked after the first copy completed")
	}
	gate <- struct{}{} // release second serialization

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("copier worker did not exit after saveCount cycles")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(sent) != 2 || !bytes.Equal(sent[0], []byte{1}) || !bytes.Equal(sent[1], []byte{2}) {
		t.Fatalf("sent chunks = %v, want [[1] [2]]", sent)
	}
}

// The completion flag must be true exactly when the handoff slot is empty.
func TestCopierFlagMatchesSlot(t *testing.T) {
	c := newCopier(1, 0, 1, rawSerializer{}, func([]byte) {}, noopMetrics{}, zap.NewNop())

	c.mu.Lock()
	if !c.completed || c.hasWork {
		c.mu.Unlock()
		t.Fatal("fresh copier: want completed and empty slot")
	}
	c.mu.Unlock()

	go c.run()
	c.request([]byte{9})
	c.waitComplete()

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.completed || c.hasWork {
		t.Fatal("after cycle: want completed and empty slot")
	}
}

// The sender drains its queue to the highest rank in FIFO order.
func TestSenderFIFO(t *testing.T) {
	fab := newMemFabric(2)
	s := newSender(3, fab.at(0), noopMetrics{}, zap.NewNop())

	chunks := [][]byte{{1}, {2, 2}, {}}
	for _, p := range chunks {
		s.enqueue(p)
	}
	go s.run()

	sink := fab.at(1)
	for i, want := range chunks {
		got, err := sink.Recv(0, checkpointTag)
		if err != nil {
			t.Fatalf("recv %d: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("chunk %d = %v, want %v", i, got, want)
		}
	}
}

func TestTrainerProtocol(t *testing.T) {
	fab := newMemFabric(2)
	o := defaultOptions()
	tr := newTrainer(fab.at(0), o, noopMetrics{}, 1, 0, 1)

	if err := tr.Save([]byte{1}); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("Save before Start: err = %v, want ErrNotStarted", err)
	}
	if err := tr.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := tr.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("double Start: err = %v, want ErrAlreadyStarted", err)
	}

	if err := tr.Save(map[string]int{"epoch": 1}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := fab.at(1).Recv(0, checkpointTag); err != nil {
		t.Fatalf("remote recv: %v", err)
	}
	tr.Wait()
	if err := tr.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

// A non-leader's Save is a silent no-op: no worker runs, nothing is sent.
func TestTrainerNonLeaderNoop(t *testing.T) {
	fab := newMemFabric(3)
	o := defaultOptions()
	tr := newTrainer(fab.at(1), o, noopMetrics{}, 5, -1, 1)

	if err := tr.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := tr.Save([]byte{1}); err != nil {
		t.Fatalf("non-leader Save: %v", err)
	}
	tr.WaitForCopy() // must not block
	tr.Wait()        // no workers to join
}
