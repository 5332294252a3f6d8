package acute

// trainer.go implements the trainer-side half of the checkpoint pipeline: the
// copier, which serializes the user snapshot and slices out this leader's
// shard, and the sender, which drains sliced chunks to the remote sink in
// FIFO order.
//
// The copier handshake is the contract with the training loop: Save blocks
// until the previous snapshot has been serialized out of user memory, so the
// training thread never overwrites model parameters the copier is still
// reading. The completion flag is released before slicing and sending, which
// lets the trainer's critical path overlap with network egress.
//
// Both workers run exactly saveCount iterations and exit; there is no
// cancellation path. Transport and serialization failures abort the process
// (the checkpoint stream itself is the recovery mechanism, and the job is
// re-launched wholesale).
//
// © 2025 ACUTE authors. MIT License.

import (
	"sync"

	"go.uber.org/zap"
)

// checkpointTag is the point-to-point tag carrying checkpoint chunks.
const checkpointTag = 0

// transport is the slice of the fabric surface the pipeline needs. Satisfied
// by *comm.Communicator; tests substitute an in-memory mesh.
type transport interface {
	Rank() int
	Size() int
	Send(dest, tag int, p []byte) error
	Recv(source, tag int) ([]byte, error)
}

/*
   ---------------- Copier ----------------
*/

// copier owns the serialize-and-slice stage. The mutex protects a strict
// handshake: completed is true exactly when no snapshot is pending.
type copier struct {
	mu        sync.Mutex
	cond      *sync.Cond
	completed bool
	pending   any
	hasWork   bool

	saveCount int
	shardRank int
	shardSize int
	ser       Serializer
	enqueue   func([]byte)
	metrics   metricsSink
	log       *zap.Logger
}

func newCopier(saveCount, shardRank, shardSize int, ser Serializer, enqueue func([]byte), m metricsSink, log *zap.Logger) *copier {
	c := &copier{
		completed: true,
		saveCount: saveCount,
		shardRank: shardRank,
		shardSize: shardSize,
		ser:       ser,
		enqueue:   enqueue,
		metrics:   m,
		log:       log,
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// request hands a snapshot to the copier. It blocks until the previous
// snapshot has been fully serialized, then claims the handoff slot. The
// completion flag is cleared here, under the lock, so it is false for the
// whole window in which the worker may still read user memory.
func (c *copier) request(snapshot any) {
	c.mu.Lock()
	for !c.completed {
		c.cond.Wait()
	}
	c.completed = false
	c.pending = snapshot
	c.hasWork = true
	c.cond.Broadcast()
	c.mu.Unlock()
}

// waitComplete blocks until the in-flight snapshot, if any, has been
// serialized out of user memory.
func (c *copier) waitComplete() {
	c.mu.Lock()
	for !c.completed {
		c.cond.Wait()
	}
	c.mu.Unlock()
}

// run is the copier worker. One iteration per save cycle.
func (c *copier) run() {
	for i := 0; i < c.saveCount; i++ {
		c.mu.Lock()
		for !c.hasWork {
			c.cond.Wait()
		}
		snapshot := c.pending
		c.mu.Unlock()

		// Serialize while request stays blocked: the snapshot still aliases
		// live model memory until these bytes exist.
		buf, err := c.ser.Marshal(snapshot)
		if err != nil {
			c.log.Fatal("snapshot serialization failed", zap.Error(err))
		}
		c.metrics.incSerialized()

		c.mu.Lock()
		c.pending = nil
		c.hasWork = false
		c.completed = true
		c.cond.Broadcast()
		c.mu.Unlock()

		lo, hi := shardRange(len(buf), c.shardSize, c.shardRank)
		c.enqueue(buf[lo:hi])
	}
}

/*
   ---------------- Sender ----------------
*/

// sender drains sliced chunks to the remote sink. The queue is sized to the
// total cycle count, so enqueue never blocks the copier.
type sender struct {
	queue     chan []byte
	saveCount int
	dest      int
	tr        transport
	metrics   metricsSink
	log       *zap.Logger
}

func newSender(saveCount int, tr transport, m metricsSink, log *zap.Logger) *sender {
	n := saveCount
	if n < 1 {
		n = 1
	}
	return &sender{
		queue:     make(chan []byte, n),
		saveCount: saveCount,
		dest:      tr.Size() - 1,
		tr:        tr,
		metrics:   m,
		log:       log,
	}
}

func (s *sender) enqueue(p []byte) { s.queue <- p }

// run pops saveCount chunks and sends each to the remote sink on the
// checkpoint tag. No retry: a fabric failure is fatal.
func (s *sender) run() {
	for i := 0; i < s.saveCount; i++ {
		p := <-s.queue
		if err := s.tr.Send(s.dest, checkpointTag, p); err != nil {
			s.log.Fatal("checkpoint chunk send failed", zap.Error(err))
		}
		s.metrics.addChunkBytesSent(len(p))
	}
}

/*
   ---------------- Trainer node ----------------
*/

// Trainer is the per-process training-side node. Shard leaders run a copier
// and a sender; non-leaders participate in training collectives only, and
// their Save is a no-op.
type Trainer struct {
	mu      sync.Mutex
	started bool

	saveCount int
	shardRank int
	shardSize int

	copier     *copier
	sender     *sender
	collective Collective
	log        *zap.Logger
	wg         sync.WaitGroup
}

func newTrainer(tr transport, o *options, m metricsSink, saveCount, shardRank, shardSize int) *Trainer {
	t := &Trainer{
		saveCount:  saveCount,
		shardRank:  shardRank,
		shardSize:  shardSize,
		collective: o.collective,
		log:        o.logger.Named("trainer"),
	}
	if shardRank >= 0 && shardRank < shardSize {
		t.sender = newSender(saveCount, tr, m, t.log)
		t.copier = newCopier(saveCount, shardRank, shardSize, o.serializer, t.sender.enqueue, m, t.log)
	}
	return t
}

// Start launches the copier and sender workers on shard leaders. Starting a
// node twice is a protocol error.
func (t *Trainer) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return ErrAlreadyStarted
	}
	t.started = true
	if t.copier == nil {
		return nil
	}
	t.wg.Add(2)
	go func() {
		defer t.wg.Done()
		t.sender.run()
	}()
	go func() {
		defer t.wg.Done()
		t.copier.run()
	}()
	t.log.Info("trainer started",
		zap.Int("shard_rank", t.shardRank),
		zap.Int("save_count", t.saveCount))
	return nil
}

// Save requests one checkpoint cycle for the given snapshot. On
// participating shard leaders it blocks until the previous snapshot has been
// copied out of user memory; on every other trainer it is a silent no-op.
func (t *Trainer) Save(snapshot any) error {
	t.mu.Lock()
	started := t.started
	t.mu.Unlock()
	if !started {
		return ErrNotStarted
	}
	if t.copier == nil {
		return nil
	}
	t.copier.request(snapshot)
	return nil
}

// WaitForCopy blocks until the in-flight snapshot, if any, has been
// serialized. Training may safely mutate model parameters afterwards.
func (t *Trainer) WaitForCopy() {
	if t.copier != nil {
		t.copier.waitComplete()
	}
}

// Wait blocks until both workers have completed all saveCount cycles. The
// pipeline is lifecycle-finite, so this returns once the final chunk has been
// handed to the fabric.
func (t *Trainer) Wait() { t.wg.Wait() }

// Shutdown destroys the external training collective.
func (t *Trainer) Shutdown() error {
	return t.collective.Destroy()
}

// ShardRank returns this trainer's dense shard rank, or -1 for non-leaders.
func (t *Trainer) ShardRank() int { return t.shardRank }
