package acute

// remote.go implements the remote sink: S receiver workers that pull shard
// chunks off the fabric into the claimed ring slot, a flusher that joins a
// slot's shards and writes the file durably, and the master loop that drives
// the slot round-robin and coordinates the receivers cycle by cycle.
//
// Coordination is the dirty-bit protocol of internal/ring plus two signal
// channels per receiver: start (carrying the claimed slot index) and done.
// The master exposes exactly one slot per cycle; across shards within a cycle
// there is no ordering requirement, the flusher only runs once all S chunks
// have landed.
//
// Failure policy mirrors the trainer side: a fabric or filesystem error
// aborts the process. The fsync is not optional — surviving the loss of a
// training host is the whole point of shipping checkpoints here.
//
// © 2025 ACUTE authors. MIT License.

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/acuteteam/acute/internal/manifest"
	"github.com/acuteteam/acute/internal/ring"
)

/*
   ---------------- Receiver ----------------
*/

// receiver pulls this shard's chunk for each cycle. The start channel carries
// the slot index claimed by the master for the cycle; done signals the chunk
// has been stored.
type receiver struct {
	shard     int
	source    int // world rank of the shard leader this receiver pairs with
	saveCount int
	tr        transport
	buf       *ring.Buffer
	metrics   metricsSink
	log       *zap.Logger

	start chan int
	done  chan struct{}
}

func newReceiver(shard, source, saveCount int, tr transport, buf *ring.Buffer, m metricsSink, log *zap.Logger) *receiver {
	return &receiver{
		shard:     shard,
		source:    source,
		saveCount: saveCount,
		tr:        tr,
		buf:       buf,
		metrics:   m,
		log:       log,
		start:     make(chan int, 1),
		done:      make(chan struct{}, 1),
	}
}

func (r *receiver) run() {
	for i := 0; i < r.saveCount; i++ {
		slot := <-r.start
		p, err := r.tr.Recv(r.source, checkpointTag)
		if err != nil {
			r.log.Fatal("checkpoint chunk receive failed",
				zap.Int("shard", r.shard), zap.Error(err))
		}
		r.buf.Put(slot, r.shard, p)
		r.metrics.incChunkReceived(r.shard, len(p))
		r.done <- struct{}{}
	}
}

/*
   ---------------- Remote node ----------------
*/

// Remote is the remote-sink node. Construct via Init; Start launches the
// workers, Run drives the master loop to completion.
type Remote struct {
	mu      sync.Mutex
	started bool

	saveCount int
	shardSize int

	buf       *ring.Buffer
	receivers []*receiver
	flushQ    chan int

	modelName       string
	includeDatetime bool
	saveInDir       bool
	outputDir       string
	manifestDir     string
	manifest        *manifest.Store

	metrics metricsSink
	log     *zap.Logger
	wg      sync.WaitGroup

	now func() time.Time // clock for file naming; overridden in tests
}

func newRemote(tr transport, cfg Config, o *options, m metricsSink, saveCount int, leaders []int) *Remote {
	r := &Remote{
		saveCount:       saveCount,
		shardSize:       cfg.ShardSize,
		buf:             ring.New(cfg.RemoteBufferSize, cfg.ShardSize),
		flushQ:          make(chan int, cfg.RemoteBufferSize),
		modelName:       cfg.ModelName,
		includeDatetime: cfg.FileNameIncludeDatetime,
		saveInDir:       cfg.FileSaveInDictionary,
		outputDir:       o.outputDir,
		manifestDir:     o.manifestDir,
		metrics:         m,
		log:             o.logger.Named("remote"),
		now:             time.Now,
	}
	r.receivers = make([]*receiver, cfg.ShardSize)
	for shard := 0; shard < cfg.ShardSize; shard++ {
		r.receivers[shard] = newReceiver(shard, leaders[shard], saveCount, tr, r.buf, m, r.log)
	}
	return r
}

// Start prepares the output directory, opens the manifest if configured, and
// launches the flusher and receiver workers.
func (r *Remote) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return ErrAlreadyStarted
	}
	r.started = true

	dir := r.outputDir
	if r.saveInDir {
		dir = filepath.Join(r.outputDir, r.modelName)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("acute: create checkpoint directory: %w", err)
	}
	if r.manifestDir != "" {
		store, err := manifest.Open(r.manifestDir)
		if err != nil {
			return err
		}
		r.manifest = store
	}

	r.wg.Add(1 + len(r.receivers))
	go func() {
		defer r.wg.Done()
		r.flush()
	}()
	for _, rc := range r.receivers {
		rc := rc
		go func() {
			defer r.wg.Done()
			rc.run()
		}()
	}
	r.log.Info("remote sink started",
		zap.Int("shard_size", r.shardSize),
		zap.Int("buffer_slots", r.buf.Slots()),
		zap.Int("save_count", r.saveCount))
	return nil
}

// Run is the master loop. One iteration per save cycle: claim the current
// slot, fan the slot index out to every receiver, wait for all S chunks to
// land, hand the slot to the flusher, advance the cursor. When all K slots
// are dirty the claim stalls — the ring's natural back-pressure.
func (r *Remote) Run() error {
	r.mu.Lock()
	started := r.started
	r.mu.Unlock()
	if !started {
		return ErrNotStarted
	}

	for cycle := 0; cycle < r.saveCount; cycle++ {
		slot := r.buf.Claim()
		r.metrics.setDirtySlots(r.buf.DirtyCount())
		for _, rc := range r.receivers {
			rc.start <- slot
		}
		for _, rc := range r.receivers {
			<-rc.done
		}
		r.flushQ <- slot
		r.buf.Advance()
		r.log.Debug("cycle received", zap.Int("cycle", cycle), zap.Int("slot", slot))
	}

	r.wg.Wait()
	if r.manifest != nil {
		if err := r.manifest.Close(); err != nil {
			return err
		}
	}
	r.log.Info("remote sink finished", zap.Int("cycles", r.saveCount))
	return nil
}

// flush joins each enqueued slot and writes it durably. The slot is released
// before the filesystem write: the receivers may refill it while the write is
// in flight, the bytes to persist are already owned by the flusher.
func (r *Remote) flush() {
	for cycle := 0; cycle < r.saveCount; cycle++ {
		slot := <-r.flushQ
		data := r.buf.Join(slot)
		r.buf.Release(slot)
		r.metrics.setDirtySlots(r.buf.DirtyCount())

		name := r.fileName(r.now())
		begin := time.Now()
		if err := writeDurably(name, data); err != nil {
			r.log.Fatal("checkpoint flush failed", zap.String("file", name), zap.Error(err))
		}
		r.metrics.incFlush(len(data), time.Since(begin))

		if r.manifest != nil {
			err := r.manifest.Record(manifest.Entry{
				File:      name,
				Bytes:     len(data),
				Cycle:     cycle,
				WrittenAt: begin,
			})
			if err != nil {
				r.log.Fatal("manifest record failed", zap.Error(err))
			}
		}
		r.log.Info("checkpoint written", zap.String("file", name), zap.Int("bytes", len(data)))
	}
}

// fileName builds <outputDir>/[<model>/]<model>[_YYYY-MM-DD-HHMMSS].pt.tar.
func (r *Remote) fileName(now time.Time) string {
	base := r.modelName
	if r.includeDatetime {
		base += "_" + now.Format("2006-01-02-150405")
	}
	base += ".pt.tar"
	if r.saveInDir {
		return filepath.Join(r.outputDir, r.modelName, base)
	}
	return filepath.Join(r.outputDir, base)
}

// writeDurably writes data to path with the flush+fsync+close sequence.
func writeDurably(path string, data []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
