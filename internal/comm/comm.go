// Package comm is the rank-to-rank fabric underneath the checkpoint pipeline.
// It exposes the classic communicator surface — rank, size, processor name,
// tagged blocking send/recv and an int32 all-gather — implemented over plain
// TCP with a rank-0 rendezvous.
//
// Topology
// --------
// Rank 0 listens on a well-known address (ACUTE_COMM_ADDR). Every other rank
// listens on an ephemeral port, dials rank 0, and registers its own listen
// address; rank 0 answers with the complete address book. The remaining mesh
// links are then established deterministically: for every pair of non-root
// ranks the lower-numbered rank dials the higher-numbered one. Bootstrap ends
// with a full mesh, so Send/Recv never have to dial.
//
// Ordering contract
// -----------------
// Frames between one pair of ranks travel on a single TCP connection, so
// messages on one (peer, tag) pair are FIFO; distinct pairs are independent
// (the receive loop demultiplexes by tag into per-(source, tag) queues).
//
// © 2025 ACUTE authors. MIT License.
package comm

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Environment variables understood by FromEnv. The OMPI_* triple is what an
// Open MPI-style launcher exports into every spawned process.
const (
	EnvWorldRank = "OMPI_COMM_WORLD_RANK"
	EnvWorldSize = "OMPI_COMM_WORLD_SIZE"
	EnvLocalRank = "OMPI_COMM_WORLD_LOCAL_RANK"
	EnvCommAddr  = "ACUTE_COMM_ADDR"
)

const (
	dialRetryInterval = 100 * time.Millisecond
	bootstrapTimeout  = 30 * time.Second
)

// ErrClosed is returned by Send/Recv after Close.
var ErrClosed = errors.New("comm: communicator closed")

type inboxKey struct {
	source int
	tag    int32
}

// link is one established TCP connection to a peer. Writers serialise on wmu;
// the single receive loop owns the read side.
type link struct {
	wmu  sync.Mutex
	conn net.Conn
}

type hello struct {
	Rank int    `json:"rank"`
	Addr string `json:"addr,omitempty"`
}

// Communicator is the process-wide fabric handle. Rank, size and processor
// name are constant over the process lifetime.
type Communicator struct {
	rank     int
	size     int
	procName string
	log      *zap.Logger

	ln    net.Listener
	addrs []string // listen address per rank, filled during rendezvous

	pmu   sync.Mutex
	peers map[int]*link

	imu    sync.Mutex
	icond  *sync.Cond
	inbox  map[inboxKey][][]byte
	rxErr  error
	closed bool
}

// FromEnv constructs the communicator for a launcher-spawned process, reading
// the world rank and size from the environment.
func FromEnv(logger *zap.Logger) (*Communicator, error) {
	rank, err := intEnv(EnvWorldRank)
	if err != nil {
		return nil, err
	}
	size, err := intEnv(EnvWorldSize)
	if err != nil {
		return nil, err
	}
	rootAddr := os.Getenv(EnvCommAddr)
	if rootAddr == "" {
		return nil, fmt.Errorf("comm: %s is not set", EnvCommAddr)
	}
	return New(rank, size, rootAddr, logger)
}

// New constructs a communicator with explicit parameters and blocks until the
// full mesh is established. Tests use this form to run several ranks of one
// world inside a single process over loopback.
func New(rank, size int, rootAddr string, logger *zap.Logger) (*Communicator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if size < 1 || rank < 0 || rank >= size {
		return nil, fmt.Errorf("comm: invalid rank %d for world size %d", rank, size)
	}
	name, err := os.Hostname()
	if err != nil {
		name = "unknown"
	}
	c := &Communicator{
		rank:     rank,
		size:     size,
		procName: name,
		log:      logger.With(zap.Int("rank", rank)),
		addrs:    make([]string, size),
		peers:    make(map[int]*link),
		inbox:    make(map[inboxKey][][]byte),
	}
	c.icond = sync.NewCond(&c.imu)

	if rank == 0 {
		c.ln, err = net.Listen("tcp", rootAddr)
	} else {
		c.ln, err = net.Listen("tcp", ":0")
	}
	if err != nil {
		return nil, fmt.Errorf("comm: listen: %w", err)
	}

	if err := c.rendezvous(rootAddr); err != nil {
		c.ln.Close()
		return nil, err
	}
	if err := c.connectMesh(); err != nil {
		c.Close()
		return nil, err
	}
	c.log.Debug("fabric established", zap.Int("size", size))
	return c, nil
}

// Rank returns this process's world rank.
func (c *Communicator) Rank() int { return c.rank }

// Size returns the world size.
func (c *Communicator) Size() int { return c.size }

// ProcessorName returns the host name of this rank.
func (c *Communicator) ProcessorName() string { return c.procName }

/* -------------------------------------------------------------------------
   Bootstrap
   ------------------------------------------------------------------------- */

// rendezvous exchanges listen addresses through rank 0. The connections made
// here are retained as the permanent 0<->r mesh links.
func (c *Communicator) rendezvous(rootAddr string) error {
	if c.rank == 0 {
		c.addrs[0] = c.ln.Addr().String()
		conns := make([]net.Conn, 0, c.size-1)
		for i := 1; i < c.size; i++ {
			conn, err := c.ln.Accept()
			if err != nil {
				return fmt.Errorf("comm: rendezvous accept: %w", err)
			}
			conns = append(conns, conn)
		}
		g := new(errgroup.Group)
		var mu sync.Mutex
		for _, conn := range conns {
			conn := conn
			g.Go(func() error {
				tag, p, err := readFrame(conn)
				if err != nil {
					return fmt.Errorf("comm: rendezvous hello: %w", err)
				}
				if tag != tagHello {
					return fmt.Errorf("comm: rendezvous: unexpected tag %d", tag)
				}
				var h hello
				if err := json.Unmarshal(p, &h); err != nil {
					return fmt.Errorf("comm: rendezvous hello: %w", err)
				}
				if h.Rank <= 0 || h.Rank >= c.size {
					return fmt.Errorf("comm: rendezvous: rank %d out of range", h.Rank)
				}
				mu.Lock()
				c.addrs[h.Rank] = h.Addr
				mu.Unlock()
				c.register(h.Rank, conn)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		book, err := json.Marshal(c.addrs)
		if err != nil {
			return err
		}
		for r := 1; r < c.size; r++ {
			if err := c.sendInternal(r, tagAddrBook, book); err != nil {
				return err
			}
		}
		return nil
	}

	conn, err := dialRetry(rootAddr, bootstrapTimeout)
	if err != nil {
		return fmt.Errorf("comm: rendezvous dial root: %w", err)
	}
	// Advertise the address peers can actually reach: the interface used to
	// reach the root, combined with our ephemeral listen port.
	host, _, err := net.SplitHostPort(conn.LocalAddr().String())
	if err != nil {
		conn.Close()
		return err
	}
	_, port, err := net.SplitHostPort(c.ln.Addr().String())
	if err != nil {
		conn.Close()
		return err
	}
	self := net.JoinHostPort(host, port)
	h, err := json.Marshal(hello{Rank: c.rank, Addr: self})
	if err != nil {
		conn.Close()
		return err
	}
	if err := writeFrame(conn, tagHello, h); err != nil {
		conn.Close()
		return fmt.Errorf("comm: rendezvous hello: %w", err)
	}
	tag, p, err := readFrame(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("comm: rendezvous address book: %w", err)
	}
	if tag != tagAddrBook {
		conn.Close()
		return fmt.Errorf("comm: rendezvous: unexpected tag %d", tag)
	}
	if err := json.Unmarshal(p, &c.addrs); err != nil {
		conn.Close()
		return err
	}
	if len(c.addrs) != c.size {
		conn.Close()
		return fmt.Errorf("comm: rendezvous: address book has %d entries, want %d", len(c.addrs), c.size)
	}
	c.register(0, conn)
	return nil
}

// connectMesh establishes the remaining pairwise links. Root links already
// exist from the rendezvous; for every other pair the lower rank dials.
func (c *Communicator) connectMesh() error {
	g := new(errgroup.Group)
	if c.rank > 0 {
		for p := c.rank + 1; p < c.size; p++ {
			p := p
			g.Go(func() error { return c.dialPeer(p) })
		}
	}
	want := 0
	if c.rank > 1 {
		want = c.rank - 1 // inbound from ranks 1..rank-1
	}
	g.Go(func() error { return c.acceptPeers(want) })
	return g.Wait()
}

func (c *Communicator) dialPeer(p int) error {
	conn, err := dialRetry(c.addrs[p], bootstrapTimeout)
	if err != nil {
		return fmt.Errorf("comm: dial rank %d: %w", p, err)
	}
	h, err := json.Marshal(hello{Rank: c.rank})
	if err != nil {
		conn.Close()
		return err
	}
	if err := writeFrame(conn, tagHello, h); err != nil {
		conn.Close()
		return fmt.Errorf("comm: hello to rank %d: %w", p, err)
	}
	c.register(p, conn)
	return nil
}

func (c *Communicator) acceptPeers(n int) error {
	for i := 0; i < n; i++ {
		conn, err := c.ln.Accept()
		if err != nil {
			return fmt.Errorf("comm: mesh accept: %w", err)
		}
		tag, p, err := readFrame(conn)
		if err != nil {
			conn.Close()
			return fmt.Errorf("comm: mesh hello: %w", err)
		}
		if tag != tagHello {
			conn.Close()
			return fmt.Errorf("comm: mesh: unexpected tag %d", tag)
		}
		var h hello
		if err := json.Unmarshal(p, &h); err != nil {
			conn.Close()
			return err
		}
		if h.Rank < 0 || h.Rank >= c.size {
			conn.Close()
			return fmt.Errorf("comm: mesh: rank %d out of range", h.Rank)
		}
		c.register(h.Rank, conn)
	}
	return nil
}

// register records the link and starts its receive loop.
func (c *Communicator) register(rank int, conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	c.pmu.Lock()
	c.peers[rank] = &link{conn: conn}
	c.pmu.Unlock()
	go c.recvLoop(rank, conn)
}

func dialRetry(addr string, timeout time.Duration) (net.Conn, error) {
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("tcp", addr, timeout)
		if err == nil {
			return conn, nil
		}
		if time.Now().After(deadline) {
			return nil, err
		}
		time.Sleep(dialRetryInterval)
	}
}

/* -------------------------------------------------------------------------
   Point-to-point
   ------------------------------------------------------------------------- */

// Send transmits a length-prefixed byte buffer to dest. It blocks until the
// frame is handed to the kernel. Tags must be non-negative.
func (c *Communicator) Send(dest, tag int, p []byte) error {
	if tag < 0 {
		return fmt.Errorf("comm: tag %d is reserved", tag)
	}
	return c.sendInternal(dest, int32(tag), p)
}

func (c *Communicator) sendInternal(dest int, tag int32, p []byte) error {
	if dest < 0 || dest >= c.size || dest == c.rank {
		return fmt.Errorf("comm: invalid destination rank %d", dest)
	}
	if c.isClosed() {
		return ErrClosed
	}
	c.pmu.Lock()
	l, ok := c.peers[dest]
	c.pmu.Unlock()
	if !ok {
		return fmt.Errorf("comm: no link to rank %d", dest)
	}
	l.wmu.Lock()
	defer l.wmu.Unlock()
	if err := writeFrame(l.conn, tag, p); err != nil {
		return fmt.Errorf("comm: send to rank %d tag %d: %w", dest, tag, err)
	}
	return nil
}

// Recv blocks until a message with the given tag arrives from source and
// returns a freshly-owned buffer.
func (c *Communicator) Recv(source, tag int) ([]byte, error) {
	if tag < 0 {
		return nil, fmt.Errorf("comm: tag %d is reserved", tag)
	}
	return c.recvInternal(source, int32(tag))
}

func (c *Communicator) recvInternal(source int, tag int32) ([]byte, error) {
	if source < 0 || source >= c.size || source == c.rank {
		return nil, fmt.Errorf("comm: invalid source rank %d", source)
	}
	key := inboxKey{source: source, tag: tag}
	c.imu.Lock()
	defer c.imu.Unlock()
	for len(c.inbox[key]) == 0 {
		if c.closed {
			return nil, ErrClosed
		}
		if c.rxErr != nil {
			return nil, c.rxErr
		}
		c.icond.Wait()
	}
	q := c.inbox[key]
	p := q[0]
	c.inbox[key] = q[1:]
	return p, nil
}

// SendObject serialises an arbitrary value with the self-describing codec and
// sends it. Intended for user-level control messages; checkpoint chunks use
// the raw byte path.
func (c *Communicator) SendObject(dest, tag int, v any) error {
	p, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("comm: encode object: %w", err)
	}
	return c.Send(dest, tag, p)
}

// RecvObject receives and decodes a value sent with SendObject.
func (c *Communicator) RecvObject(source, tag int, v any) error {
	p, err := c.Recv(source, tag)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(p, v); err != nil {
		return fmt.Errorf("comm: decode object: %w", err)
	}
	return nil
}

// recvLoop demultiplexes inbound frames from one peer into per-(source, tag)
// FIFO queues.
func (c *Communicator) recvLoop(source int, conn net.Conn) {
	for {
		tag, p, err := readFrame(conn)
		if err != nil {
			c.imu.Lock()
			if !c.closed && c.rxErr == nil {
				c.rxErr = fmt.Errorf("comm: receive from rank %d: %w", source, err)
				c.log.Error("link failed", zap.Int("peer", source), zap.Error(err))
			}
			c.icond.Broadcast()
			c.imu.Unlock()
			return
		}
		c.imu.Lock()
		key := inboxKey{source: source, tag: tag}
		c.inbox[key] = append(c.inbox[key], p)
		c.icond.Broadcast()
		c.imu.Unlock()
	}
}

/* -------------------------------------------------------------------------
   Collectives
   ------------------------------------------------------------------------- */

// AllGatherInt32 is a symmetric collective: every rank contributes one int32
// and every rank receives the full vector indexed by rank. Implemented as a
// gather to rank 0 followed by a broadcast.
func (c *Communicator) AllGatherInt32(local int32) ([]int32, error) {
	if c.size == 1 {
		return []int32{local}, nil
	}
	if c.rank == 0 {
		vec := make([]int32, c.size)
		vec[0] = local
		for r := 1; r < c.size; r++ {
			p, err := c.recvInternal(r, tagGather)
			if err != nil {
				return nil, err
			}
			got, err := unpackInt32Vector(p)
			if err != nil || len(got) != 1 {
				return nil, fmt.Errorf("comm: all-gather: bad contribution from rank %d", r)
			}
			vec[r] = got[0]
		}
		packed := packInt32Vector(vec)
		for r := 1; r < c.size; r++ {
			if err := c.sendInternal(r, tagVector, packed); err != nil {
				return nil, err
			}
		}
		return vec, nil
	}
	if err := c.sendInternal(0, tagGather, packInt32(local)); err != nil {
		return nil, err
	}
	p, err := c.recvInternal(0, tagVector)
	if err != nil {
		return nil, err
	}
	vec, err := unpackInt32Vector(p)
	if err != nil {
		return nil, err
	}
	if len(vec) != c.size {
		return nil, fmt.Errorf("comm: all-gather: vector has %d entries, want %d", len(vec), c.size)
	}
	return vec, nil
}

/* -------------------------------------------------------------------------
   Teardown
   ------------------------------------------------------------------------- */

// Close tears down the listener and every mesh link. Blocked Recv calls
// return ErrClosed.
func (c *Communicator) Close() error {
	c.imu.Lock()
	if c.closed {
		c.imu.Unlock()
		return nil
	}
	c.closed = true
	c.icond.Broadcast()
	c.imu.Unlock()

	if c.ln != nil {
		c.ln.Close()
	}
	c.pmu.Lock()
	for _, l := range c.peers {
		l.conn.Close()
	}
	c.pmu.Unlock()
	return nil
}

func (c *Communicator) isClosed() bool {
	c.imu.Lock()
	defer c.imu.Unlock()
	return c.closed
}

func intEnv(name string) (int, error) {
	s := os.Getenv(name)
	if s == "" {
		return 0, fmt.Errorf("comm: %s is not set", name)
	}
	var v int
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return 0, fmt.Errorf("comm: %s=%q is not an integer", name, s)
	}
	return v, nil
}
