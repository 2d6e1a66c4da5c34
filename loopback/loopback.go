// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package loopback implements comms.Driver in-process: ranks bootstrap
// through a shared UniqueID exactly like they would through a vendor
// library, and the data operations (AllGather, Send, Recv) move bytes over
// channels between the goroutines of one process.
//
// It exists so tests, examples and single-host runs can exercise the full
// clique machinery without a GPU or a cgo binding; a real NCCL/PJRT driver
// implements the same comms.Driver surface.
package loopback

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gomlx/goccl/comms"
	"github.com/gomlx/goccl/rendezvous"
	"github.com/gomlx/goccl/types/xsync"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultBootstrapTimeout bounds how long CommInitRank waits for the peer
// ranks of a clique to show up.
const DefaultBootstrapTimeout = time.Minute

// mailboxDepth is the per-sender buffering of point-to-point messages.
const mailboxDepth = 16

// Driver is an in-process comms.Driver. One Driver plays the role of the
// native library for any number of cliques; create it with New.
type Driver struct {
	bootstrapTimeout time.Duration

	mu     sync.Mutex
	groups map[comms.UniqueID]*group
}

// New returns a loopback Driver with the DefaultBootstrapTimeout.
func New() *Driver {
	return NewWithTimeout(DefaultBootstrapTimeout)
}

// NewWithTimeout returns a loopback Driver that gives up bootstrapping a
// communicator after the given timeout waiting for its peers.
func NewWithTimeout(bootstrapTimeout time.Duration) *Driver {
	return &Driver{
		bootstrapTimeout: bootstrapTimeout,
		groups:           make(map[comms.UniqueID]*group),
	}
}

// group is the shared state of all ranks bootstrapped from one UniqueID.
type group struct {
	id    comms.UniqueID
	size  int
	ready *xsync.Latch
	rdv   *rendezvous.Map

	mu     sync.Mutex
	conns  []*Conn
	joined int
}

// CommInitRank implements comms.Driver: it registers rank into the group
// identified by id and blocks until all size ranks joined, mirroring the
// blocking bootstrap of real collective libraries.
func (d *Driver) CommInitRank(rank, size int, id comms.UniqueID) (comms.NativeComm, error) {
	if size < 1 || rank < 0 || rank >= size {
		return nil, errors.Errorf("loopback: invalid rank %d for communicator of size %d", rank, size)
	}

	d.mu.Lock()
	g, found := d.groups[id]
	if !found {
		g = &group{
			id:    id,
			size:  size,
			ready: xsync.NewLatch(),
			rdv:   rendezvous.NewMap(),
			conns: make([]*Conn, size),
		}
		d.groups[id] = g
	}
	d.mu.Unlock()
	if g.size != size {
		return nil, errors.Errorf("loopback: id %s already bootstrapped with size %d, got size %d", id, g.size, size)
	}

	g.mu.Lock()
	if g.conns[rank] != nil {
		g.mu.Unlock()
		return nil, errors.Errorf("loopback: rank %d of id %s already joined", rank, id)
	}
	conn := newConn(g, rank, size)
	g.conns[rank] = conn
	g.joined++
	joined := g.joined
	g.mu.Unlock()
	if joined == size {
		g.ready.Trigger()
	}

	select {
	case <-g.ready.WaitChan():
	case <-time.After(d.bootstrapTimeout):
		g.mu.Lock()
		joined = g.joined
		g.mu.Unlock()
		return nil, errors.Errorf("loopback: bootstrap of id %s timed out with %d of %d ranks joined",
			id, joined, size)
	}
	klog.V(2).Infof("loopback: rank %d of %d bootstrapped for id %s", rank, size, id)
	return conn, nil
}

// Conn is the loopback implementation of comms.NativeComm, plus the data
// operations tests and examples run over it.
type Conn struct {
	group *group
	rank  int
	size  int

	// mailboxes[src] buffers point-to-point messages from rank src to this
	// rank.
	mailboxes []chan []byte
	closed    *xsync.Latch

	// fault holds an injected (or simulated) asynchronous error.
	fault atomic.Pointer[error]

	// allGatherSeq counts this rank's AllGather calls; matching calls on all
	// ranks share the same sequence number, which keys their rendezvous.
	allGatherSeq atomic.Int64
}

func newConn(g *group, rank, size int) *Conn {
	c := &Conn{
		group:     g,
		rank:      rank,
		size:      size,
		mailboxes: make([]chan []byte, size),
		closed:    xsync.NewLatch(),
	}
	for src := range c.mailboxes {
		c.mailboxes[src] = make(chan []byte, mailboxDepth)
	}
	return c
}

// Rank of this communicator within its clique.
func (c *Conn) Rank() int { return c.rank }

// AsyncError implements comms.NativeComm.
func (c *Conn) AsyncError() error {
	if errPtr := c.fault.Load(); errPtr != nil {
		return *errPtr
	}
	return nil
}

// InjectFault makes the communicator report err from AsyncError, as if an
// asynchronous fault had hit it. Test hook.
func (c *Conn) InjectFault(err error) {
	c.fault.Store(&err)
}

// Abort implements comms.NativeComm: it closes the communicator immediately,
// releasing blocked Send/Recv callers with an error.
func (c *Conn) Abort() error {
	c.closed.Trigger()
	return nil
}

// Destroy implements comms.NativeComm.
func (c *Conn) Destroy() error {
	c.closed.Trigger()
	return nil
}

func (c *Conn) checkUsable(op string) error {
	if c.closed.Test() {
		return errors.Errorf("loopback: %s on closed communicator rank %d", op, c.rank)
	}
	if err := c.AsyncError(); err != nil {
		return errors.WithMessagef(err, "loopback: %s on faulted communicator rank %d", op, c.rank)
	}
	return nil
}

// allGatherValue carries one rank's contribution through the rendezvous.
type allGatherValue struct {
	rank int
	data []byte
}

// AllGather contributes data and returns every rank's contribution, indexed
// by rank. All ranks of the clique must call AllGather the same number of
// times, in the same order; the n-th calls on every rank form one
// collective.
func (c *Conn) AllGather(data []byte) ([][]byte, error) {
	if err := c.checkUsable("AllGather"); err != nil {
		return nil, err
	}
	seq := c.allGatherSeq.Add(1)
	return rendezvous.Join(c.group.rdv, "loopback all-gather", seq,
		allGatherValue{rank: c.rank, data: data}, c.size,
		func(values []allGatherValue) ([][]byte, error) {
			gathered := make([][]byte, len(values))
			for _, v := range values {
				gathered[v.rank] = v.data
			}
			return gathered, nil
		}, rendezvous.Options{WarnStuckAfter: 30 * time.Second})
}

// Send delivers data to rank to. It blocks while the destination's mailbox
// from this rank is full, and fails if either side is closed.
func (c *Conn) Send(to int, data []byte) error {
	if err := c.checkUsable("Send"); err != nil {
		return err
	}
	if to < 0 || to >= c.size {
		return errors.Errorf("loopback: Send to rank %d, clique has ranks 0..%d", to, c.size-1)
	}
	c.group.mu.Lock()
	peer := c.group.conns[to]
	c.group.mu.Unlock()
	select {
	case peer.mailboxes[c.rank] <- data:
		return nil
	case <-peer.closed.WaitChan():
		return errors.Errorf("loopback: Send to closed rank %d", to)
	case <-c.closed.WaitChan():
		return errors.Errorf("loopback: Send on closed communicator rank %d", c.rank)
	}
}

// Recv returns the next message sent by rank from, blocking until one
// arrives or either side closes.
func (c *Conn) Recv(from int) ([]byte, error) {
	if err := c.checkUsable("Recv"); err != nil {
		return nil, err
	}
	if from < 0 || from >= c.size {
		return nil, errors.Errorf("loopback: Recv from rank %d, clique has ranks 0..%d", from, c.size-1)
	}
	select {
	case data := <-c.mailboxes[from]:
		return data, nil
	case <-c.closed.WaitChan():
		return nil, errors.Errorf("loopback: Recv on closed communicator rank %d", c.rank)
	}
}

// Exchange emulates the out-of-band key-value store real deployments use to
// share a clique's UniqueID between processes: the first caller for a key
// creates the id, later callers for the same key get the same id.
type Exchange struct {
	mu  sync.Mutex
	ids map[string]comms.UniqueID
}

// NewExchange returns an empty Exchange.
func NewExchange() *Exchange {
	return &Exchange{ids: make(map[string]comms.UniqueID)}
}

// ID returns the UniqueID for key, creating it on first use.
func (e *Exchange) ID(key string) comms.UniqueID {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, found := e.ids[key]
	if !found {
		id = comms.NewUniqueID()
		e.ids[key] = id
	}
	return id
}
