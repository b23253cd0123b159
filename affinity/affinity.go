// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package affinity allocates pairs of sibling hardware threads to
// worker/persister pairs. Each physical core is offered as one pair;
// pairs are handed out to the least-loaded core so that a worker and
// its persister share a core's caches while different pairs spread
// across the machine.
package affinity

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/rachit173/prontoer/errors"
	"github.com/rachit173/prontoer/log"
	"github.com/rachit173/prontoer/must"
	"github.com/shirou/gopsutil/v3/cpu"
)

// HWThread describes one hardware thread (logical CPU).
type HWThread struct {
	// Socket is the physical package containing the thread.
	Socket int
	// Core identifies the physical core within the machine. Threads
	// with the same Core are siblings.
	Core int
	// ID is the operating system's CPU number.
	ID int
}

// Topology is the set of hardware threads available to the process.
type Topology []HWThread

// Discover returns the topology of the host. It returns a fatal error
// of kind Unavailable if the topology cannot be determined.
func Discover(ctx context.Context) (Topology, error) {
	infos, err := cpu.InfoWithContext(ctx)
	if err != nil {
		return nil, errors.E(errors.Unavailable, errors.Fatal, "topology unavailable", err)
	}
	if len(infos) == 0 {
		return nil, errors.E(errors.Unavailable, errors.Fatal, "topology unavailable: no processors reported")
	}
	var (
		topo    Topology
		cores   = make(map[string]int)
		sockets = make(map[string]int)
	)
	for _, info := range infos {
		socket, ok := sockets[info.PhysicalID]
		if !ok {
			socket = len(sockets)
			sockets[info.PhysicalID] = socket
		}
		// Without a core id every processor is its own core.
		key := info.PhysicalID + "/" + info.CoreID
		if info.CoreID == "" {
			key = "cpu" + strconv.Itoa(int(info.CPU))
		}
		core, ok := cores[key]
		if !ok {
			core = len(cores)
			cores[key] = core
		}
		topo = append(topo, HWThread{Socket: socket, Core: core, ID: int(info.CPU)})
	}
	return topo, nil
}

// Options configures an Allocator.
type Options struct {
	// SpreadSiblings pairs threads from different cores: within each
	// socket, the second thread of core c is exchanged with the first
	// thread of core c+n/2. This disables hyperthread sharing between a
	// worker and its persister.
	SpreadSiblings bool
}

type core struct {
	socket  int
	pair    [2]int
	tenants int
}

// Allocator tracks tenants of each core pair. It is safe for
// concurrent use.
type Allocator struct {
	mu     sync.Mutex
	cores  []core
	owner  map[int]int
	total  int
	idleCh chan struct{}
}

// New creates an allocator for the provided topology. Cores with at
// least two threads offer their two lowest-numbered threads as a
// pair. Cores with a single thread are paired with each other in
// thread order; an odd one out is paired with itself.
func New(topo Topology, opts Options) (*Allocator, error) {
	if len(topo) == 0 {
		return nil, errors.E(errors.Unavailable, errors.Fatal, "topology unavailable: no hardware threads")
	}
	type group struct {
		socket int
		ids    []int
	}
	byCore := make(map[int]*group)
	seen := make(map[int]bool)
	for _, t := range topo {
		if seen[t.ID] {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("hardware thread %d listed twice", t.ID))
		}
		seen[t.ID] = true
		g := byCore[t.Core]
		if g == nil {
			g = &group{socket: t.Socket}
			byCore[t.Core] = g
		}
		g.ids = append(g.ids, t.ID)
	}
	groups := make([]*group, 0, len(byCore))
	for _, g := range byCore {
		sort.Ints(g.ids)
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].ids[0] < groups[j].ids[0] })

	a := &Allocator{owner: make(map[int]int)}
	var singles []*group
	for _, g := range groups {
		if len(g.ids) == 1 {
			singles = append(singles, g)
			continue
		}
		a.cores = append(a.cores, core{socket: g.socket, pair: [2]int{g.ids[0], g.ids[1]}})
	}
	for i := 0; i < len(singles); i += 2 {
		c := core{socket: singles[i].socket, pair: [2]int{singles[i].ids[0], singles[i].ids[0]}}
		if i+1 < len(singles) {
			c.pair[1] = singles[i+1].ids[0]
		}
		a.cores = append(a.cores, c)
	}
	sort.SliceStable(a.cores, func(i, j int) bool { return a.cores[i].pair[0] < a.cores[j].pair[0] })
	if opts.SpreadSiblings {
		a.spread()
	}
	for i, c := range a.cores {
		a.owner[c.pair[0]] = i
		a.owner[c.pair[1]] = i
	}
	for i, c := range a.cores {
		log.Debug.Printf("affinity: core %d = {%d, %d}", i, c.pair[0], c.pair[1])
	}
	return a, nil
}

func (a *Allocator) spread() {
	bySocket := make(map[int][]int)
	var sockets []int
	for i, c := range a.cores {
		if _, ok := bySocket[c.socket]; !ok {
			sockets = append(sockets, c.socket)
		}
		bySocket[c.socket] = append(bySocket[c.socket], i)
	}
	for _, s := range sockets {
		idx := bySocket[s]
		half := len(idx) / 2
		for c := 0; c < half; c++ {
			x, y := &a.cores[idx[c]], &a.cores[idx[c+half]]
			x.pair[1], y.pair[0] = y.pair[0], x.pair[1]
		}
	}
}

// AllocatePair returns the thread pair of the least-loaded core,
// preferring the lowest-numbered core on ties, and adds a tenant to
// it.
func (a *Allocator) AllocatePair() (int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	least := 0
	for i := range a.cores {
		if a.cores[i].tenants < a.cores[least].tenants {
			least = i
		}
	}
	c := &a.cores[least]
	c.tenants++
	a.total++
	log.Debug.Printf("affinity: adding tenant to threads %d and %d", c.pair[0], c.pair[1])
	return c.pair[0], c.pair[1]
}

// Release removes a tenant from the core that owns hardware thread
// hwID. Each allocated pair must be released exactly once, through
// either of its threads.
func (a *Allocator) Release(hwID int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	i, ok := a.owner[hwID]
	must.Truef(ok, "affinity: release of unknown hardware thread %d", hwID)
	c := &a.cores[i]
	must.Truef(c.tenants > 0, "affinity: release of unallocated thread %d", hwID)
	c.tenants--
	a.total--
	log.Debug.Printf("affinity: removing tenant from threads %d and %d", c.pair[0], c.pair[1])
	if a.total == 0 && a.idleCh != nil {
		close(a.idleCh)
		a.idleCh = nil
	}
}

// Finalize blocks until every core has no tenants, or until the
// context is done.
func (a *Allocator) Finalize(ctx context.Context) error {
	a.mu.Lock()
	if a.total == 0 {
		a.mu.Unlock()
		return nil
	}
	if a.idleCh == nil {
		a.idleCh = make(chan struct{})
	}
	ch := a.idleCh
	a.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return errors.E(ctx.Err(), "affinity: waiting for tenants to finish")
	}
}

// Tenants returns the number of tenants of each core pair.
func (a *Allocator) Tenants() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	t := make([]int, len(a.cores))
	for i, c := range a.cores {
		t[i] = c.tenants
	}
	return t
}

// Pairs returns the thread pair offered by each core.
func (a *Allocator) Pairs() [][2]int {
	p := make([][2]int, len(a.cores))
	for i, c := range a.cores {
		p[i] = c.pair
	}
	return p
}
