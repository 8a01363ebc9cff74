// Package state implements the State Reconstruction Indices (spec §4.B):
// per-address and per-register sorted histories supporting point-in-time
// lookup by binary search, built from changelog appends in ingest order.
package state

import (
	"sort"
	"sync"

	"github.com/liuxd6825/timewarpd/lib"
)

// NumRegisters is N in spec §3: 16 x86-64 architectural GPRs.
const NumRegisters = 16

// observation is one (clnum, value) write record in a history. Histories are
// kept sorted by construction: ingest appends in increasing clnum order.
type observation struct {
	clnum lib.Clnum
	value uint64
}

// cellHistory is one memory byte's write history plus its static initializer.
type cellHistory struct {
	mu     sync.RWMutex
	static uint8
	hasInit bool
	obs    []observation
}

func (c *cellHistory) append(clnum lib.Clnum, value uint8) {
	c.mu.Lock()
	c.obs = append(c.obs, observation{clnum: clnum, value: uint64(value)})
	c.mu.Unlock()
}

func (c *cellHistory) valueAt(clnum lib.Clnum) uint8 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if i := searchLatest(c.obs, clnum); i >= 0 {
		return uint8(c.obs[i].value)
	}
	if c.hasInit {
		return c.static
	}
	return 0
}

func (c *cellHistory) writeClnums() []lib.Clnum {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]lib.Clnum, len(c.obs))
	for i, o := range c.obs {
		out[i] = o.clnum
	}
	return out
}

// searchLatest returns the index of the largest element with clnum <= c, or
// -1 if none exists. obs must be sorted ascending by clnum (ingest order
// guarantees this).
func searchLatest(obs []observation, c lib.Clnum) int {
	// sort.Search finds the first index for which the predicate holds;
	// we want the last index with clnum <= c, i.e. one before the first
	// index with clnum > c.
	i := sort.Search(len(obs), func(i int) bool { return obs[i].clnum > c })
	if i == 0 {
		return -1
	}
	return i - 1
}

// registerHistory is one register's write history. Consecutive equal values
// may be collapsed by the ingest path (spec §3 dedup invariant); the history
// itself stores whatever it is given.
type registerHistory struct {
	mu  sync.RWMutex
	obs []observation
}

func (r *registerHistory) append(clnum lib.Clnum, value uint64) {
	r.mu.Lock()
	r.obs = append(r.obs, observation{clnum: clnum, value: value})
	r.mu.Unlock()
}

func (r *registerHistory) valueAt(clnum lib.Clnum) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i := searchLatest(r.obs, clnum); i >= 0 {
		return r.obs[i].value
	}
	return 0
}

// Indices holds the memory-cell and register histories for one trace
// session. The memory map grows as new addresses are first touched; the
// register array is fixed-size (NumRegisters).
type Indices struct {
	cellsMu sync.RWMutex
	cells   map[lib.Address]*cellHistory

	regs [NumRegisters]registerHistory
}

// New returns an empty Indices.
func New() *Indices {
	return &Indices{cells: make(map[lib.Address]*cellHistory)}
}

func (ix *Indices) cellFor(addr lib.Address) *cellHistory {
	ix.cellsMu.RLock()
	c, ok := ix.cells[addr]
	ix.cellsMu.RUnlock()
	if ok {
		return c
	}
	ix.cellsMu.Lock()
	defer ix.cellsMu.Unlock()
	if c, ok = ix.cells[addr]; ok {
		return c
	}
	c = &cellHistory{}
	ix.cells[addr] = c
	return c
}

// SeedStatic sets the static initializer byte for addr, as supplied by the
// loader (spec §4.F). Must happen before any ingest appends reference addr,
// though it is safe to call at any time (it only affects fallback reads).
func (ix *Indices) SeedStatic(addr lib.Address, value uint8) {
	c := ix.cellFor(addr)
	c.mu.Lock()
	c.static = value
	c.hasInit = true
	c.mu.Unlock()
}

// AppendMemoryWrite unpacks a memory-write Change into per-byte entries: a
// write of size/8 bytes little-endian starting at addr spawns size/8
// byte-level entries (spec §4.B).
func (ix *Indices) AppendMemoryWrite(clnum lib.Clnum, addr lib.Address, data uint64, sizeBits int) {
	nbytes := sizeBits / 8
	if nbytes <= 0 {
		nbytes = 1
	}
	for i := 0; i < nbytes; i++ {
		b := uint8(data >> (8 * uint(i)))
		ix.cellFor(addr + lib.Address(i)).append(clnum, b)
	}
}

// AppendRegisterWrite records a new value for register reg at clnum.
func (ix *Indices) AppendRegisterWrite(clnum lib.Clnum, reg int, value uint64) {
	if reg < 0 || reg >= NumRegisters {
		return
	}
	ix.regs[reg].append(clnum, value)
}

// MemoryAt reconstructs `size` bytes starting at addr as they stood at
// clnum c, little-endian. Each byte is resolved independently via binary
// search over its cell's history (spec §4.B algorithm).
func (ix *Indices) MemoryAt(c lib.Clnum, addr lib.Address, size int) []byte {
	out := make([]byte, size)
	for i := 0; i < size; i++ {
		a := addr + lib.Address(i)
		ix.cellsMu.RLock()
		cell, ok := ix.cells[a]
		ix.cellsMu.RUnlock()
		if !ok {
			out[i] = 0
			continue
		}
		out[i] = cell.valueAt(c)
	}
	return out
}

// RegistersAt returns the value of every register as it stood at clnum c.
func (ix *Indices) RegistersAt(c lib.Clnum) [NumRegisters]uint64 {
	var out [NumRegisters]uint64
	for i := range ix.regs {
		out[i] = ix.regs[i].valueAt(c)
	}
	return out
}

// RegisterAt returns a single register's value at clnum c.
func (ix *Indices) RegisterAt(c lib.Clnum, reg int) uint64 {
	if reg < 0 || reg >= NumRegisters {
		return 0
	}
	return ix.regs[reg].valueAt(c)
}

// MemoryWriteClnums returns the sorted list of clnums at which addr was
// written (spec §8 property 7).
func (ix *Indices) MemoryWriteClnums(addr lib.Address) []lib.Clnum {
	ix.cellsMu.RLock()
	cell, ok := ix.cells[addr]
	ix.cellsMu.RUnlock()
	if !ok {
		return nil
	}
	return cell.writeClnums()
}
