// Package slicer implements the Backwards Slicer (spec §4.E): a dynamic
// taint propagation pass over a changelog snapshot, run in reverse.
package slicer

import (
	"strconv"
	"strings"

	"github.com/liuxd6825/timewarpd/changelog"
	"github.com/liuxd6825/timewarpd/disasm"
	"github.com/liuxd6825/timewarpd/lib"
)

// ParseTarget resolves a GetSlice request's target string: a hex literal
// "0xADDR" names a memory byte, anything else is tried as a register
// mnemonic. ok is false when neither parse succeeds.
func ParseTarget(s string) (reg int, addr lib.Address, isReg bool, ok bool) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err := strconv.ParseUint(s[2:], 16, 64)
		if err != nil {
			return 0, 0, false, false
		}
		return 0, lib.Address(v), false, true
	}
	if idx := disasm.RegisterIndex(s); idx >= 0 {
		return idx, 0, true, true
	}
	return 0, 0, false, false
}

// taintSet is the mutable {tainted_regs, tainted_mem} state threaded through
// the reverse pass.
type taintSet struct {
	regs map[int]bool
	mem  map[lib.Address]bool
}

func newTaintSet() *taintSet {
	return &taintSet{regs: map[int]bool{}, mem: map[lib.Address]bool{}}
}

func (t *taintSet) empty() bool { return len(t.regs) == 0 && len(t.mem) == 0 }

// Slice computes slice(start_clnum, target) per spec §4.E: reverse taint
// propagation over snap's changes at clnum <= startClnum, grouped by clnum
// (one group per executed instruction). Returns the relevant clnums in
// chronological order.
func Slice(snap changelog.Snapshot, insns *disasm.Cache, startClnum lib.Clnum, targetStr string) []lib.Clnum {
	reg, addr, isReg, ok := ParseTarget(targetStr)
	if !ok {
		return nil
	}

	taint := newTaintSet()
	if isReg {
		taint.regs[reg] = true
	} else {
		taint.mem[addr] = true
	}

	var relevant []lib.Clnum

	group := make([]lib.Change, 0, 4)
	flush := func() bool {
		if len(group) == 0 {
			return true
		}
		if processGroup(group, taint, insns) {
			relevant = append(relevant, group[0].Clnum)
		}
		group = group[:0]
		return !taint.empty()
	}

	snap.Reverse(func(c lib.Change) bool {
		if c.Clnum > startClnum {
			return true
		}
		if len(group) > 0 && group[0].Clnum != c.Clnum {
			if !flush() {
				return false
			}
		}
		group = append(group, c)
		return true
	})
	flush()

	// group accumulation appended newest-change-first within a clnum
	// (reverse iteration), but that doesn't matter for processGroup since
	// it only inspects flag kinds; clnums themselves come out in
	// descending order in `relevant` and are reversed below to
	// chronological order (spec §4.E).
	for i, j := 0, len(relevant)-1; i < j; i, j = i+1, j-1 {
		relevant[i], relevant[j] = relevant[j], relevant[i]
	}
	return relevant
}

// processGroup implements one reverse-pass step over a single clnum's
// changes: determine whether any WRITE in the group intersects the current
// taint set, and if so, resolve the taint (defined elements are removed,
// this instruction's reads are added).
func processGroup(group []lib.Change, taint *taintSet, insns *disasm.Cache) bool {
	writtenRegs := map[int]bool{}
	writtenMem := map[lib.Address]bool{}
	var pc lib.Address
	var clnum lib.Clnum
	haveStart := false

	for _, c := range group {
		clnum = c.Clnum
		if c.IsStart() {
			pc = c.Address
			haveStart = true
		}
		if c.IsRegisterWrite() {
			writtenRegs[c.RegisterIndex()] = true
		}
		if c.IsMemoryWrite() {
			nbytes := lib.SizeBits(c.Flags) / 8
			if nbytes <= 0 {
				nbytes = 1
			}
			for i := 0; i < nbytes; i++ {
				writtenMem[c.Address+lib.Address(i)] = true
			}
		}
	}

	relevant := false
	for r := range writtenRegs {
		if taint.regs[r] {
			relevant = true
			delete(taint.regs, r)
		}
	}
	for a := range writtenMem {
		if taint.mem[a] {
			relevant = true
			delete(taint.mem, a)
		}
	}
	if !relevant {
		return false
	}

	for _, c := range group {
		if c.IsMemoryRead() {
			taint.mem[c.Address] = true
		}
	}

	if haveStart {
		for r := range insns.ReadRegistersAt(clnum, pc) {
			taint.regs[r] = true
		}
	}

	return true
}
