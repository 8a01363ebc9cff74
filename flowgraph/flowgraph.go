// Package flowgraph implements CFG Recovery (spec §4.D): a two-pass
// leader/edge detection algorithm over the trace's START changes, producing
// a symbol-aware, index-addressed control-flow graph.
package flowgraph

import (
	"sort"

	"github.com/liuxd6825/timewarpd/changelog"
	"github.com/liuxd6825/timewarpd/disasm"
	"github.com/liuxd6825/timewarpd/lib"
)

// SymbolResolver looks up the containing symbol for a static address, and
// the runtime->static bias. Satisfied by loader.SymbolTable.
type SymbolResolver interface {
	FindSymbol(runtimeAddr lib.Address) *lib.Symbol
	FindSymbolByName(name string) *lib.Symbol
	ToStatic(runtime lib.Address) lib.Address
	IsUserCode(runtimeAddr lib.Address) bool
	HasRanges() bool
}

// Options controls recover_cfg filtering (spec §4.D).
type Options struct {
	OnlyUserCode   bool
	StartFromMain  bool
}

// pcEvent is one filtered START occurrence.
type pcEvent struct {
	clnum lib.Clnum
	addr  lib.Address
}

// Recover builds the CFG from the changelog's START changes, per spec
// §4.D's two-pass algorithm.
func Recover(snap changelog.Snapshot, insns *disasm.Cache, symbols SymbolResolver, opts Options) lib.CFG {
	events := filterStarts(snap, symbols, opts)
	if len(events) == 0 {
		return lib.CFG{}
	}

	leaders, firstSeen := discoverLeaders(events, insns)
	blocks, edges := buildBlocks(events, insns, leaders, firstSeen)
	return assemble(blocks, edges, symbols)
}

func filterStarts(snap changelog.Snapshot, symbols SymbolResolver, opts Options) []pcEvent {
	var mainClnum lib.Clnum = lib.NoClnum
	if opts.StartFromMain && symbols != nil {
		if sym := symbols.FindSymbolByName("main"); sym != nil {
			mainClnum = findFirstExecution(snap, symbols, sym)
		}
	}

	var out []pcEvent
	snap.Forward(func(c lib.Change) bool {
		if !c.IsStart() {
			return true
		}
		if mainClnum != lib.NoClnum && c.Clnum < mainClnum {
			return true
		}
		if opts.OnlyUserCode && symbols != nil && symbols.HasRanges() {
			if !symbols.IsUserCode(c.Address) {
				return true
			}
		}
		out = append(out, pcEvent{clnum: c.Clnum, addr: c.Address})
		return true
	})
	return out
}

func findFirstExecution(snap changelog.Snapshot, symbols SymbolResolver, sym *lib.Symbol) lib.Clnum {
	found := lib.NoClnum
	snap.Forward(func(c lib.Change) bool {
		if !c.IsStart() {
			return true
		}
		if symbols.ToStatic(c.Address) == sym.StaticAddress {
			found = c.Clnum
			return false
		}
		return true
	})
	return found
}

// discoverLeaders runs pass 1: the first filtered PC is always a leader;
// thereafter a non-sequential transition (by instruction size, or unknown
// size conservatively treated as a jump) makes the next address a leader.
//
// A source address seen branching to more than one distinct destination
// across the trace is a conditional branch point: every destination it has
// ever been observed to reach is a leader, including the one that happens
// to land on the arithmetically sequential address (spec §8's Loop
// example — the untaken side of a conditional jump starts its own block
// too, even though that particular transition measures as "sequential").
func discoverLeaders(events []pcEvent, insns *disasm.Cache) (map[lib.Address]bool, map[lib.Address]lib.Clnum) {
	leaders := map[lib.Address]bool{events[0].addr: true}
	firstSeen := map[lib.Address]lib.Clnum{events[0].addr: events[0].clnum}
	observedNext := make(map[lib.Address]lib.Address)

	for idx := 0; idx < len(events)-1; idx++ {
		cur, nxt := events[idx], events[idx+1]
		if !sequentialPair(cur, nxt, insns) {
			leaders[nxt.addr] = true
		}
		if prev, ok := observedNext[cur.addr]; ok {
			if prev != nxt.addr {
				leaders[prev] = true
				leaders[nxt.addr] = true
			}
		} else {
			observedNext[cur.addr] = nxt.addr
		}
		if _, ok := firstSeen[nxt.addr]; !ok {
			firstSeen[nxt.addr] = nxt.clnum
		}
	}
	return leaders, firstSeen
}

// blockAccum tracks an in-progress basic block during pass 2, one
// traversal instance at a time (a loop body produces a fresh instance per
// iteration, later merged by start address in buildBlocks).
type blockAccum struct {
	start lib.Address
	instr []lib.Instruction
}

func newBlockAccum(start lib.Address) *blockAccum {
	return &blockAccum{start: start}
}

func (b *blockAccum) add(addr lib.Address, mnemonic, operand string) {
	b.instr = append(b.instr, lib.Instruction{Address: addr, Mnemonic: mnemonic, OperandText: operand})
}

// rawBlock is the merged, deduplicated instruction sequence for every
// traversal instance that starts at the same address (spec §8 property 4:
// "no instruction address appears in two blocks" — a re-executed loop body
// must merge into the one block for its start, not create a duplicate).
type rawBlock struct {
	start          lib.Address
	instr          []lib.Instruction
	seenAddrs      map[lib.Address]bool
	firstSeenClnum lib.Clnum
}

type rawEdge struct {
	srcAddr lib.Address
	dstAddr lib.Address
}

// buildBlocks runs pass 2: walk the filtered sequence, closing the current
// block whenever the PC equals a known leader (other than the current
// start) or whenever the previous transition was non-sequential. Every
// closed instance is merged into the one rawBlock for its start address,
// unioning instructions in first-seen order, so a re-executed block (any
// loop) yields a single block rather than one per execution.
func buildBlocks(events []pcEvent, insns *disasm.Cache, leaders map[lib.Address]bool, firstSeen map[lib.Address]lib.Clnum) ([]rawBlock, []rawEdge) {
	blocksByStart := make(map[lib.Address]*rawBlock)
	var order []lib.Address
	edgeSet := make(map[rawEdge]bool)

	cur := newBlockAccum(events[0].addr)
	closeBlock := func() {
		if len(cur.instr) == 0 {
			return
		}
		rb, ok := blocksByStart[cur.start]
		if !ok {
			rb = &rawBlock{start: cur.start, seenAddrs: make(map[lib.Address]bool), firstSeenClnum: firstSeen[cur.start]}
			blocksByStart[cur.start] = rb
			order = append(order, cur.start)
		}
		for _, ins := range cur.instr {
			if rb.seenAddrs[ins.Address] {
				continue
			}
			rb.seenAddrs[ins.Address] = true
			rb.instr = append(rb.instr, ins)
		}
	}

	for idx, ev := range events {
		mnemonic, operand := "invalid", ""
		if rawBytes, haveBytes := insns.InstructionBytes(ev.clnum); haveBytes {
			if m, o, ok := insns.DisassembleParts(rawBytes); ok {
				mnemonic, operand = m, o
			}
		}

		if leaders[ev.addr] && ev.addr != cur.start && len(cur.instr) > 0 {
			edgeSet[rawEdge{srcAddr: cur.start, dstAddr: ev.addr}] = true
			closeBlock()
			cur = newBlockAccum(ev.addr)
		}

		cur.add(ev.addr, mnemonic, operand)

		if idx+1 < len(events) {
			nxt := events[idx+1]
			sequential := sequentialPair(ev, nxt, insns)
			if !sequential {
				edgeSet[rawEdge{srcAddr: cur.start, dstAddr: nxt.addr}] = true
				closeBlock()
				cur = newBlockAccum(nxt.addr)
			}
		}
	}
	closeBlock()

	blocks := make([]rawBlock, len(order))
	for i, start := range order {
		blocks[i] = *blocksByStart[start]
	}

	edges := make([]rawEdge, 0, len(edgeSet))
	for e := range edgeSet {
		edges = append(edges, e)
	}
	return blocks, edges
}

func sequentialPair(cur, nxt pcEvent, insns *disasm.Cache) bool {
	bytes, ok := insns.InstructionBytes(cur.clnum)
	if !ok {
		return false
	}
	size, ok := disasm.InstructionSize(bytes)
	if !ok {
		return false
	}
	return cur.addr+lib.Address(size) == nxt.addr
}

func assemble(raw []rawBlock, edges []rawEdge, symbols SymbolResolver) lib.CFG {
	sort.Slice(raw, func(i, j int) bool { return raw[i].start < raw[j].start })

	indexOf := make(map[lib.Address]int, len(raw))
	blocks := make([]lib.BasicBlock, len(raw))
	for i, rb := range raw {
		indexOf[rb.start] = i
		bb := lib.BasicBlock{
			Index:          i,
			Instructions:   rb.instr,
			FirstSeenClnum: rb.firstSeenClnum,
		}
		if symbols != nil {
			if sym := symbols.FindSymbol(rb.start); sym != nil {
				s := *sym
				bb.Symbol = &s
			}
		}
		blocks[i] = bb
	}

	out := make([]lib.Edge, 0, len(edges))
	for _, e := range edges {
		srcIdx, srcOK := indexOf[e.srcAddr]
		dstIdx, dstOK := indexOf[e.dstAddr]
		if !srcOK || !dstOK {
			continue
		}
		out = append(out, lib.Edge{Src: srcIdx, Dst: dstIdx})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Src != out[j].Src {
			return out[i].Src < out[j].Src
		}
		return out[i].Dst < out[j].Dst
	})

	return lib.CFG{Blocks: blocks, Edges: out}
}
