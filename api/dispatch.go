package api

import (
	"encoding/json"

	"github.com/liuxd6825/timewarpd/flowgraph"
	"github.com/liuxd6825/timewarpd/lib"
	"github.com/liuxd6825/timewarpd/message"
	"github.com/liuxd6825/timewarpd/session"
)

// Dispatch decodes one client request envelope and executes it against
// engine, returning the typed response payload, its kind, and whether the
// request kind was recognized. Unrecognized or malformed requests return
// ok=false; callers are expected to drop the request silently per spec §7
// (most error categories here are handled by clamping or returning an
// empty result rather than surfacing a protocol error).
func Dispatch(engine *session.Engine, env message.Envelope) (resp any, kind message.Kind, ok bool) {
	switch env.Kind {
	case message.KindQueryState:
		var req message.QueryState
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return nil, "", false
		}
		return stateUpdate(engine, lib.Clnum(req.Clnum), req.MemoryAddr), message.KindStateUpdate, true

	case message.KindStepForward:
		var req message.StepForward
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return nil, "", false
		}
		next := engine.StepForward(lib.Clnum(req.Current))
		return stateUpdate(engine, next, nil), message.KindStateUpdate, true

	case message.KindStepBackward:
		var req message.StepBackward
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return nil, "", false
		}
		prev := engine.StepBackward(lib.Clnum(req.Current))
		return stateUpdate(engine, prev, nil), message.KindStateUpdate, true

	case message.KindGetTraceLog:
		var req message.GetTraceLog
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return nil, "", false
		}
		return traceLog(engine, req), message.KindTraceLog, true

	case message.KindGetCFG:
		var req message.GetCFG
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return nil, "", false
		}
		cfg := engine.CFG(flowgraph.Options{OnlyUserCode: req.OnlyUserCode, StartFromMain: req.StartFromMain})
		return cfgResponse(cfg), message.KindCFGResponse, true

	case message.KindGetSlice:
		var req message.GetSlice
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return nil, "", false
		}
		clnums := engine.Slice(lib.Clnum(req.Clnum), req.Target)
		return message.SliceResponse{Entries: traceEntriesFor(engine, clnums)}, message.KindSliceResponse, true

	case message.KindGetMemoryWrites:
		var req message.GetMemoryWrites
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return nil, "", false
		}
		writes := engine.MemoryWriteClnums(lib.Address(req.Address))
		out := make([]uint32, len(writes))
		for i, c := range writes {
			out[i] = uint32(c)
		}
		return message.MemoryWritesResponse{Address: req.Address, Writes: out}, message.KindMemoryWrites, true

	default:
		return nil, "", false
	}
}

func stateUpdate(engine *session.Engine, clnum lib.Clnum, memAddrPtr *uint64) message.StateUpdate {
	var memAddr lib.Address
	if memAddrPtr != nil {
		memAddr = lib.Address(*memAddrPtr)
	}
	resolved, regs, mem, disasmText := engine.QueryState(clnum, memAddr, 256)
	return message.StateUpdate{
		Clnum:       uint32(resolved),
		Registers:   regs,
		Memory:      mem,
		MemoryAddr:  uint64(memAddr),
		Disassembly: disasmText,
	}
}

// traceLog builds a GetTraceLog response by walking the engine's START
// changes from clnum start onward, optionally filtered to user code, and
// returning at most count entries (all of them when count <= 0).
func traceLog(engine *session.Engine, req message.GetTraceLog) message.TraceLog {
	snap := engine.Log.SnapshotReader()
	var entries []message.TraceLogEntry

	snap.Forward(func(c lib.Change) bool {
		if !c.IsStart() {
			return true
		}
		if c.Clnum < lib.Clnum(req.Start) {
			return true
		}
		if req.Count > 0 && len(entries) >= req.Count {
			return false
		}
		if req.OnlyUserCode && engine.Symbols != nil && engine.Symbols.HasRanges() && !engine.Symbols.IsUserCode(c.Address) {
			return true
		}
		entries = append(entries, message.TraceLogEntry{
			Clnum:       uint32(c.Clnum),
			Address:     uint64(c.Address),
			Disassembly: engine.Insns.DisassemblyAt(c.Clnum, c.Address),
		})
		return true
	})

	return message.TraceLog{Entries: entries}
}

func traceEntriesFor(engine *session.Engine, clnums []lib.Clnum) []message.TraceLogEntry {
	if len(clnums) == 0 {
		return nil
	}
	byClnum := make(map[lib.Clnum]lib.Address, len(clnums))
	want := make(map[lib.Clnum]bool, len(clnums))
	for _, c := range clnums {
		want[c] = true
	}
	engine.Log.SnapshotReader().Forward(func(c lib.Change) bool {
		if c.IsStart() && want[c.Clnum] {
			byClnum[c.Clnum] = c.Address
		}
		return true
	})

	entries := make([]message.TraceLogEntry, 0, len(clnums))
	for _, c := range clnums {
		addr := byClnum[c]
		entries = append(entries, message.TraceLogEntry{
			Clnum:       uint32(c),
			Address:     uint64(addr),
			Disassembly: engine.Insns.DisassemblyAt(c, addr),
		})
	}
	return entries
}

func cfgResponse(cfg lib.CFG) message.CFGResponse {
	blocks := make([]message.BlockView, len(cfg.Blocks))
	for i, b := range cfg.Blocks {
		instrs := make([]message.InstructionView, len(b.Instructions))
		for j, ins := range b.Instructions {
			instrs[j] = message.InstructionView{Address: uint64(ins.Address), Mnemonic: ins.Mnemonic, OperandText: ins.OperandText}
		}
		view := message.BlockView{Index: b.Index, Instructions: instrs, FirstSeenClnum: uint32(b.FirstSeenClnum)}
		if b.Symbol != nil {
			view.SymbolName = b.Symbol.Name
		}
		blocks[i] = view
	}
	edges := make([]message.EdgeView, len(cfg.Edges))
	for i, e := range cfg.Edges {
		edges[i] = message.EdgeView{Src: e.Src, Dst: e.Dst, Condition: e.Condition}
	}
	return message.CFGResponse{Blocks: blocks, Edges: edges}
}
