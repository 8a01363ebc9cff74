// Package session wires together the Change Log, State Reconstruction
// Indices, Disassembly & Instruction Cache, CFG Recovery, Backwards Slicer,
// and Static-Image Loader into the one shared Engine object a session's
// ingest path and query tasks both operate on — grounded on the teacher's
// core.Engine role (a single constructed-once object owning runner/executor
// state that both the run loop and test helpers drive, see
// core/engine_test.go's newTestEngine).
package session

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/liuxd6825/timewarpd/changelog"
	"github.com/liuxd6825/timewarpd/disasm"
	"github.com/liuxd6825/timewarpd/flowgraph"
	"github.com/liuxd6825/timewarpd/lib"
	"github.com/liuxd6825/timewarpd/loader"
	"github.com/liuxd6825/timewarpd/slicer"
	"github.com/liuxd6825/timewarpd/state"
)

// Engine owns the full set of process-wide state described by spec §5: the
// change log (single-writer, many-reader), the state indices (concurrent
// per-cell/per-register locking), the instruction cache, the symbol table,
// and the bias estimator. One Engine is constructed per session.
type Engine struct {
	Log     *changelog.Log
	Indices *state.Indices
	Insns   *disasm.Cache
	Symbols *loader.SymbolTable
	Bias    *loader.BiasEstimator

	log *logrus.Logger

	prevRegs [state.NumRegisters]uint64
	haveRegs atomic.Bool
}

// New returns an Engine with empty log/indices/instruction cache, wired to
// the given (already loaded, possibly empty) symbol table. logger must be
// non-nil; cmd wires in the same *logrus.Logger it configures from
// --log-format/--verbose/--quiet (spec's ambient "structured logging").
func New(symbols *loader.SymbolTable, logger *logrus.Logger) *Engine {
	e := &Engine{
		Log:     changelog.New(),
		Indices: state.New(),
		Symbols: symbols,
		log:     logger,
	}
	// symbols is a typed *loader.SymbolTable; passed as a nil interface
	// value explicitly when absent so disasm.Cache's "mem == nil"/
	// "bias == nil" checks (which compare interface values) see a true
	// nil rather than a non-nil interface wrapping a nil pointer.
	var bias disasm.BiasSource
	if symbols != nil {
		bias = symbols
	}
	e.Insns = disasm.NewCache(indicesMemoryReader{e.Indices}, bias)
	if symbols != nil {
		e.Bias = loader.NewBiasEstimator(symbols)
	}
	return e
}

// indicesMemoryReader adapts *state.Indices to disasm.MemoryReader.
type indicesMemoryReader struct{ ix *state.Indices }

func (r indicesMemoryReader) MemoryAt(c lib.Clnum, addr lib.Address, size int) []byte {
	return r.ix.MemoryAt(c, addr, size)
}

// MaxClnum returns the highest clnum ingested so far.
func (e *Engine) MaxClnum() lib.Clnum { return e.Log.MaxClnum() }

// RecordInstruction applies one InsnExec event's effects to the log,
// indices, and instruction cache (spec §6 ingest mapping): assigns the next
// clnum, records the START change, stores the instruction bytes/hint, and
// appends a register-write diff for every register whose value changed
// since the previous event.
func (e *Engine) RecordInstruction(pc lib.Address, bytes []byte, hint string, regs [state.NumRegisters]uint64) lib.Clnum {
	clnum := e.Log.MaxClnum() + 1

	e.Log.Append(lib.Change{Clnum: clnum, Address: pc, Flags: lib.FlagValid | lib.FlagStart})
	e.Insns.StoreInstruction(clnum, bytes, hint)

	first := !e.haveRegs.Load()
	for i := 0; i < state.NumRegisters; i++ {
		if first || regs[i] != e.prevRegs[i] {
			e.Log.Append(lib.Change{Clnum: clnum, Address: lib.Address(i * 8), Data: regs[i], Flags: lib.FlagValid | lib.FlagWrite})
			e.Indices.AppendRegisterWrite(clnum, i, regs[i])
		}
	}
	e.prevRegs = regs
	e.haveRegs.Store(true)

	if e.Symbols != nil {
		e.Bias.Observe(pc)
	}

	return clnum
}

// RecordMemoryWrite records a memory-write change at clnum (derived from a
// tracer MemAccess event with IsStore==true).
func (e *Engine) RecordMemoryWrite(clnum lib.Clnum, addr lib.Address, value uint64, sizeBits int) {
	flags := lib.WithSizeBits(lib.FlagValid|lib.FlagWrite|lib.FlagMem, sizeBits)
	e.Log.Append(lib.Change{Clnum: clnum, Address: addr, Data: value, Flags: flags})
	e.Indices.AppendMemoryWrite(clnum, addr, value, sizeBits)
}

// RecordMemoryRead records an informational memory-read change at clnum.
func (e *Engine) RecordMemoryRead(clnum lib.Clnum, addr lib.Address) {
	e.Log.Append(lib.Change{Clnum: clnum, Address: addr, Flags: lib.FlagValid | lib.FlagMem})
}

// QueryState reconstructs state at clnum, clamped to [1, MaxClnum] (spec §7:
// "query for clnum beyond the current maximum: clamp to the maximum").
func (e *Engine) QueryState(clnum lib.Clnum, memoryAddr lib.Address, memorySize int) (lib.Clnum, [state.NumRegisters]uint64, []byte, string) {
	clnum = e.clampClnum(clnum)
	regs := e.Indices.RegistersAt(clnum)
	mem := e.Indices.MemoryAt(clnum, memoryAddr, memorySize)
	disasmText := e.Insns.DisassemblyAt(clnum, e.startAddressAt(clnum))
	return clnum, regs, mem, disasmText
}

// StepForward returns the clnum for a StepForward request: min(current+1, max).
func (e *Engine) StepForward(current lib.Clnum) lib.Clnum {
	max := e.MaxClnum()
	if current+1 > max {
		return max
	}
	return current + 1
}

// StepBackward returns the clnum for a StepBackward request: max(current-1, 1).
func (e *Engine) StepBackward(current lib.Clnum) lib.Clnum {
	if current <= 1 {
		return 1
	}
	return current - 1
}

// CFG recovers the control-flow graph from the current log (spec §4.D).
func (e *Engine) CFG(opts flowgraph.Options) lib.CFG {
	return flowgraph.Recover(e.Log.SnapshotReader(), e.Insns, e.symbolResolver(), opts)
}

// Slice computes a backward slice (spec §4.E). Returns nil if target cannot
// be parsed (spec §7: "unregistered register name or malformed address:
// return an empty slice").
func (e *Engine) Slice(clnum lib.Clnum, target string) []lib.Clnum {
	return slicer.Slice(e.Log.SnapshotReader(), e.Insns, clnum, target)
}

// MemoryWriteClnums returns the sorted clnums at which addr was written
// (spec §8 property 7).
func (e *Engine) MemoryWriteClnums(addr lib.Address) []lib.Clnum {
	return e.Indices.MemoryWriteClnums(addr)
}

func (e *Engine) clampClnum(c lib.Clnum) lib.Clnum {
	if max := e.MaxClnum(); c > max {
		return max
	}
	if c < 1 && e.MaxClnum() > 0 {
		return 1
	}
	return c
}

// startAddressAt scans the log for the START change at clnum; returns 0 if
// none (e.g. clnum 0 / empty log).
func (e *Engine) startAddressAt(clnum lib.Clnum) lib.Address {
	var addr lib.Address
	e.Log.SnapshotReader().Forward(func(c lib.Change) bool {
		if c.Clnum == clnum && c.IsStart() {
			addr = c.Address
			return false
		}
		return c.Clnum <= clnum
	})
	return addr
}

// symbolResolver returns e.Symbols as a flowgraph.SymbolResolver, or nil
// when no image was loaded (spec §7: loader failure degrades gracefully).
func (e *Engine) symbolResolver() flowgraph.SymbolResolver {
	if e.Symbols == nil {
		return nil
	}
	return e.Symbols
}

// LogStatus periodically reports ingest progress (SPEC_FULL supplement 4).
func (e *Engine) LogStatus(eventCount uint64) {
	if e.log == nil {
		return
	}
	e.log.WithFields(logrus.Fields{
		"max_clnum": e.MaxClnum(),
		"events":    eventCount,
	}).Debug("ingest progress")
}
