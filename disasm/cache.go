package disasm

import (
	"fmt"
	"sync"

	"github.com/liuxd6825/timewarpd/lib"
)

// MaxInsnWindow is the fixed read-window size used whenever bytes must be
// pulled from reconstructed memory rather than a known instruction length:
// the x86-64 maximum instruction length is 15 bytes; 16 is the original
// implementation's padding choice (SPEC_FULL supplement 2).
const MaxInsnWindow = 16

// insnEntry is one instruction-cache entry (spec §4.C): the raw bytes of
// the executed instruction and an optional tracer-supplied disassembly
// hint. Keys are a subset of the clnums carrying a START change.
type insnEntry struct {
	Bytes []byte
	Hint  string
}

// MemoryReader resolves bytes of guest memory as reconstructed at a given
// clnum; satisfied by state.Indices.MemoryAt.
type MemoryReader interface {
	MemoryAt(c lib.Clnum, addr lib.Address, size int) []byte
}

// BiasSource resolves the runtime->static address translation; satisfied
// by loader.SymbolTable.
type BiasSource interface {
	ToStatic(runtime lib.Address) lib.Address
}

// Cache is the Disassembly & Instruction Cache component (spec §4.C): it
// memoizes (address,bytes)->text, keeps the per-clnum instruction cache,
// and implements disassembly_at's three-step resolution order. Safe for
// concurrent use; the decode path itself holds no lock since decodeOne is a
// pure function, matching spec §5's "pure function of inputs" invariant.
type Cache struct {
	insns sync.Map // clnum -> *insnEntry
	texts sync.Map // cacheKey -> string

	mem  MemoryReader
	bias BiasSource
}

type cacheKey struct {
	addr lib.Address
	raw  string
}

// NewCache returns an empty Cache. mem and bias may be nil: with a nil mem,
// DisassemblyAt's third resolution step degenerates to "invalid" for that
// instruction; with a nil bias, runtime addresses are read as static ones.
func NewCache(mem MemoryReader, bias BiasSource) *Cache {
	return &Cache{mem: mem, bias: bias}
}

// StoreInstruction records the raw bytes (and optional hint) executed at
// clnum, as supplied by an InsnExec event (spec §6 ingest mapping).
func (c *Cache) StoreInstruction(clnum lib.Clnum, bytes []byte, hint string) {
	cp := make([]byte, len(bytes))
	copy(cp, bytes)
	c.insns.Store(clnum, &insnEntry{Bytes: cp, Hint: hint})
}

// InstructionBytes returns the cached raw bytes for clnum, if any.
func (c *Cache) InstructionBytes(clnum lib.Clnum) ([]byte, bool) {
	v, ok := c.insns.Load(clnum)
	if !ok {
		return nil, false
	}
	return v.(*insnEntry).Bytes, true
}

// Disassemble renders bytes executed at addr to text, memoizing the result.
// Errors become the literal string "invalid"; empty input yields "...".
// The result is a pure function of (addr, bytes): caching never changes
// what a given input renders to (spec §4.C invariant).
func (c *Cache) Disassemble(addr lib.Address, bytes []byte) string {
	if len(bytes) == 0 {
		return "..."
	}
	key := cacheKey{addr: addr, raw: string(bytes)}
	if v, ok := c.texts.Load(key); ok {
		return v.(string)
	}
	text := c.disassembleUncached(bytes)
	actual, _ := c.texts.LoadOrStore(key, text)
	return actual.(string)
}

func (c *Cache) disassembleUncached(bytes []byte) string {
	d := decodeOne(bytes)
	if d.Size == 0 {
		return "invalid"
	}
	text := d.Mnemonic
	if d.OperandText != "" {
		text = fmt.Sprintf("%s %s", d.Mnemonic, d.OperandText)
	}
	return prettifyStackVars(text)
}

// DisassembleParts decodes bytes and returns the mnemonic and prettified
// operand text separately, for callers (CFG recovery) that build a
// lib.Instruction rather than a single rendered line. ok is false when the
// encoding is unrecognized.
func (c *Cache) DisassembleParts(bytes []byte) (mnemonic, operand string, ok bool) {
	d := decodeOne(bytes)
	if d.Size == 0 {
		return "invalid", "", false
	}
	return d.Mnemonic, prettifyStackVars(d.OperandText), true
}

// ReadRegisters returns the architectural register indices read by the
// instruction encoded in bytes: explicit operand reads plus base/index
// registers of any memory operand (spec §4.C).
func (c *Cache) ReadRegisters(addr lib.Address, bytes []byte) map[int]struct{} {
	out := make(map[int]struct{})
	d := decodeOne(bytes)
	for _, r := range d.RegReads {
		out[r] = struct{}{}
	}
	return out
}

// ReadRegistersAt resolves the register-read set for the instruction
// executed at clnum with program counter pc, using the same three-step
// source order as DisassemblyAt's first and third steps (cached bytes, then
// a best-effort 16-byte static-memory window); a tracer hint carries no
// operand information so it cannot serve read_registers. Returns an empty
// set, never an error, when no bytes can be obtained (spec §4.E policy: a
// slice may be incomplete but is never fabricated).
func (c *Cache) ReadRegistersAt(clnum lib.Clnum, pc lib.Address) map[int]struct{} {
	if v, ok := c.insns.Load(clnum); ok {
		if bytes := v.(*insnEntry).Bytes; len(bytes) > 0 {
			return c.ReadRegisters(pc, bytes)
		}
	}
	if c.mem == nil {
		return map[int]struct{}{}
	}
	staticAddr := pc
	if c.bias != nil {
		staticAddr = c.bias.ToStatic(pc)
	}
	window := c.mem.MemoryAt(clnum, staticAddr, MaxInsnWindow)
	return c.ReadRegisters(pc, window)
}

// InstructionSize returns the byte length of the instruction encoded in
// bytes, or (0, false) if it cannot be determined ("unknown size", spec
// §4.D/§4.E policy).
func InstructionSize(bytes []byte) (int, bool) {
	d := decodeOne(bytes)
	if d.Size == 0 {
		return 0, false
	}
	return d.Size, true
}

// DisassemblyAt resolves display text for the instruction executed at
// clnum, in the order specified by spec §4.C:
//  1. cached bytes disassembled through the backend;
//  2. the tracer-supplied disassembly hint;
//  3. bytes read from reconstructed memory at the instruction's static
//     address (runtime address minus bias), for MaxInsnWindow bytes.
func (c *Cache) DisassemblyAt(clnum lib.Clnum, runtimeAddr lib.Address) string {
	if v, ok := c.insns.Load(clnum); ok {
		entry := v.(*insnEntry)
		if len(entry.Bytes) > 0 {
			return c.Disassemble(runtimeAddr, entry.Bytes)
		}
		if entry.Hint != "" {
			return entry.Hint
		}
	}
	if c.mem == nil {
		return "invalid"
	}
	staticAddr := runtimeAddr
	if c.bias != nil {
		staticAddr = c.bias.ToStatic(runtimeAddr)
	}
	window := c.mem.MemoryAt(clnum, staticAddr, MaxInsnWindow)
	return c.Disassemble(runtimeAddr, window)
}
