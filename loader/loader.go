// Package loader implements the Static-Image Loader & Symbol Table (spec
// §4.F): parses a native executable, seeds initial memory, builds the
// symbol table and user-code ranges, and estimates the runtime bias.
package loader

import (
	"debug/elf"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/spf13/afero"

	"github.com/liuxd6825/timewarpd/lib"
)

// MemorySeeder receives the static contents of each loadable segment, byte
// by byte, as the image is parsed; satisfied by state.Indices.SeedStatic.
type MemorySeeder interface {
	SeedStatic(addr lib.Address, value uint8)
}

// SymbolTable is the Static-Image Loader & Symbol Table component. It is
// effectively immutable after Load (spec §5: "shared read without
// locking"), except for the bias and entry point, which start unset and are
// revised a bounded number of times by BiasEstimator before freezing.
type SymbolTable struct {
	symbols    []lib.Symbol
	byName     map[string]*lib.Symbol
	codeRanges []lib.AddressRange

	entryPoint lib.Address

	biasMu  sync.Mutex
	bias    atomic.Int64
	hasBias atomic.Bool
}

// New returns an empty SymbolTable, ready for Load.
func New() *SymbolTable {
	return &SymbolTable{byName: make(map[string]*lib.Symbol)}
}

// Load parses the ELF image at path (read through fs, so tests can load
// from an afero.MemMapFs) and seeds mem with each loadable segment's file
// contents at its virtual address (spec §4.F(i)). It also registers
// executable segments as user-code ranges (ii) and populates the symbol
// table from function symbols (iii), and records the entry point (iv).
func (t *SymbolTable) Load(fs afero.Fs, path string, mem MemorySeeder) error {
	f, err := fs.Open(path)
	if err != nil {
		return fmt.Errorf("loader: open %s: %w", path, err)
	}
	defer f.Close()

	image, err := elf.NewFile(f)
	if err != nil {
		return fmt.Errorf("loader: parse %s: %w", path, err)
	}
	defer image.Close()

	t.entryPoint = lib.Address(image.Entry)

	for _, prog := range image.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if prog.Flags&elf.PF_X != 0 {
			t.codeRanges = append(t.codeRanges, lib.AddressRange{
				Start: lib.Address(prog.Vaddr),
				End:   lib.Address(prog.Vaddr + prog.Filesz),
			})
		}
		data := make([]byte, prog.Filesz)
		if _, err := prog.ReadAt(data, 0); err != nil {
			return fmt.Errorf("loader: read segment at %#x: %w", prog.Vaddr, err)
		}
		if mem != nil {
			for i, b := range data {
				mem.SeedStatic(lib.Address(prog.Vaddr)+lib.Address(i), b)
			}
		}
	}

	syms, err := image.Symbols()
	if err != nil && err != elf.ErrNoSymbols {
		return fmt.Errorf("loader: read symbols: %w", err)
	}
	for _, s := range syms {
		if elf.ST_TYPE(s.Info) != elf.STT_FUNC || s.Name == "" {
			continue
		}
		sym := lib.Symbol{StaticAddress: lib.Address(s.Value), Size: s.Size, Name: s.Name}
		t.symbols = append(t.symbols, sym)
	}
	sort.Slice(t.symbols, func(i, j int) bool { return t.symbols[i].StaticAddress < t.symbols[j].StaticAddress })
	t.byName = make(map[string]*lib.Symbol, len(t.symbols))
	for i := range t.symbols {
		t.byName[t.symbols[i].Name] = &t.symbols[i]
	}

	return nil
}

// RegisterCodeRange adds an additional executable static-address range
// beyond what Load discovered (register_code_range, spec §4.F), e.g. from a
// tracer-supplied segment map for a loaded shared object.
func (t *SymbolTable) RegisterCodeRange(start lib.Address, size uint64) {
	t.codeRanges = append(t.codeRanges, lib.AddressRange{Start: start, End: start + lib.Address(size)})
}

// EntryPoint returns the static entry point recorded at Load.
func (t *SymbolTable) EntryPoint() lib.Address { return t.entryPoint }

// SetBias records the runtime bias directly (set_bias, spec §4.F), bypassing
// BiasEstimator's heuristic. Safe for concurrent use with ToStatic/HasBias:
// writes are serialized by biasMu (spec §5 "rare writes under a short
// exclusive guard"), reads go through the lock-free atomics.
func (t *SymbolTable) SetBias(b int64) {
	t.biasMu.Lock()
	defer t.biasMu.Unlock()
	t.bias.Store(b)
	t.hasBias.Store(true)
}

// HasBias reports whether a bias has been accepted yet.
func (t *SymbolTable) HasBias() bool { return t.hasBias.Load() }

// ToStatic normalizes a runtime address to its static counterpart:
// static = runtime - bias. Returns the address unchanged if no bias has
// been accepted yet.
func (t *SymbolTable) ToStatic(runtime lib.Address) lib.Address {
	if !t.hasBias.Load() {
		return runtime
	}
	return lib.Address(int64(runtime) - t.bias.Load())
}

// FindSymbol returns the symbol containing runtimeAddr (normalized to
// static first), or nil if none contains it.
func (t *SymbolTable) FindSymbol(runtimeAddr lib.Address) *lib.Symbol {
	static := t.ToStatic(runtimeAddr)
	// symbols are sorted by start address; binary search for the last
	// symbol starting at or before static, then confirm containment.
	i := sort.Search(len(t.symbols), func(i int) bool { return t.symbols[i].StaticAddress > static })
	if i == 0 {
		return nil
	}
	sym := &t.symbols[i-1]
	if sym.Contains(static) {
		return sym
	}
	return nil
}

// FindSymbolByName looks up a symbol by its exact name.
func (t *SymbolTable) FindSymbolByName(name string) *lib.Symbol {
	return t.byName[name]
}

// HasRanges reports whether any user-code range has been registered; per
// spec §3, an empty range set means every address is treated as user code.
func (t *SymbolTable) HasRanges() bool { return len(t.codeRanges) > 0 }

// IsUserCode reports whether runtimeAddr (normalized to static) lies within
// a registered executable range. With no ranges registered, every address
// is user code (spec §3).
func (t *SymbolTable) IsUserCode(runtimeAddr lib.Address) bool {
	if !t.HasRanges() {
		return true
	}
	static := t.ToStatic(runtimeAddr)
	for _, r := range t.codeRanges {
		if r.Contains(static) {
			return true
		}
	}
	return false
}
