package flowgraph_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/liuxd6825/timewarpd/changelog"
	"github.com/liuxd6825/timewarpd/disasm"
	"github.com/liuxd6825/timewarpd/flowgraph"
	"github.com/liuxd6825/timewarpd/lib"
)

// fixedSizeInsns holds the instruction cache the scenarios populate.
// Instruction lengths come from real encodings picked by sizedBytes and
// decoded by disasm.InstructionSize, matching spec §8's scenarios which are
// phrased purely in terms of PC and size; the sizes map is not consulted.
type fixedSizeInsns struct {
	cache *disasm.Cache
	sizes map[lib.Clnum]int
}

func newFixed() *fixedSizeInsns {
	return &fixedSizeInsns{cache: disasm.NewCache(nil, nil), sizes: map[lib.Clnum]int{}}
}

// sizedBytes returns a real x86-64 encoding that decodes to exactly n
// bytes, so InstructionSize (and therefore sequentialPair) sees the size
// the scenario intends instead of always landing on a 1-byte nop.
func sizedBytes(n int) []byte {
	switch n {
	case 1:
		return []byte{0xC3} // ret
	case 2:
		return []byte{0xEB, 0x00} // jmp rel8
	case 3:
		return []byte{0x83, 0xC0, 0x00} // add %eax, $0x0 (modrm mod=3, imm8)
	default:
		panic("sizedBytes: unsupported size")
	}
}

func buildLog(pairs [][2]uint64, insns *fixedSizeInsns) changelog.Snapshot {
	log := changelog.New()
	for i, p := range pairs {
		clnum := lib.Clnum(i + 1)
		addr := lib.Address(p[0])
		size := int(p[1])
		log.Append(lib.Change{Clnum: clnum, Address: addr, Flags: lib.FlagStart | lib.FlagValid})
		insns.cache.StoreInstruction(clnum, sizedBytes(size), "")
	}
	return log.SnapshotReader()
}

func TestSequentialFallThrough(t *testing.T) {
	insns := newFixed()
	snap := buildLog([][2]uint64{
		{0x1000, 2}, {0x1002, 3}, {0x1005, 1},
	}, insns)

	cfg := flowgraph.Recover(snap, insns.cache, nil, flowgraph.Options{})
	require.Len(t, cfg.Blocks, 1)
	require.Len(t, cfg.Edges, 0)
	require.Equal(t, []lib.Address{0x1000, 0x1002, 0x1005}, addrsOf(cfg.Blocks[0]))
}

func TestSimpleBranch(t *testing.T) {
	insns := newFixed()
	snap := buildLog([][2]uint64{
		{0x1000, 2}, {0x2000, 2}, {0x2002, 2},
	}, insns)

	cfg := flowgraph.Recover(snap, insns.cache, nil, flowgraph.Options{})
	require.Len(t, cfg.Blocks, 2)
	require.Equal(t, lib.Address(0x1000), cfg.Blocks[0].StartAddress())
	require.Equal(t, lib.Address(0x2000), cfg.Blocks[1].StartAddress())
	require.Equal(t, []lib.Edge{{Src: 0, Dst: 1}}, cfg.Edges)
}

func TestLoop(t *testing.T) {
	insns := newFixed()
	snap := buildLog([][2]uint64{
		{0x100, 2}, {0x102, 2}, {0x100, 2}, {0x102, 2}, {0x104, 2},
	}, insns)

	cfg := flowgraph.Recover(snap, insns.cache, nil, flowgraph.Options{})
	require.Len(t, cfg.Blocks, 2)
	require.Equal(t, lib.Address(0x100), cfg.Blocks[0].StartAddress())
	require.Equal(t, lib.Address(0x104), cfg.Blocks[1].StartAddress())
	require.ElementsMatch(t, []lib.Edge{{Src: 0, Dst: 0}, {Src: 0, Dst: 1}}, cfg.Edges)
}

func TestEmptyFilteredSequenceIsEmptyCFG(t *testing.T) {
	insns := newFixed()
	snap := changelog.New().SnapshotReader()
	cfg := flowgraph.Recover(snap, insns.cache, nil, flowgraph.Options{})
	require.Empty(t, cfg.Blocks)
	require.Empty(t, cfg.Edges)
}

func addrsOf(b lib.BasicBlock) []lib.Address {
	out := make([]lib.Address, len(b.Instructions))
	for i, ins := range b.Instructions {
		out[i] = ins.Address
	}
	return out
}
