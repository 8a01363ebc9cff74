package slicer_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/liuxd6825/timewarpd/changelog"
	"github.com/liuxd6825/timewarpd/disasm"
	"github.com/liuxd6825/timewarpd/lib"
	"github.com/liuxd6825/timewarpd/slicer"
)

func regWrite(clnum lib.Clnum, reg int, value uint64) lib.Change {
	return lib.Change{Clnum: clnum, Address: lib.Address(reg * 8), Data: value, Flags: lib.FlagValid | lib.FlagWrite}
}

func start(clnum lib.Clnum, pc lib.Address) lib.Change {
	return lib.Change{Clnum: clnum, Address: pc, Flags: lib.FlagValid | lib.FlagStart}
}

func memRead(clnum lib.Clnum, addr lib.Address) lib.Change {
	return lib.Change{Clnum: clnum, Address: addr, Flags: lib.FlagValid | lib.FlagMem}
}

// TestBackwardSliceScenario reproduces spec §8's worked example verbatim:
// clnum 1: rcx = 7; clnum 2: rbx = [0x100]; clnum 3: rax = rbx + rcx.
// slice(3, "rax") must return [1, 2, 3].
func TestBackwardSliceScenario(t *testing.T) {
	log := changelog.New()
	rax, rbx, rcx := disasm.RegisterIndex("rax"), disasm.RegisterIndex("rbx"), disasm.RegisterIndex("rcx")

	log.Append(start(1, 0x1000))
	log.Append(regWrite(1, rcx, 7))

	log.Append(start(2, 0x1002))
	log.Append(memRead(2, 0x100))
	log.Append(regWrite(2, rbx, 0xAA))

	log.Append(start(3, 0x1005))
	log.Append(regWrite(3, rax, 0xB1))

	insns := disasm.NewCache(nil, nil)
	// 48 03 D9 = add %rcx, %rbx ... modrm=0xD9 (mod=11 reg=011=rbx
	// rm=001=rcx); decode.go's reads for a reg/reg "add" are [reg, rm],
	// i.e. exactly {rbx, rcx} regardless of which one is nominally the
	// ModRM destination, matching the instruction at clnum 3 reading both.
	insns.StoreInstruction(3, []byte{0x48, 0x03, 0xD9}, "")

	got := slicer.Slice(log.SnapshotReader(), insns, 3, "rax")
	require.Equal(t, []lib.Clnum{1, 2, 3}, got)
}

func TestSliceUnknownTargetReturnsNil(t *testing.T) {
	log := changelog.New()
	insns := disasm.NewCache(nil, nil)
	got := slicer.Slice(log.SnapshotReader(), insns, 1, "not-a-target")
	require.Nil(t, got)
}

func TestSliceStopsAtStartClnum(t *testing.T) {
	log := changelog.New()
	rax := disasm.RegisterIndex("rax")
	log.Append(start(1, 0x1000))
	log.Append(regWrite(1, rax, 1))
	log.Append(start(2, 0x1002))
	log.Append(regWrite(2, rax, 2))

	insns := disasm.NewCache(nil, nil)
	got := slicer.Slice(log.SnapshotReader(), insns, 1, "rax")
	require.Equal(t, []lib.Clnum{1}, got)
}

func TestSliceMemoryTarget(t *testing.T) {
	log := changelog.New()
	log.Append(start(5, 0x2000))
	mw := lib.Change{Clnum: 5, Address: 0x400, Data: 0xBB, Flags: lib.WithSizeBits(lib.FlagValid|lib.FlagWrite|lib.FlagMem, 8)}
	log.Append(mw)

	insns := disasm.NewCache(nil, nil)
	got := slicer.Slice(log.SnapshotReader(), insns, 5, "0x400")
	require.Equal(t, []lib.Clnum{5}, got)
}
