package state_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/liuxd6825/timewarpd/lib"
	"github.com/liuxd6825/timewarpd/state"
)

// TestMemoryReconstructionScenario pins spec §8's worked example: static
// initializer AA at 0x400, writes BB@5 and CC@9.
func TestMemoryReconstructionScenario(t *testing.T) {
	ix := state.New()
	ix.SeedStatic(0x400, 0xAA)
	ix.AppendMemoryWrite(5, 0x400, 0xBB, 8)
	ix.AppendMemoryWrite(9, 0x400, 0xCC, 8)

	require.Equal(t, []byte{0xAA}, ix.MemoryAt(4, 0x400, 1))
	require.Equal(t, []byte{0xBB}, ix.MemoryAt(5, 0x400, 1))
	require.Equal(t, []byte{0xBB}, ix.MemoryAt(8, 0x400, 1))
	require.Equal(t, []byte{0xCC}, ix.MemoryAt(9, 0x400, 1))
}

func TestMemoryAtWithNoStaticFallsBackToZero(t *testing.T) {
	ix := state.New()
	require.Equal(t, []byte{0}, ix.MemoryAt(100, 0x9999, 1))
}

func TestMemoryWriteUnpacksPerByte(t *testing.T) {
	ix := state.New()
	// A 32-bit write at address A spawns four byte-level entries A..A+4.
	ix.AppendMemoryWrite(1, 0x1000, 0xDEADBEEF, 32)
	got := ix.MemoryAt(1, 0x1000, 4)
	require.Equal(t, []byte{0xEF, 0xBE, 0xAD, 0xDE}, got)
	require.Len(t, ix.MemoryWriteClnums(0x1000), 1)
	require.Len(t, ix.MemoryWriteClnums(0x1003), 1)
}

func TestRegistersAt(t *testing.T) {
	ix := state.New()
	ix.AppendRegisterWrite(1, 0, 7)    // rax
	ix.AppendRegisterWrite(2, 1, 0x100) // rcx
	ix.AppendRegisterWrite(3, 0, 99)

	require.EqualValues(t, 0, ix.RegisterAt(0, 0))
	require.EqualValues(t, 7, ix.RegisterAt(1, 0))
	require.EqualValues(t, 7, ix.RegisterAt(2, 0))
	require.EqualValues(t, 99, ix.RegisterAt(3, 0))
	require.EqualValues(t, 0x100, ix.RegisterAt(3, 1))

	regs := ix.RegistersAt(3)
	require.EqualValues(t, 99, regs[0])
	require.EqualValues(t, 0x100, regs[1])
}

func TestMemoryWriteClnumsSortedAndExact(t *testing.T) {
	ix := state.New()
	ix.AppendMemoryWrite(5, 0x10, 1, 8)
	ix.AppendMemoryWrite(9, 0x10, 2, 8)
	ix.AppendMemoryWrite(20, 0x10, 3, 8)

	require.Equal(t, []lib.Clnum{5, 9, 20}, ix.MemoryWriteClnums(0x10))
}
