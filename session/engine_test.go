package session_test

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/liuxd6825/timewarpd/lib"
	"github.com/liuxd6825/timewarpd/session"
	"github.com/liuxd6825/timewarpd/state"
)

func discardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestRecordInstructionAssignsClnumsAndDiffsRegisters(t *testing.T) {
	e := session.New(nil, discardLogger())

	var regs1 [state.NumRegisters]uint64
	regs1[0] = 7 // rax = 7

	c1 := e.RecordInstruction(0x1000, []byte{0x90}, "", regs1)
	require.Equal(t, lib.Clnum(1), c1)
	require.Equal(t, lib.Clnum(1), e.MaxClnum())

	regs2 := regs1
	regs2[1] = 0x100 // rcx = 0x100, rax unchanged

	c2 := e.RecordInstruction(0x1001, []byte{0x90}, "", regs2)
	require.Equal(t, lib.Clnum(2), c2)

	clnum, registers, _, disasmText := e.QueryState(2, 0, 0)
	require.Equal(t, lib.Clnum(2), clnum)
	require.Equal(t, uint64(7), registers[0])
	require.Equal(t, uint64(0x100), registers[1])
	require.Equal(t, "nop", disasmText)
}

func TestQueryStateClampsToMax(t *testing.T) {
	e := session.New(nil, discardLogger())
	var regs [state.NumRegisters]uint64
	e.RecordInstruction(0x1000, []byte{0x90}, "", regs)

	clnum, _, _, _ := e.QueryState(999, 0, 0)
	require.Equal(t, lib.Clnum(1), clnum)
}

func TestStepForwardAndBackwardClamp(t *testing.T) {
	e := session.New(nil, discardLogger())
	var regs [state.NumRegisters]uint64
	e.RecordInstruction(0x1000, []byte{0x90}, "", regs)
	e.RecordInstruction(0x1001, []byte{0x90}, "", regs)

	require.Equal(t, lib.Clnum(2), e.StepForward(1))
	require.Equal(t, lib.Clnum(2), e.StepForward(2)) // clamped to max
	require.Equal(t, lib.Clnum(1), e.StepBackward(2))
	require.Equal(t, lib.Clnum(1), e.StepBackward(1)) // clamped to 1
}

func TestMemoryWriteRoundTrip(t *testing.T) {
	e := session.New(nil, discardLogger())
	var regs [state.NumRegisters]uint64
	e.RecordInstruction(0x1000, []byte{0x90}, "", regs)
	e.RecordMemoryWrite(1, 0x400, 0xBB, 8)

	require.Equal(t, []lib.Clnum{1}, e.MemoryWriteClnums(0x400))
	_, _, mem, _ := e.QueryState(1, 0x400, 1)
	require.Equal(t, []byte{0xBB}, mem)
}
