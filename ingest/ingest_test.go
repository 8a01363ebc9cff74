package ingest_test

import (
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/liuxd6825/timewarpd/ingest"
	"github.com/liuxd6825/timewarpd/lib"
	"github.com/liuxd6825/timewarpd/message"
	"github.com/liuxd6825/timewarpd/session"
	"github.com/liuxd6825/timewarpd/state"
)

func newEngine(t *testing.T) *session.Engine {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	return session.New(nil, log)
}

func encodeLine(t *testing.T, kind message.Kind, payload any) string {
	t.Helper()
	env, err := message.Encode(kind, payload)
	require.NoError(t, err)
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	return string(raw)
}

func TestIngestInsnExecAssignsClnums(t *testing.T) {
	engine := newEngine(t)
	loop := ingest.New(engine, nil, nil)

	regs := make([]uint64, state.NumRegisters)
	regs[0] = 7
	line := encodeLine(t, message.KindInsnExec, message.InsnExec{PC: 0x1000, Bytes: []byte{0x90}, Regs: regs})

	err := loop.Run(strings.NewReader(line + "\n"))
	require.NoError(t, err)
	require.Equal(t, lib.Clnum(1), engine.MaxClnum())

	_, registers, _, _ := engine.QueryState(1, 0, 0)
	require.Equal(t, uint64(7), registers[0])
}

func TestIngestSkipsMalformedLineWithoutIncrementingClnum(t *testing.T) {
	engine := newEngine(t)
	log := logrus.New()
	log.SetOutput(io.Discard)
	loop := ingest.New(engine, nil, log)

	regs := make([]uint64, state.NumRegisters)
	good := encodeLine(t, message.KindInsnExec, message.InsnExec{PC: 0x1000, Bytes: []byte{0x90}, Regs: regs})
	input := "{not valid json\n" + good + "\n"

	err := loop.Run(strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, lib.Clnum(1), engine.MaxClnum())
}

func TestIngestMemAccessBeforeInsnExecIsSkipped(t *testing.T) {
	engine := newEngine(t)
	log := logrus.New()
	log.SetOutput(io.Discard)
	loop := ingest.New(engine, nil, log)

	line := encodeLine(t, message.KindMemAccess, message.MemAccess{VAddr: 0x400, IsStore: true, Value: 0xBB})
	err := loop.Run(strings.NewReader(line + "\n"))
	require.NoError(t, err)
	require.Equal(t, lib.NoClnum, engine.MaxClnum())
}

func TestIngestMemAccessStoreRecordsMemoryWrite(t *testing.T) {
	engine := newEngine(t)
	loop := ingest.New(engine, nil, nil)

	regs := make([]uint64, state.NumRegisters)
	insn := encodeLine(t, message.KindInsnExec, message.InsnExec{PC: 0x1000, Bytes: []byte{0x90}, Regs: regs})
	mem := encodeLine(t, message.KindMemAccess, message.MemAccess{VAddr: 0x400, IsStore: true, Value: 0xBB})

	err := loop.Run(strings.NewReader(insn + "\n" + mem + "\n"))
	require.NoError(t, err)
	require.Equal(t, []lib.Clnum{1}, engine.MemoryWriteClnums(0x400))
}
