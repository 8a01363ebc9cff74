package api_test

import (
	"encoding/json"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/liuxd6825/timewarpd/api"
	"github.com/liuxd6825/timewarpd/message"
	"github.com/liuxd6825/timewarpd/session"
	"github.com/liuxd6825/timewarpd/state"
)

func newEngine(t *testing.T) *session.Engine {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	e := session.New(nil, log)
	var regs [state.NumRegisters]uint64
	regs[0] = 7
	e.RecordInstruction(0x1000, []byte{0x90}, "", regs)
	regs[0] = 9
	e.RecordInstruction(0x1001, []byte{0x90}, "", regs)
	return e
}

func envelopeFor(t *testing.T, kind message.Kind, payload any) message.Envelope {
	t.Helper()
	env, err := message.Encode(kind, payload)
	require.NoError(t, err)
	return env
}

func TestDispatchQueryState(t *testing.T) {
	engine := newEngine(t)
	env := envelopeFor(t, message.KindQueryState, message.QueryState{Clnum: 1})

	resp, kind, ok := api.Dispatch(engine, env)
	require.True(t, ok)
	require.Equal(t, message.KindStateUpdate, kind)

	update := resp.(message.StateUpdate)
	require.Equal(t, uint32(1), update.Clnum)
	require.Equal(t, uint64(7), update.Registers[0])
}

func TestDispatchStepForwardClampsToMax(t *testing.T) {
	engine := newEngine(t)
	env := envelopeFor(t, message.KindStepForward, message.StepForward{Current: 2})

	resp, kind, ok := api.Dispatch(engine, env)
	require.True(t, ok)
	require.Equal(t, message.KindStateUpdate, kind)
	require.Equal(t, uint32(2), resp.(message.StateUpdate).Clnum)
}

func TestDispatchGetTraceLog(t *testing.T) {
	engine := newEngine(t)
	env := envelopeFor(t, message.KindGetTraceLog, message.GetTraceLog{Start: 1, Count: 10})

	resp, kind, ok := api.Dispatch(engine, env)
	require.True(t, ok)
	require.Equal(t, message.KindTraceLog, kind)
	require.Len(t, resp.(message.TraceLog).Entries, 2)
}

func TestDispatchGetCFG(t *testing.T) {
	engine := newEngine(t)
	env := envelopeFor(t, message.KindGetCFG, message.GetCFG{})

	resp, kind, ok := api.Dispatch(engine, env)
	require.True(t, ok)
	require.Equal(t, message.KindCFGResponse, kind)
	require.Len(t, resp.(message.CFGResponse).Blocks, 1) // sequential nops, one block
}

func TestDispatchUnrecognizedKind(t *testing.T) {
	engine := newEngine(t)
	env := message.Envelope{Kind: "bogus", Payload: json.RawMessage(`{}`)}

	_, _, ok := api.Dispatch(engine, env)
	require.False(t, ok)
}

func TestDispatchGetMemoryWrites(t *testing.T) {
	engine := newEngine(t)
	engine.RecordMemoryWrite(engine.MaxClnum(), 0x400, 0xAB, 8)
	env := envelopeFor(t, message.KindGetMemoryWrites, message.GetMemoryWrites{Address: 0x400})

	resp, kind, ok := api.Dispatch(engine, env)
	require.True(t, ok)
	require.Equal(t, message.KindMemoryWrites, kind)
	writes := resp.(message.MemoryWritesResponse)
	require.Equal(t, []uint32{uint32(engine.MaxClnum())}, writes.Writes)
}
