package message_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/liuxd6825/timewarpd/message"
)

func TestEncodeDecodeInsnExec(t *testing.T) {
	env, err := message.Encode(message.KindInsnExec, message.InsnExec{
		VCPUIndex: 0, PC: 0x401000, Bytes: []byte{0x55}, Regs: make([]uint64, 16),
	})
	require.NoError(t, err)
	require.Equal(t, message.KindInsnExec, env.Kind)

	raw, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded message.Envelope
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, message.KindInsnExec, decoded.Kind)

	var insn message.InsnExec
	require.NoError(t, json.Unmarshal(decoded.Payload, &insn))
	require.Equal(t, uint64(0x401000), insn.PC)
	require.Equal(t, []byte{0x55}, insn.Bytes)
}

func TestEncodeDecodeQueryStateRoundTrip(t *testing.T) {
	addr := uint64(0x400)
	env, err := message.Encode(message.KindQueryState, message.QueryState{Clnum: 5, MemoryAddr: &addr})
	require.NoError(t, err)

	var q message.QueryState
	require.NoError(t, json.Unmarshal(env.Payload, &q))
	require.Equal(t, uint32(5), q.Clnum)
	require.NotNil(t, q.MemoryAddr)
	require.Equal(t, addr, *q.MemoryAddr)
}
