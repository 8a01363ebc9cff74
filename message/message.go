// Package message defines the wire types of the tracer ingest stream and
// the client query protocol (spec §6): closed sum types discriminated by a
// `kind` tag field, encoded as JSON (spec §9 design note on dynamic
// dispatch: variants of change kinds / message kinds map to tagged unions).
package message

import "encoding/json"

// Kind tags every envelope on both the ingest stream and the client
// protocol.
type Kind string

const (
	KindInit       Kind = "init"
	KindInsnExec   Kind = "insn_exec"
	KindMemAccess  Kind = "mem_access"
	KindExit       Kind = "exit"

	KindQueryState     Kind = "query_state"
	KindStateUpdate    Kind = "state_update"
	KindGetTraceLog    Kind = "get_trace_log"
	KindTraceLog       Kind = "trace_log"
	KindStepForward    Kind = "step_forward"
	KindStepBackward   Kind = "step_backward"
	KindGetCFG         Kind = "get_cfg"
	KindCFGResponse    Kind = "cfg"
	KindGetSlice       Kind = "get_slice"
	KindSliceResponse  Kind = "slice"
	KindGetMemoryWrites Kind = "get_memory_writes"
	KindMemoryWrites   Kind = "memory_writes"
	KindMaxClnum       Kind = "max_clnum"
	KindError          Kind = "error"
)

// Envelope is the outer shape every line of the ingest stream and every
// client-protocol message shares: a kind tag plus a raw payload, decoded in
// a second pass once the kind is known (spec §9's tagged-union mapping).
type Envelope struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Encode wraps a typed payload into an Envelope ready for json.Marshal.
func Encode(kind Kind, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Kind: kind, Payload: raw}, nil
}

// --- Tracer -> server event stream (spec §6) ---

// Init is emitted once at guest start.
type Init struct {
	VCPUIndex int `json:"vcpu_index"`
}

// InsnExec is emitted once per executed instruction. Regs is an ordered
// snapshot of all N architectural registers after execution.
type InsnExec struct {
	VCPUIndex int     `json:"vcpu_index"`
	PC        uint64  `json:"pc"`
	Bytes     []byte  `json:"bytes"`
	Disasm    string  `json:"disasm,omitempty"`
	Regs      []uint64 `json:"regs"`
}

// MemAccess is emitted per memory access; optional, not required for core
// correctness (spec §6).
type MemAccess struct {
	VCPUIndex int    `json:"vcpu_index"`
	VAddr     uint64 `json:"vaddr"`
	IsStore   bool   `json:"is_store"`
	Value     uint64 `json:"value"`
}

// Exit is emitted once at guest exit.
type Exit struct {
	VCPUIndex int `json:"vcpu_index"`
}

// --- Client <-> server query protocol (spec §6) ---

// QueryState requests reconstructed state at a clnum, optionally including
// a 256-byte memory window at MemoryAddr.
type QueryState struct {
	Clnum      uint32  `json:"clnum"`
	MemoryAddr *uint64 `json:"memory_addr,omitempty"`
}

// StateUpdate answers QueryState, StepForward, and StepBackward.
type StateUpdate struct {
	Clnum        uint32    `json:"clnum"`
	Registers    [16]uint64 `json:"registers"`
	Memory       []byte    `json:"memory"`
	MemoryAddr   uint64    `json:"memory_addr"`
	Disassembly  string    `json:"disassembly"`
}

// GetTraceLog requests a window of the trace log.
type GetTraceLog struct {
	Start        uint32 `json:"start"`
	Count        int    `json:"count"`
	OnlyUserCode bool   `json:"only_user_code"`
}

// TraceLogEntry is one row of a TraceLog response.
type TraceLogEntry struct {
	Clnum       uint32  `json:"clnum"`
	Address     uint64  `json:"address"`
	Disassembly string  `json:"disassembly"`
	RegDiff     *string `json:"reg_diff,omitempty"`
	MemAccess   *string `json:"mem_access,omitempty"`
}

// TraceLog answers GetTraceLog.
type TraceLog struct {
	Entries []TraceLogEntry `json:"entries"`
}

// StepForward requests the state at min(current+1, max).
type StepForward struct {
	Current uint32 `json:"current"`
}

// StepBackward requests the state at max(current-1, 1).
type StepBackward struct {
	Current uint32 `json:"current"`
}

// GetCFG requests the control-flow graph.
type GetCFG struct {
	OnlyUserCode  bool `json:"only_user_code"`
	StartFromMain bool `json:"start_from_main"`
}

// BlockView is the wire shape of one lib.BasicBlock.
type BlockView struct {
	Index          int                `json:"index"`
	Instructions   []InstructionView  `json:"instructions"`
	SymbolName     string             `json:"symbol_name,omitempty"`
	FirstSeenClnum uint32             `json:"first_seen_clnum"`
}

// InstructionView is the wire shape of one lib.Instruction.
type InstructionView struct {
	Address     uint64 `json:"address"`
	Mnemonic    string `json:"mnemonic"`
	OperandText string `json:"operand_text"`
}

// EdgeView is the wire shape of one lib.Edge.
type EdgeView struct {
	Src       int    `json:"src"`
	Dst       int    `json:"dst"`
	Condition string `json:"condition,omitempty"`
}

// CFGResponse answers GetCFG with a renderable graph description.
type CFGResponse struct {
	Blocks []BlockView `json:"blocks"`
	Edges  []EdgeView  `json:"edges"`
}

// GetSlice requests a backward slice.
type GetSlice struct {
	Clnum  uint32 `json:"clnum"`
	Target string `json:"target"`
}

// SliceResponse answers GetSlice with the trace entries for the returned
// clnums.
type SliceResponse struct {
	Entries []TraceLogEntry `json:"entries"`
}

// GetMemoryWrites requests the write history of one byte address.
type GetMemoryWrites struct {
	Address uint64 `json:"address"`
}

// MemoryWritesResponse answers GetMemoryWrites.
type MemoryWritesResponse struct {
	Address uint64   `json:"address"`
	Writes  []uint32 `json:"writes"`
}

// MaxClnumNotice is broadcast after every ingested event (spec §6).
type MaxClnumNotice struct {
	Max uint32 `json:"max"`
}

// ErrorResponse carries a best-effort diagnostic; per spec §7 most error
// categories are handled silently (clamp, skip, empty slice) rather than
// surfaced to the client, so this is reserved for malformed requests the
// protocol layer itself rejects before dispatch.
type ErrorResponse struct {
	Message string `json:"message"`
}
