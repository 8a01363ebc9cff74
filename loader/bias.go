package loader

import "github.com/liuxd6825/timewarpd/lib"

// loaderCutoff bounds which runtime addresses are plausible candidates for
// the main image's load base, as opposed to the dynamic linker or a
// library mapped well above it (spec §9.3; SPEC_FULL open-question
// decision 3). Typical Linux main-image loads sit below this address even
// under ASLR; the dynamic linker and mmap'd libraries are placed above it.
const loaderCutoff = lib.Address(0x7f0000000000)

// reconcileWindow is how many leading instructions BiasEstimator considers
// before a non-zero accepted bias is allowed to be vetoed for failing to
// land in any registered code range (spec §9.3).
const reconcileWindow = 64

// BiasEstimator runs the heuristic of spec §4.F over the first few executed
// instructions: it proposes a bias from low-12-bit page coincidence between
// the runtime PC and the static entry point, and accepts the first
// plausible candidate. Once accepted, later instructions may veto it via
// Reconcile if it never normalizes into a registered code range.
type BiasEstimator struct {
	table    *SymbolTable
	accepted bool
	seen     int
}

// NewBiasEstimator returns an estimator bound to table. table.EntryPoint()
// must already be set (i.e. Load has run) before Observe is called.
func NewBiasEstimator(table *SymbolTable) *BiasEstimator {
	return &BiasEstimator{table: table}
}

// Observe feeds one executed instruction's runtime PC to the heuristic. It
// is a no-op once a bias has been accepted and reconciled (or once
// reconcileWindow instructions have been observed without a veto).
func (b *BiasEstimator) Observe(runtimePC lib.Address) {
	if b.table.HasBias() && b.accepted {
		b.reconcileOnce(runtimePC)
		return
	}
	if b.table.HasBias() {
		return
	}

	entry := b.table.EntryPoint()
	const pageMask = lib.Address(0xFFF)
	if runtimePC&pageMask != entry&pageMask {
		return
	}

	bias := int64(runtimePC) - int64(entry)
	if bias == 0 {
		b.table.SetBias(0)
		b.accepted = true
		return
	}
	if runtimePC < loaderCutoff {
		b.table.SetBias(bias)
		b.accepted = true
	}
}

// reconcileOnce implements the post-acceptance veto: if, after
// reconcileWindow instructions, the accepted non-zero bias has never
// normalized a runtime PC into any registered code range, the bias is
// cleared so a later Observe can try again. A bias of 0 is never vetoed
// (spec §9.3: "bias=0 wins unconditionally").
func (b *BiasEstimator) reconcileOnce(runtimePC lib.Address) {
	if !b.table.HasRanges() {
		return
	}
	if b.seen > reconcileWindow {
		return // already landed in range: frozen.
	}
	bias := b.table.bias.Load()
	if bias == 0 {
		return
	}
	b.seen++
	if b.table.IsUserCode(runtimePC) {
		b.seen = reconcileWindow + 1 // landed in range: stop checking, freeze.
		return
	}
	if b.seen >= reconcileWindow {
		b.table.biasMu.Lock()
		b.table.hasBias.Store(false)
		b.table.biasMu.Unlock()
		b.accepted = false
		b.seen = 0
	}
}

// Reconcile is the exported, explicit-call form of the post-acceptance
// veto check (spec §9.3's register_code_range-containment recommendation),
// for callers that want to drive reconciliation independently of Observe's
// implicit bookkeeping (e.g. a one-shot check after ingest replays a
// window of instructions).
func (b *BiasEstimator) Reconcile(runtimePCs []lib.Address) {
	for _, pc := range runtimePCs {
		b.reconcileOnce(pc)
	}
}
