// Package ingest implements the tracer -> server event stream consumer
// (spec §6): a line-delimited JSON decode loop that applies each event to a
// session.Engine. Grounded on the teacher's single-goroutine consumer loops
// (e.g. output/json's line-oriented writer, inverted here into a reader)
// and on cmd/logger.go's logrus usage for the ambient progress logging
// supplement (SPEC_FULL supplement 4).
package ingest

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/liuxd6825/timewarpd/lib"
	"github.com/liuxd6825/timewarpd/message"
	"github.com/liuxd6825/timewarpd/session"
	"github.com/liuxd6825/timewarpd/state"
)

// Broadcaster mirrors each successfully ingested event to connected clients
// and notifies them of the new max clnum (spec §6 "Broadcast"). Satisfied
// by api.Hub.
type Broadcaster interface {
	BroadcastEvent(env message.Envelope)
	BroadcastMaxClnum(max lib.Clnum)
}

// logEvery controls how often Loop emits a debug-level progress line.
const logEvery = 1000

// Loop reads newline-delimited message.Envelope-wrapped tracer events from
// r until EOF or a read error, applying each to engine and mirroring it to
// broadcast. It never blocks while holding a lock (spec §5): all locking
// happens inside engine's own methods, each call self-contained.
type Loop struct {
	engine    *session.Engine
	broadcast Broadcaster
	log       *logrus.Logger
}

// New returns a Loop bound to engine. broadcast may be nil (no mirroring,
// useful for ingest-only tests); log may be nil (progress lines suppressed).
func New(engine *session.Engine, broadcast Broadcaster, log *logrus.Logger) *Loop {
	return &Loop{engine: engine, broadcast: broadcast, log: log}
}

// Run consumes r line by line until EOF. Malformed lines are logged and
// skipped without incrementing the clnum counter (spec §7). Returns nil on
// clean EOF; a non-nil error only for a read failure other than EOF.
func (l *Loop) Run(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	var count uint64
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := l.handleLine(line); err != nil {
			if l.log != nil {
				l.log.WithError(err).Warn("ingest: malformed event, skipping")
			}
			continue
		}
		count++
		if l.log != nil && count%logEvery == 0 {
			l.engine.LogStatus(count)
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (l *Loop) handleLine(line []byte) error {
	var env message.Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return err
	}

	switch env.Kind {
	case message.KindInit, message.KindExit:
		// No session-state effect beyond acknowledging the boundary; a
		// richer implementation could reset per-vcpu bookkeeping here.
		return nil
	case message.KindInsnExec:
		return l.handleInsnExec(env.Payload)
	case message.KindMemAccess:
		return l.handleMemAccess(env.Payload)
	default:
		return errors.New("ingest: unrecognized event kind " + string(env.Kind))
	}
}

func (l *Loop) handleInsnExec(payload json.RawMessage) error {
	var evt message.InsnExec
	if err := json.Unmarshal(payload, &evt); err != nil {
		return err
	}
	if len(evt.Regs) != state.NumRegisters {
		return errors.New("ingest: insn_exec regs length mismatch")
	}
	var regs [state.NumRegisters]uint64
	copy(regs[:], evt.Regs)

	clnum := l.engine.RecordInstruction(lib.Address(evt.PC), evt.Bytes, evt.Disasm, regs)

	if l.broadcast != nil {
		env, err := message.Encode(message.KindInsnExec, evt)
		if err == nil {
			l.broadcast.BroadcastEvent(env)
		}
		l.broadcast.BroadcastMaxClnum(clnum)
	}
	return nil
}

func (l *Loop) handleMemAccess(payload json.RawMessage) error {
	var evt message.MemAccess
	if err := json.Unmarshal(payload, &evt); err != nil {
		return err
	}
	clnum := l.engine.MaxClnum()
	if clnum == lib.NoClnum {
		return errors.New("ingest: mem_access before any insn_exec")
	}
	if evt.IsStore {
		l.engine.RecordMemoryWrite(clnum, lib.Address(evt.VAddr), evt.Value, 64)
	} else {
		l.engine.RecordMemoryRead(clnum, lib.Address(evt.VAddr))
	}

	if l.broadcast != nil {
		env, err := message.Encode(message.KindMemAccess, evt)
		if err == nil {
			l.broadcast.BroadcastEvent(env)
		}
	}
	return nil
}
