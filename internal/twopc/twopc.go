/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package twopc implements the two-phase-commit coordinator/participant
// state machine for distributed transactions (spec section 4.D): prepare,
// wait for quorum or peer resolution, then commit or abort atomically
// with the blockseq write. The actual replication/quorum call is behind
// the Transport interface — this package owns the state machine and the
// LOCK_DESIRED downgrade handshake, not the wire-level prepare protocol.
package twopc

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/mponomar/comdb2/internal/blockerr"
)

// Role identifies which side of the protocol a Txn is playing.
type Role int

const (
	RoleCoordinator Role = iota
	RoleParticipant
)

// State is the 2PC state machine: START -> PREPARED -> (COMMITTED |
// ABORTED | LOCK_DESIRED).
type State int

const (
	Start State = iota
	Prepared
	Committed
	Aborted
	LockDesired
)

func (s State) String() string {
	switch s {
	case Start:
		return "START"
	case Prepared:
		return "PREPARED"
	case Committed:
		return "COMMITTED"
	case Aborted:
		return "ABORTED"
	case LockDesired:
		return "LOCK_DESIRED"
	default:
		return "UNKNOWN"
	}
}

// WaitOutcome is what coordinator_wait/participant_wait resolve to.
type WaitOutcome int

const (
	HasCommitted WaitOutcome = iota
	HasAborted
	LockDesiredOutcome
	KeepRCode
)

// Descriptor is the distributed txn descriptor carried from the SQL-mode
// stream through prepare/commit.
type Descriptor struct {
	DistTxnID         string
	CoordinatorDBName string
	CoordinatorTier   string
	CoordinatorMaster bool
	Role              Role
}

// Txn is one distributed transaction's 2PC state.
type Txn struct {
	mu        sync.Mutex
	desc      Descriptor
	state     State
	abortCode blockerr.Code
}

// NewTxn creates a Txn in the START state.
func NewTxn(desc Descriptor) *Txn {
	return &Txn{desc: desc, state: Start}
}

func (t *Txn) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Txn) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *Txn) Descriptor() Descriptor { return t.desc }

// AbortCode reports the rc an aborted txn should be surfaced with, already
// run through blockerr.Rewrite by resolve. Zero until the txn has actually
// aborted.
func (t *Txn) AbortCode() blockerr.Code {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.abortCode
}

// Transport is the replication/quorum boundary this package depends on.
// Prepare durably records the prepare and blocks until quorum
// acknowledges it (or the timeout fires). Wait blocks until the
// transaction's final outcome — or a downgrade request — is known.
type Transport interface {
	Prepare(ctx context.Context, txnID string, blockseqKey []byte) error
	// Wait blocks until the transaction's final outcome (or a downgrade
	// request) is known. When outcome is HasAborted, abortCode carries the
	// raw reason the remote side aborted with, before the should_rewrite_rcode
	// policy is applied by resolve; it is unspecified for any other outcome.
	Wait(ctx context.Context, txnID string) (outcome WaitOutcome, abortCode blockerr.Code, err error)
}

// LocalTransport is the degenerate single-node transport: prepare is
// always durable and wait always resolves to commit immediately. It lets
// code paths that carry a Descriptor but never actually ship to a second
// node exercise the same state machine as a true distributed txn.
type LocalTransport struct{}

func (LocalTransport) Prepare(ctx context.Context, txnID string, blockseqKey []byte) error {
	return nil
}

func (LocalTransport) Wait(ctx context.Context, txnID string) (WaitOutcome, blockerr.Code, error) {
	return HasCommitted, 0, nil
}

// Gate is blklk/blkcd: the process-wide condition variable pair a
// LOCK_DESIRED resolution blocks on until every active writer has
// reached PREPARED. blkcnt counts all active writers; preparedCount
// counts the ones currently holding locks past their normal commit point.
type Gate struct {
	mu            sync.Mutex
	cond          *sync.Cond
	blkcnt        int
	preparedCount int
}

func NewGate() *Gate {
	g := &Gate{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// EnterWriter registers an active writer (called when prepare begins).
func (g *Gate) EnterWriter() {
	g.mu.Lock()
	g.blkcnt++
	g.mu.Unlock()
}

// ExitWriter unregisters a writer whose transaction has resolved.
func (g *Gate) ExitWriter() {
	g.mu.Lock()
	g.blkcnt--
	g.mu.Unlock()
	g.cond.Broadcast()
}

// MarkPrepared records that a writer has reached PREPARED.
func (g *Gate) MarkPrepared() {
	g.mu.Lock()
	g.preparedCount++
	g.mu.Unlock()
	g.cond.Broadcast()
}

// UnmarkPrepared records that a previously prepared writer has resolved.
func (g *Gate) UnmarkPrepared() {
	g.mu.Lock()
	g.preparedCount--
	g.mu.Unlock()
}

// Counts returns the current (preparedCount, blkcnt) pair, mainly for
// tests asserting the drain invariant.
func (g *Gate) Counts() (prepared, total int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.preparedCount, g.blkcnt
}

// WaitDrained blocks until every active writer is prepared
// (preparedCount == blkcnt), i.e. zero non-prepared writers remain.
func (g *Gate) WaitDrained(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			g.mu.Lock()
			g.cond.Broadcast()
			g.mu.Unlock()
		case <-stop:
		}
	}()

	g.mu.Lock()
	defer g.mu.Unlock()
	for g.preparedCount < g.blkcnt {
		if err := ctx.Err(); err != nil {
			return err
		}
		g.cond.Wait()
	}
	return nil
}

// Hooks are the caller-supplied callbacks the state machine invokes at
// each resolution point. A nil hook is simply skipped.
type Hooks struct {
	CoordinatorFailed        func(ctx context.Context, txnID string)
	ParticipantHasFailed     func(ctx context.Context, txnID string, code blockerr.Code)
	CoordinatorWaitPropagate func(ctx context.Context, txnID string) error
	CoordinatorResolve       func(ctx context.Context, txnID string) error
	ParticipantHasPropagated func(ctx context.Context, txnID string)
	TransDiscardPrepared     func(ctx context.Context, txnID string) error
}

// Manager runs the coordinator/participant state machine over a
// Transport, gated by a process-wide Gate for the LOCK_DESIRED handshake.
type Manager struct {
	transport     Transport
	gate          *Gate
	hooks         Hooks
	waitPropagate bool // gbl_coordinator_wait_propagate
}

func NewManager(transport Transport, gate *Gate, hooks Hooks, waitPropagate bool) *Manager {
	return &Manager{transport: transport, gate: gate, hooks: hooks, waitPropagate: waitPropagate}
}

// Prepare writes the prepare record and blocks until it is durable on a
// quorum. On failure it invokes the role-appropriate failure hook; the
// caller is responsible for writing the abort blockseq payload and
// aborting the parent transaction.
func (m *Manager) Prepare(ctx context.Context, txn *Txn, blockseqKey []byte) error {
	m.gate.EnterWriter()

	if err := m.transport.Prepare(ctx, txn.desc.DistTxnID, blockseqKey); err != nil {
		if txn.desc.Role == RoleCoordinator {
			if m.hooks.CoordinatorFailed != nil {
				m.hooks.CoordinatorFailed(ctx, txn.desc.DistTxnID)
			}
		} else if m.hooks.ParticipantHasFailed != nil {
			m.hooks.ParticipantHasFailed(ctx, txn.desc.DistTxnID, blockerr.ErrNotDurable)
		}
		m.gate.ExitWriter()
		return blockerr.New(blockerr.ErrNotDurable, "prepare not durable for txn %s: %v", txn.desc.DistTxnID, err)
	}

	txn.setState(Prepared)
	m.gate.MarkPrepared()
	return nil
}

// CoordinatorWait resolves a prepared coordinator txn. If shouldWait is
// false it returns KeepRCode immediately without consulting the
// transport, matching coordinator_wait's dry/non-blocking mode.
func (m *Manager) CoordinatorWait(ctx context.Context, txn *Txn, shouldWait bool) (WaitOutcome, error) {
	if txn.desc.Role != RoleCoordinator {
		return 0, fmt.Errorf("CoordinatorWait called on a %v-role txn", txn.desc.Role)
	}
	return m.resolve(ctx, txn, shouldWait)
}

// ParticipantWait resolves a prepared participant txn.
func (m *Manager) ParticipantWait(ctx context.Context, txn *Txn) (WaitOutcome, error) {
	if txn.desc.Role != RoleParticipant {
		return 0, fmt.Errorf("ParticipantWait called on a %v-role txn", txn.desc.Role)
	}
	return m.resolve(ctx, txn, true)
}

func (m *Manager) resolve(ctx context.Context, txn *Txn, shouldWait bool) (WaitOutcome, error) {
	if !shouldWait {
		return KeepRCode, nil
	}

	outcome, abortCode, err := m.transport.Wait(ctx, txn.desc.DistTxnID)
	if err != nil {
		return 0, err
	}

	switch outcome {
	case HasCommitted:
		txn.setState(Committed)
		if txn.desc.Role == RoleCoordinator {
			if m.waitPropagate && m.hooks.CoordinatorWaitPropagate != nil {
				if err := m.hooks.CoordinatorWaitPropagate(ctx, txn.desc.DistTxnID); err != nil {
					return outcome, err
				}
			} else if m.hooks.CoordinatorResolve != nil {
				if err := m.hooks.CoordinatorResolve(ctx, txn.desc.DistTxnID); err != nil {
					return outcome, err
				}
			}
		} else if m.hooks.ParticipantHasPropagated != nil {
			m.hooks.ParticipantHasPropagated(ctx, txn.desc.DistTxnID)
		}
		m.gate.UnmarkPrepared()
		m.gate.ExitWriter()

	case HasAborted:
		txn.setState(Aborted)
		txn.mu.Lock()
		txn.abortCode = blockerr.Rewrite(abortCode)
		txn.mu.Unlock()
		m.gate.UnmarkPrepared()
		m.gate.ExitWriter()

	case LockDesiredOutcome:
		txn.setState(LockDesired)
		if err := m.gate.WaitDrained(ctx); err != nil {
			return outcome, err
		}
		if prepared, total := m.gate.Counts(); prepared != total {
			return outcome, blockerr.New(blockerr.ErrInternal, "trans_discard_prepared with non-prepared writers still active (%d/%d)", prepared, total)
		}
		if m.hooks.TransDiscardPrepared != nil {
			if err := m.hooks.TransDiscardPrepared(ctx, txn.desc.DistTxnID); err != nil {
				return outcome, err
			}
		}
		m.gate.UnmarkPrepared()
		m.gate.ExitWriter()
	}

	return outcome, nil
}

// FaultInjectingTransport wraps a Transport with debug-only outcome
// overrides, for exercising the abort and lock-desired paths in tests
// without a real quorum. Exactly one override field should be set at a
// time; AllPrepareCommit and AllPrepareAbort take priority over
// RandomPrepareCommit.
type FaultInjectingTransport struct {
	Inner               Transport
	AllPrepareCommit    bool
	AllPrepareAbort     bool
	RandomPrepareCommit bool
	// AllPrepareLeak simulates gbl_all_prepare_leak: the original
	// engine sleeps 2 seconds and calls exit() from deep in the
	// prepare path. A library must never unilaterally kill its host
	// process, so this substitutes a hook call plus an indefinite
	// hang (resolved only by the caller's own context) for the real
	// leak's externally-visible effect: the transaction never
	// resolves on its own.
	AllPrepareLeak bool
	// OnPrepareLeak is invoked once per injected leak, txnID is the
	// distributed transaction id that will now hang. Nil is a no-op.
	OnPrepareLeak func(txnID string)
	rng           *rand.Rand
}

func (f *FaultInjectingTransport) Prepare(ctx context.Context, txnID string, blockseqKey []byte) error {
	return f.Inner.Prepare(ctx, txnID, blockseqKey)
}

func (f *FaultInjectingTransport) Wait(ctx context.Context, txnID string) (WaitOutcome, blockerr.Code, error) {
	switch {
	case f.AllPrepareLeak:
		if f.OnPrepareLeak != nil {
			f.OnPrepareLeak(txnID)
		}
		<-ctx.Done()
		return KeepRCode, 0, ctx.Err()
	case f.AllPrepareCommit:
		return HasCommitted, 0, nil
	case f.AllPrepareAbort:
		return HasAborted, blockerr.ErrDistAbort, nil
	case f.RandomPrepareCommit:
		if f.rng == nil {
			f.rng = rand.New(rand.NewSource(1))
		}
		if f.rng.Intn(2) == 0 {
			return HasCommitted, 0, nil
		}
		return HasAborted, blockerr.ErrDistAbort, nil
	default:
		return f.Inner.Wait(ctx, txnID)
	}
}
