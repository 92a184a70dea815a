/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package srs implements the per-connection replay controller: it records
// each statement of a multi-statement transaction and, on a verify
// conflict, replays the entire transaction from the start up to a bounded
// number of attempts. Statement ownership is external (a StatementPlugin),
// mirroring the save_stmt/restore_stmt/destroy_stmt/print_stmt contract
// the core consumes without knowing what a statement actually is.
package srs

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mponomar/comdb2/internal/blockerr"
	"github.com/mponomar/comdb2/internal/logging"
)

var logger = logging.New("srs")

// Mode is the replay state machine: NONE (no replay in flight), DO (replay
// is active and should keep retrying on verify conflict), LAST (one final
// forced attempt whose outcome is surfaced regardless of result).
type Mode int

const (
	None Mode = iota
	Do
	Last
)

func (m Mode) String() string {
	switch m {
	case None:
		return "NONE"
	case Do:
		return "DO"
	case Last:
		return "LAST"
	default:
		return "UNKNOWN"
	}
}

// IsolationLevel selects how shadow tables are reset between replay
// attempts (spec 4.C: read-committed preserves selectv recgenid tracking,
// every other level discards it along with the rest of the shadow state).
type IsolationLevel int

const (
	ReadCommitted IsolationLevel = iota
	Snapshot
	Serializable
	Recom
)

// valid reports whether lvl is one of the closed IsolationLevel values. A
// replay abort against anything else is a programming error upstream of
// this package (a caller constructed a Config with a raw int cast), not a
// transaction-shape this package should guess at.
func (lvl IsolationLevel) valid() bool {
	switch lvl {
	case ReadCommitted, Snapshot, Serializable, Recom:
		return true
	default:
		return false
	}
}

// Statement is an opaque saved statement as produced by a StatementPlugin.
// The controller never inspects it; it only orders, restores and destroys
// it through the plugin.
type Statement interface{}

// StatementPlugin is implemented by the SQL layer consuming SRS. It owns
// the real shape of a saved statement; SRS only sequences calls into it.
type StatementPlugin interface {
	SaveStmt(ctx context.Context) (Statement, error)
	RestoreStmt(ctx context.Context, stmt Statement) error
	DestroyStmt(ctx context.Context, stmt Statement)
	PrintStmt(stmt Statement) string
}

// AddQueryOptions gates whether a statement is recorded at all (spec 4.C:
// "appended iff replay is not suppressed by {verify_retry_off, is_select,
// has_sp, has_recording}").
type AddQueryOptions struct {
	VerifyRetryOff bool
	IsSelect       bool
	HasStoredProc  bool
	HasRecording   bool
}

func (o AddQueryOptions) suppressed() bool {
	return o.VerifyRetryOff || o.IsSelect || o.HasStoredProc || o.HasRecording
}

// Controller holds the per-connection replay state.
type Controller struct {
	plugin StatementPlugin

	history       []Statement
	replay        Mode
	lastReplay    int
	verifyRetries int

	maxVerifyRetries int
	retryPollMS      int
	isolation        IsolationLevel
	distributed      bool
}

// Config carries the two gbl_* tunables that govern replay bounds and
// inter-attempt jitter, plus the initial isolation level and
// distributed flag (both replaced by Reset).
type Config struct {
	MaxVerifyRetries int
	RetryPollMS      int
	Isolation        IsolationLevel
	Distributed      bool
}

// NewController builds a Controller bound to plugin for statement
// save/restore/destroy.
func NewController(plugin StatementPlugin, cfg Config) *Controller {
	return &Controller{
		plugin:           plugin,
		replay:           None,
		maxVerifyRetries: cfg.MaxVerifyRetries,
		retryPollMS:      cfg.RetryPollMS,
		isolation:        cfg.Isolation,
		distributed:      cfg.Distributed,
	}
}

// Mode reports the current replay mode.
func (c *Controller) Mode() Mode { return c.replay }

// Reset reconfigures the controller for a new top-level transaction:
// clears any stale statement history and adopts the transaction's
// isolation level and distributed-ness. A connection-scoped controller is
// reused across many transactions; each one starts with a clean replay
// history, per spec section 4.C.
func (c *Controller) Reset(isolation IsolationLevel, distributed bool) {
	c.history = nil
	c.replay = None
	c.verifyRetries = 0
	c.lastReplay = 0
	c.isolation = isolation
	c.distributed = distributed
}

// VerifyRetries reports how many replay attempts have been made so far.
func (c *Controller) VerifyRetries() int { return c.verifyRetries }

// AddQuery records stmt unless opts suppresses recording, or a replay is
// already in progress (history must not grow mid-replay). A commit
// statement (isCommit) must be the last entry at append time; appending
// after one is a programming error.
func (c *Controller) AddQuery(ctx context.Context, isCommit bool, opts AddQueryOptions) error {
	if opts.suppressed() {
		return nil
	}
	// A replay is in progress once Replay has started an attempt and not
	// yet returned the mode to None.
	if c.replay != None && c.verifyRetries > 0 {
		return nil
	}
	if n := len(c.history); n > 0 {
		if _, wasCommit := c.lastWasCommit(); wasCommit {
			return blockerr.New(blockerr.ErrInternal, "add_query after commit statement")
		}
	}

	stmt, err := c.plugin.SaveStmt(ctx)
	if err != nil {
		return fmt.Errorf("save_stmt: %w", err)
	}
	c.history = append(c.history, stmt)
	if c.replay == None {
		c.replay = Do
	}
	if isCommit {
		// lastReplay is the 1-based position of the commit statement;
		// 0 means no commit has been recorded.
		c.lastReplay = len(c.history)
	}
	return nil
}

func (c *Controller) lastWasCommit() (int, bool) {
	return c.lastReplay, c.lastReplay != 0 && c.lastReplay == len(c.history)
}

// DelLastQuery removes the most recently appended statement, destroying it
// through the plugin. Used when a statement that was provisionally
// recorded turns out not to belong in the replay set.
func (c *Controller) DelLastQuery(ctx context.Context) {
	n := len(c.history)
	if n == 0 {
		return
	}
	c.plugin.DestroyStmt(ctx, c.history[n-1])
	c.history = c.history[:n-1]
}

// ResetShadow is invoked once per replay attempt, before re-dispatch, to
// clear shadow-table state between iterations. The caller supplies the
// actual reset logic since shadow tables live outside this package; this
// hook only decides, from the isolation level, whether selectv recgenid
// tracking survives the reset.
type ResetShadow func(ctx context.Context, preserveSelectvRecgenid bool) error

// Dispatch re-executes a single saved statement during replay.
type Dispatch func(ctx context.Context, stmt Statement) error

// Replay re-dispatches the recorded statement history from the start,
// retrying on a verify conflict for up to maxVerifyRetries+1 total
// dispatches (original_source/db/osql_srs.c: verify_retries is incremented
// before each dispatch and forces LAST once it reaches maxVerifyRetries+1),
// whose final attempt's outcome is returned regardless of result. Any
// negative (non-logical) error aside from ErrVerify aborts the loop
// immediately.
func (c *Controller) Replay(ctx context.Context, reset ResetShadow, dispatch Dispatch) error {
	if len(c.history) == 0 {
		return nil
	}
	if !c.isolation.valid() {
		return blockerr.New(blockerr.ErrUnknownIsolation, "replay abort: unrecognized isolation level %d", c.isolation)
	}
	if c.replay == None {
		c.replay = Do
	}

	for {
		c.verifyRetries++
		if c.verifyRetries == c.maxVerifyRetries+1 {
			c.replay = Last
		}

		preserveSelectv := c.isolation == ReadCommitted
		if reset != nil {
			if err := reset(ctx, preserveSelectv); err != nil {
				c.replay = None
				return fmt.Errorf("reset shadow state: %w", err)
			}
		}

		var runErr error
		for _, stmt := range c.history {
			if err := c.plugin.RestoreStmt(ctx, stmt); err != nil {
				runErr = fmt.Errorf("restore_stmt: %w", err)
				break
			}
			if err := dispatch(ctx, stmt); err != nil {
				runErr = err
				break
			}
		}

		if runErr == nil {
			c.replay = None
			return nil
		}

		es, ok := blockerr.AsErrstat(runErr)
		isVerify := ok && es.Val == blockerr.ErrVerify
		if !isVerify || c.replay == Last {
			c.replay = None
			return runErr
		}

		if c.distributed && c.retryPollMS > 0 {
			if err := sleepJitter(ctx, c.retryPollMS); err != nil {
				c.replay = None
				return err
			}
		}
	}
}

// sleepJitter sleeps a random duration in [0, retryPollMS] milliseconds
// between replay attempts, per the distributed-retry jitter. The jitter
// itself is produced by a one-shot exponential backoff pinned to a flat
// window, the same pattern internal/blockproc uses for its deadlock-retry
// sleep, rather than a hand-rolled rand.Intn call. RandomizationFactor 1
// draws from [0, 2*InitialInterval], so the interval is half the window.
func sleepJitter(ctx context.Context, retryPollMS int) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(retryPollMS) * time.Millisecond / 2
	b.MaxInterval = b.InitialInterval
	b.RandomizationFactor = 1.0
	b.Multiplier = 1.0
	b.MaxElapsedTime = 0
	b.Reset()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(b.NextBackOff()):
		return nil
	}
}

// Destroy frees the recorded history, warning if replay had not already
// returned to None — a connection being torn down mid-replay, matching the
// source's warn-if-not invariant.
func (c *Controller) Destroy(ctx context.Context) {
	for _, stmt := range c.history {
		c.plugin.DestroyStmt(ctx, stmt)
	}
	c.history = nil
	if c.replay != None {
		logger.Warnf("srs controller destroyed while replay mode was %v, not NONE", c.replay)
		c.replay = None
	}
}
