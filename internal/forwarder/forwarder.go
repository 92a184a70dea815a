/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package forwarder routes a batch to the cluster's current master when
// the local node is not master (spec section 4.F). It adapts the
// teacher's pkg/blockpipeline/receiver.go reconnect-with-backoff shape:
// where the teacher reconnects a long-running Sidecar stream, this
// package retries a single forwarded request against a possibly-moving
// master address, both driven by the same cenkalti/backoff/v4 library
// rather than a hand-rolled timer.
package forwarder

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mponomar/comdb2/internal/blockerr"
	"github.com/mponomar/comdb2/internal/blockproc"
	"github.com/mponomar/comdb2/internal/logging"
	"github.com/mponomar/comdb2/internal/resppack"
	"github.com/mponomar/comdb2/internal/wire"
)

var logger = logging.New("forwarder")

// Transport sends a wrapped request frame to addr and returns the
// response frame. It is the network boundary; this package owns only the
// wrap/retry/unwrap logic around it.
type Transport interface {
	Send(ctx context.Context, addr string, frame []byte) (response []byte, err error)
}

// MasterLocator resolves the cluster's current master node, and reports
// whether the local node is being rtcpu'd off while siblings remain
// connected (spec section 4.F / original_source's check_for_node_up).
type MasterLocator interface {
	CurrentMaster(ctx context.Context) (addr string, err error)
	// NodeGoingDown reports whether the local node has been told to
	// relinquish its role (rtcpu master-swing) while at least one
	// sibling is still reachable. A forwarder sitting on a node that is
	// itself going down must not keep retrying against it forever.
	NodeGoingDown(ctx context.Context) bool
}

// Config carries the forwarder's retry tunables.
type Config struct {
	MaxAttempts    int
	InitialBackoff int // milliseconds
	MaxBackoff     int // milliseconds
}

// DefaultConfig matches the original's gbl_forward_retries-style bound: a
// handful of attempts with a short capped backoff, since the client is
// already blocked waiting on this call.
var DefaultConfig = Config{MaxAttempts: 5, InitialBackoff: 10, MaxBackoff: 200}

// Forwarder implements blockproc.Forwarder by wrapping the batch's raw
// request frame in OpFwdBlock/OpFwdBlockLE and resending it to whichever
// node MasterLocator currently reports as master, retrying on transport
// failure with exponential backoff.
type Forwarder struct {
	transport Transport
	locator   MasterLocator
	cfg       Config
}

// New builds a Forwarder. cfg's zero value is not usable; callers without
// specific tuning should pass DefaultConfig.
func New(transport Transport, locator MasterLocator, cfg Config) *Forwarder {
	return &Forwarder{transport: transport, locator: locator, cfg: cfg}
}

var _ blockproc.Forwarder = (*Forwarder)(nil)

// Forward wraps batch.RawFrame and resends it to the current master,
// retrying address resolution and transport send together up to
// cfg.MaxAttempts times. RejectOnNodeDown is consulted first: a node mid
// rtcpu swing-off must not accept new forwarding work at all.
func (f *Forwarder) Forward(ctx context.Context, batch blockproc.Batch) (blockproc.Result, error) {
	if code, reject := f.RejectOnNodeDown(ctx); reject {
		return blockproc.Result{Code: code}, blockerr.New(code, "local node is being swung off as master candidate")
	}

	fwdOp := wire.OpFwdBlock
	if batch.Endianness == wire.LittleEndian {
		fwdOp = wire.OpFwdBlockLE
	}
	header := wire.EncodeHeader(wire.Header{Opcode: fwdOp, Length: uint32(len(batch.RawFrame))}, batch.Endianness)
	frame := append(header, batch.RawFrame...)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = msDuration(f.cfg.InitialBackoff)
	b.MaxInterval = msDuration(f.cfg.MaxBackoff)
	b.MaxElapsedTime = 0
	b.Reset()

	var lastErr error
	for attempt := 0; attempt < f.cfg.MaxAttempts; attempt++ {
		addr, err := f.locator.CurrentMaster(ctx)
		if err != nil {
			lastErr = fmt.Errorf("resolve master: %w", err)
		} else {
			resp, sendErr := f.transport.Send(ctx, addr, frame)
			if sendErr == nil {
				return decodeResponse(resp)
			}
			lastErr = fmt.Errorf("forward to %s: %w", addr, sendErr)
		}

		logger.Warnf("forward attempt %d/%d failed: %v", attempt+1, f.cfg.MaxAttempts, lastErr)
		select {
		case <-ctx.Done():
			return blockproc.Result{}, ctx.Err()
		case <-timerC(b.NextBackOff()):
		}
	}

	return blockproc.Result{Code: blockerr.ErrNoMaster}, blockerr.New(blockerr.ErrNoMaster, "exhausted %d forward attempts: %v", f.cfg.MaxAttempts, lastErr)
}

// RejectOnNodeDown implements the rtcpu master-swing rejection feature:
// when the local node is being told to give up master candidacy and a
// sibling is already reachable, new forwarding work is refused with
// RC_TRAN_CLIENT_RETRY so the client (not this node) retries against
// whichever node the cluster resolves to next.
func (f *Forwarder) RejectOnNodeDown(ctx context.Context) (blockerr.Code, bool) {
	if f.locator.NodeGoingDown(ctx) {
		return blockerr.RCTranClientRetry, true
	}
	return blockerr.RC_OK, false
}

func msDuration(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }

func timerC(d time.Duration) <-chan time.Time { return time.After(d) }

func decodeResponse(resp []byte) (blockproc.Result, error) {
	rspkl, err := resppack.DecodeRSPKL(resp)
	if err != nil {
		return blockproc.Result{}, err
	}
	code := blockerr.RC_OK
	if rspkl.Err != nil {
		code = rspkl.Err.Code
	}
	return blockproc.Result{RSPKL: rspkl, Code: code}, nil
}
