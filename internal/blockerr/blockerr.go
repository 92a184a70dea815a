/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package blockerr holds the closed set of exit codes the block processor
// surfaces to clients, plus the errstat structure that carries a code
// alongside a human-readable reason.
package blockerr

import "fmt"

// Code is one of the exit codes a transaction batch can complete with.
// The numeric values are part of the wire contract and must never be
// renumbered once assigned.
type Code int32

const (
	RC_OK Code = 0

	ErrBadReq            Code = 1
	ErrInternal          Code = 2
	ErrNoMaster          Code = 3
	ErrRejected          Code = 4
	ErrIncoherent        Code = 5
	ErrVerify            Code = 6
	ErrNotSerial         Code = 7
	ErrConstr            Code = 8
	ErrNullConstraint    Code = 9
	ErrConvertDta        Code = 10
	ErrConvertIx         Code = 11
	ErrUncommittableTxn  Code = 12
	ErrDistAbort         Code = 13
	ErrNoRecordsFound    Code = 14
	ErrSQLPrep           Code = 15
	ErrSC                Code = 16
	ErrTranTooBig        Code = 17
	ErrNotDurable        Code = 18
	ErrBlockFailed       Code = 19
	ErrBlobTooLarge      Code = 20
	// ErrUnknownIsolation surfaces a replay abort against an isolation
	// level outside the closed IsolationLevel set — a programming error,
	// not a client-retryable condition.
	ErrUnknownIsolation  Code = 21

	// RCTranClientRetry tells the client the submission is safe to retry
	// verbatim: nothing committed.
	RCTranClientRetry Code = 200
	// RCInternalRetry signals a deadlock: the caller should restore its
	// request buffer and resubmit without involving the client.
	RCInternalRetry Code = 201
	// RCInternalForward signals that this node is not master and the
	// request was handed to the forwarder.
	RCInternalForward Code = 202
)

func (c Code) String() string {
	switch c {
	case RC_OK:
		return "RC_OK"
	case ErrBadReq:
		return "ERR_BADREQ"
	case ErrInternal:
		return "ERR_INTERNAL"
	case ErrNoMaster:
		return "ERR_NOMASTER"
	case ErrRejected:
		return "ERR_REJECTED"
	case ErrIncoherent:
		return "ERR_INCOHERENT"
	case ErrVerify:
		return "ERR_VERIFY"
	case ErrNotSerial:
		return "ERR_NOTSERIAL"
	case ErrConstr:
		return "ERR_CONSTR"
	case ErrNullConstraint:
		return "ERR_NULL_CONSTRAINT"
	case ErrConvertDta:
		return "ERR_CONVERT_DTA"
	case ErrConvertIx:
		return "ERR_CONVERT_IX"
	case ErrUncommittableTxn:
		return "ERR_UNCOMMITTABLE_TXN"
	case ErrDistAbort:
		return "ERR_DIST_ABORT"
	case ErrNoRecordsFound:
		return "ERR_NO_RECORDS_FOUND"
	case ErrSQLPrep:
		return "ERR_SQL_PREP"
	case ErrSC:
		return "ERR_SC"
	case ErrTranTooBig:
		return "ERR_TRAN_TOO_BIG"
	case ErrNotDurable:
		return "ERR_NOT_DURABLE"
	case ErrBlockFailed:
		return "ERR_BLOCK_FAILED"
	case ErrBlobTooLarge:
		return "ERR_BLOB_TOO_LARGE"
	case ErrUnknownIsolation:
		return "ERR_UNKNOWN_ISOLATION"
	case RCTranClientRetry:
		return "RC_TRAN_CLIENT_RETRY"
	case RCInternalRetry:
		return "RC_INTERNAL_RETRY"
	case RCInternalForward:
		return "RC_INTERNAL_FORWARD"
	default:
		return fmt.Sprintf("RC_UNKNOWN(%d)", int32(c))
	}
}

// Errstat is the structured failure surface a transaction completes with:
// a code plus a free-form reason, mirroring the iq->errstat{val, str} pair.
type Errstat struct {
	Val Code
	Str string
}

func (e *Errstat) Error() string {
	if e.Str == "" {
		return e.Val.String()
	}
	return fmt.Sprintf("%s: %s", e.Val, e.Str)
}

// New builds an *Errstat satisfying the error interface.
func New(val Code, format string, args ...any) *Errstat {
	return &Errstat{Val: val, Str: fmt.Sprintf(format, args...)}
}

// AsErrstat unwraps err into an *Errstat if that's what it (or something it
// wraps) is; callers use this to read a Code off an arbitrary error.
func AsErrstat(err error) (*Errstat, bool) {
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		if es, ok := err.(*Errstat); ok {
			return es, true
		}
		u, ok := err.(unwrapper)
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}

// structuralAllowList is the fixed set of "structural" errors the 2PC
// coordinator passes through unchanged on abort; everything else is
// rewritten to ErrBlockFailed, per the should_rewrite_rcode policy.
// Rewrite returns the bare ErrBlockFailed: the original code is not kept
// in its result.
var structuralAllowList = map[Code]bool{
	ErrNoRecordsFound:   true,
	ErrConvertDta:       true,
	ErrNullConstraint:   true,
	ErrSQLPrep:          true,
	ErrConstr:           true,
	ErrUncommittableTxn: true,
	ErrNoMaster:         true,
	ErrNotSerial:        true,
	ErrDistAbort:        true,
	ErrSC:               true,
	ErrTranTooBig:       true,
}

// ShouldRewrite reports whether a 2PC abort outcome with this code must be
// rewritten to ErrBlockFailed rather than surfaced as-is.
func ShouldRewrite(c Code) bool {
	return !structuralAllowList[c]
}

// Rewrite applies the 2PC rc-rewrite policy to an abort outcome.
func Rewrite(c Code) Code {
	if !ShouldRewrite(c) {
		return c
	}
	return ErrBlockFailed
}

// Retryable reports whether the client can safely resubmit the identical
// batch without risk of double effect — used to decide whether a blockseq
// entry must be persisted on failure (§7: conflict errors the client can
// retry bypass blockseq).
func Retryable(c Code) bool {
	switch c {
	case RCTranClientRetry, RCInternalRetry, ErrNotDurable, ErrIncoherent, ErrNoMaster, ErrRejected:
		return true
	default:
		return false
	}
}

// Fatal reports whether c represents a broken invariant that must not be
// retried and must not be written to blockseq (§7: "fatal ... process
// aborts" in the original; here it surfaces as a hard error instead of
// killing the process, since a library must never unilaterally exit).
func Fatal(c Code) bool {
	return c == ErrInternal
}
