// Copyright 2021 TiKV Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package txncoorderr defines the typed errors surfaced by the transaction
// coordinator (see spec §7). Local-recovery errors (RegionSplit,
// CommitTsExpired) are handled inside the retry engine and normally never
// escape to a caller; the rest are terminal for the current statement.
package txncoorderr

import (
	stderrors "errors"
	"fmt"

	"github.com/pkg/errors"
)

// ErrWriteConflict is returned when an optimistic prewrite collides with a
// lock or a newer commit on the same key.
type ErrWriteConflict struct {
	StartTS    uint64
	ConflictTS uint64
	Key        []byte
}

func (e *ErrWriteConflict) Error() string {
	return fmt.Sprintf("write conflict: txnStartTS=%d conflictTS=%d key=%x", e.StartTS, e.ConflictTS, e.Key)
}

// NewErrWriteConflict wraps the error with a stack trace at the call site,
// matching the teacher's errors.WithStack idiom.
func NewErrWriteConflict(startTS, conflictTS uint64, key []byte) error {
	return errors.WithStack(&ErrWriteConflict{StartTS: startTS, ConflictTS: conflictTS, Key: key})
}

// ErrKeyExist is DuplicateEntry (§7.2): a unique constraint or
// check-not-exists mutation was violated.
type ErrKeyExist struct {
	Key []byte
}

func (e *ErrKeyExist) Error() string {
	return fmt.Sprintf("duplicate entry for key %x", e.Key)
}

// NewErrKeyExist wraps the error with a stack trace.
func NewErrKeyExist(key []byte) error {
	return errors.WithStack(&ErrKeyExist{Key: key})
}

// ErrLockTimeout is returned when a pessimistic lock or a table lock wait
// exceeds its configured deadline (§7.3).
type ErrLockTimeout struct {
	TimeoutMs int64
	Key       []byte
}

func (e *ErrLockTimeout) Error() string {
	return "Lock wait timeout exceeded"
}

// NewErrLockTimeout wraps the error with a stack trace.
func NewErrLockTimeout(timeoutMs int64, key []byte) error {
	return errors.WithStack(&ErrLockTimeout{TimeoutMs: timeoutMs, Key: key})
}

// ErrCancelled is returned when an operator kill (§4.6) aborts a statement
// or its owning transaction (§7.4).
var ErrCancelled = errors.New("transaction cancelled")

// ErrTxnStateError is a programmer-error guard: the caller invoked an
// operation from a state that does not permit it (e.g. commit from a
// state other than START, §7.5). It should never be retried.
type ErrTxnStateError struct {
	Op    string
	State string
}

func (e *ErrTxnStateError) Error() string {
	return fmt.Sprintf("invalid transaction state for %s: %s", e.Op, e.State)
}

// NewErrTxnStateError wraps the error with a stack trace.
func NewErrTxnStateError(op, state string) error {
	return errors.WithStack(&ErrTxnStateError{Op: op, State: state})
}

// ErrStoreUnavailable is surfaced after a non-retriable RPC failure, or
// after local-recovery retries (§4.7) are exhausted (§7.6).
type ErrStoreUnavailable struct {
	Cause error
}

func (e *ErrStoreUnavailable) Error() string {
	return fmt.Sprintf("store unavailable: %v", e.Cause)
}

func (e *ErrStoreUnavailable) Unwrap() error { return e.Cause }

// NewErrStoreUnavailable wraps the error with a stack trace.
func NewErrStoreUnavailable(cause error) error {
	return errors.WithStack(&ErrStoreUnavailable{Cause: cause})
}

// ErrRegionSplit signals that the store's region/partition table changed
// mid-RPC (§4.7); the retry engine re-resolves the partition and retries
// without counting against any bound other than the operation deadline.
type ErrRegionSplit struct {
	Key []byte
}

func (e *ErrRegionSplit) Error() string {
	return fmt.Sprintf("region split for key %x", e.Key)
}

// NewErrRegionSplit wraps the error with a stack trace.
func NewErrRegionSplit(key []byte) error {
	return errors.WithStack(&ErrRegionSplit{Key: key})
}

// ErrCommitTsExpired means the commit-ts computed before the RPC is no
// longer usable by the time the store evaluated it (§4.7); the retry
// engine refreshes commit_ts from the TSO and retries, bounded by
// lock_timeout.
type ErrCommitTsExpired struct {
	AttemptedCommitTS uint64
	MinCommitTS       uint64
}

func (e *ErrCommitTsExpired) Error() string {
	return fmt.Sprintf("commit ts %d expired, min commit ts is %d", e.AttemptedCommitTS, e.MinCommitTS)
}

// NewErrCommitTsExpired wraps the error with a stack trace.
func NewErrCommitTsExpired(attempted, min uint64) error {
	return errors.WithStack(&ErrCommitTsExpired{AttemptedCommitTS: attempted, MinCommitTS: min})
}

// As* helpers let the retry engine (txnkv/txn/retry.go) classify an error
// without a chain of type switches spread across call sites.

// AsWriteConflict reports whether err is (or wraps) an ErrWriteConflict.
func AsWriteConflict(err error) (*ErrWriteConflict, bool) {
	var e *ErrWriteConflict
	return e, stderrors.As(err, &e)
}

// AsKeyExist reports whether err is (or wraps) an ErrKeyExist.
func AsKeyExist(err error) (*ErrKeyExist, bool) {
	var e *ErrKeyExist
	return e, stderrors.As(err, &e)
}

// AsLockTimeout reports whether err is (or wraps) an ErrLockTimeout.
func AsLockTimeout(err error) (*ErrLockTimeout, bool) {
	var e *ErrLockTimeout
	return e, stderrors.As(err, &e)
}

// AsRegionSplit reports whether err is (or wraps) an ErrRegionSplit.
func AsRegionSplit(err error) (*ErrRegionSplit, bool) {
	var e *ErrRegionSplit
	return e, stderrors.As(err, &e)
}

// AsCommitTsExpired reports whether err is (or wraps) an ErrCommitTsExpired.
func AsCommitTsExpired(err error) (*ErrCommitTsExpired, bool) {
	var e *ErrCommitTsExpired
	return e, stderrors.As(err, &e)
}
