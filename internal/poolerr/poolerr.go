// Copyright 2025 Google LLC
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

// Package poolerr defines the error taxonomy every extentpool operation
// returns through, so callers can branch on what went wrong (retry an IO
// error, surface Corruption to an operator, report NotFound up to a POSIX
// errno) without string-matching error messages.
package poolerr

import (
	"errors"
	"fmt"
)

// Kind classifies why an operation failed.
type Kind string

const (
	// IO covers read/write/fsync failures talking to a disk.
	IO Kind = "io"
	// Checksum means a fragment's content did not hash to its recorded
	// checksum.
	Checksum Kind = "checksum"
	// InsufficientCapacity means no combination of healthy disks has
	// enough free space to place an extent's fragments.
	InsufficientCapacity Kind = "insufficient_capacity"
	// InsufficientRedundancy means fewer surviving fragments remain than
	// a policy's decode requires (replication: zero copies; erasure
	// coding: fewer than k shards).
	InsufficientRedundancy Kind = "insufficient_redundancy"
	// Unsupported means the request is well-formed but this pool does
	// not implement it (e.g. an unknown redundancy policy).
	Unsupported Kind = "unsupported"
	// NotFound means the named inode, extent, or disk does not exist.
	NotFound Kind = "not_found"
	// Conflict means the request clashes with existing state: a name
	// already taken in a directory, or a directory that is not empty.
	Conflict Kind = "conflict"
	// Corruption means on-disk metadata was structurally invalid
	// (malformed record, broken transaction chain) rather than merely
	// checksum-mismatched.
	Corruption Kind = "corruption"
)

// Error pairs a Kind with the operation that produced it and, usually, an
// underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err (which may be nil) as a Kind-classified Error attributed to
// op.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err is, or wraps, a poolerr.Error of the given Kind.
func Is(err error, kind Kind) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind == kind
	}
	return false
}
