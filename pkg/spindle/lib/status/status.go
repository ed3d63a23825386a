// Copyright 2026 Spindle ML, Inc.
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

// Package status carries the error taxonomy used across the dispatch core.
//
// Errors are gRPC-coded: the execution engines speak the same code space as
// the runtime daemon they front, so codes survive the trip through the device
// layer unchanged. Aborted is special: it marks best-effort steps whose
// failure must not fail the whole call (see IgnoreAborted).
package status

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// Error is a gRPC-coded error produced by the dispatch core. It wraps an
// optional cause so errors.Is/As keep working through it.
type Error struct {
	code  codes.Code
	msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.cause)
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.cause }

// GRPCStatus makes Error interoperate with google.golang.org/grpc/status.
func (e *Error) GRPCStatus() *grpcstatus.Status {
	return grpcstatus.New(e.code, e.Error())
}

func newf(code codes.Code, format string, args ...any) error {
	return &Error{code: code, msg: fmt.Sprintf(format, args...)}
}

// InvalidArgumentf reports a caller-supplied shape/count mismatch or a
// malformed batch-axis configuration.
func InvalidArgumentf(format string, args ...any) error {
	return newf(codes.InvalidArgument, format, args...)
}

// FailedPreconditionf reports inconsistent descriptor metadata.
func FailedPreconditionf(format string, args ...any) error {
	return newf(codes.FailedPrecondition, format, args...)
}

// Internalf reports an invariant violation inside the core (buffer-size
// mismatch against the descriptor, queue-length races, zero inferred batch).
func Internalf(format string, args ...any) error {
	return newf(codes.Internal, format, args...)
}

// Abortedf reports a best-effort step failure that callers may swallow.
func Abortedf(format string, args ...any) error {
	return newf(codes.Aborted, format, args...)
}

// Unavailablef reports an engine that cannot currently serve.
func Unavailablef(format string, args ...any) error {
	return newf(codes.Unavailable, format, args...)
}

// WrapAborted tags err as aborted without losing the cause.
func WrapAborted(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{code: codes.Aborted, msg: msg, cause: err}
}

// Code extracts the gRPC code from err, unwrapping as needed. Plain errors
// map to Unknown; nil maps to OK.
func Code(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.code
	}
	if s, ok := grpcstatus.FromError(err); ok {
		return s.Code()
	}
	return codes.Unknown
}

// IsAborted reports whether err carries the Aborted code.
func IsAborted(err error) bool { return Code(err) == codes.Aborted }

// IgnoreAborted passes every error through except Aborted, which it drops.
// Best-effort submit/teardown steps use this so that a degraded side channel
// does not fail an otherwise healthy inference; anything else short-circuits
// the call unchanged.
func IgnoreAborted(err error) error {
	if IsAborted(err) {
		return nil
	}
	return err
}
