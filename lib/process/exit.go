// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// Exit codes. Scripts that restart the relay distinguish a
// configuration or compatibility problem (do not retry) from an
// ordinary runtime failure.
const (
	ExitFailure      = 1
	ExitUsage        = 2
	ExitIncompatible = 3
)

// ExitError carries an exit code alongside the error that caused it.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }

func (e *ExitError) Unwrap() error { return e.Err }

// WithCode wraps err so that Fatal exits with code.
func WithCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &ExitError{Code: code, Err: err}
}

// Code returns the exit code for err: the code of the outermost
// ExitError in its chain, or ExitFailure.
func Code(err error) int {
	var exitError *ExitError
	if errors.As(err, &exitError) {
		return exitError.Code
	}
	return ExitFailure
}

// Report writes "error: err" to w.
func Report(w io.Writer, err error) {
	fmt.Fprintf(w, "error: %v\n", err)
}

// Fatal writes "error: err" to stderr and exits with Code(err). Use it
// in main() for errors from run() where the structured logger may not
// be initialized.
func Fatal(err error) {
	Report(os.Stderr, err)
	os.Exit(Code(err))
}
