// Copyright (C) 2025 CloseOps (ops@closeops.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package mongodb implements the operation lifecycle core of mongoops:
// connection management, the filtered $currentOp query engine, and the
// kill-and-verify coordinator.
//
// # Design Principles
//
// The package is stateless between calls except for the held driver
// connection. Read commands prefer a secondary, kill commands always
// target a primary-capable path. Every query response is a full
// replacement snapshot; records are never diffed across refreshes.
//
// # Thread Safety
//
// Manager is safe for concurrent use: the read path (ListOperations)
// and the write path (KillOperation) are independent and may be in
// flight at the same time. Callers are responsible for not issuing two
// concurrent kill batches against overlapping opids.
package mongodb

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for connection and command handling.
var (
	// ErrNotConnected is returned when an operation is attempted on a
	// closed or never-connected Manager.
	ErrNotConnected = errors.New("not connected to MongoDB")

	// ErrKillRejected is recorded when the server answers a killOp
	// command with a non-ok status. It is reported through a false
	// outcome, never raised to callers.
	ErrKillRejected = errors.New("killOp reported non-ok status")
)

// ConnectionError indicates the administrative connection could not be
// established or verified (auth failure, refused connection, timeout).
//
// It is fatal to the current connection attempt: callers must not
// proceed to query or kill operations after receiving one.
type ConnectionError struct {
	// Op is the connection step that failed ("connect", "ping", ...).
	Op string

	// Err is the underlying driver error.
	Err error
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to connect to MongoDB (%s): %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Hint classifies common connection failures into an actionable
// message for the startup error path. Returns "" when no specific
// advice applies.
func (e *ConnectionError) Hint() string {
	msg := ""
	if e.Err != nil {
		msg = e.Err.Error()
	}
	switch {
	case strings.Contains(msg, "auth error") || strings.Contains(msg, "Authentication failed"):
		return "Authentication failed. Please check your username and password."
	case strings.Contains(msg, "connection refused"):
		return "Could not connect to the MongoDB server. Verify the host and port are correct and the server is running."
	case strings.Contains(msg, "timed out") || strings.Contains(msg, "deadline exceeded"):
		return "Connection timed out. Check your network connection and the MongoDB server status."
	default:
		return ""
	}
}

// OperationError indicates a query or kill command failed after all
// applicable retries. It is recoverable at the presentation layer and
// must never be collapsed into an empty or false result.
type OperationError struct {
	// Op names the failed operation ("listOperations", "killOp").
	Op string

	// OpID is the targeted operation id, empty for queries.
	OpID string

	// Attempts is the number of attempts made, zero when not retried.
	Attempts int

	// Err is the last underlying error.
	Err error
}

// Error implements the error interface.
func (e *OperationError) Error() string {
	if e.OpID != "" {
		return fmt.Sprintf("failed to kill operation %s after %d attempts: %v", e.OpID, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *OperationError) Unwrap() error {
	return e.Err
}
