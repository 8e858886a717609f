// Copyright (C) 2025 CloseOps (ops@closeops.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package mongodb

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

// =============================================================================
// Configuration
// =============================================================================

// KillConfig configures the kill-and-verify protocol.
type KillConfig struct {
	// MaxRetries is the maximum number of kill attempts (including the
	// initial one). Values below 1 are clamped to 1.
	// Default: 2
	MaxRetries int

	// VerifyTimeout bounds the post-kill existence polling window per
	// attempt. Non-positive values fall back to the default.
	// Default: 5s
	VerifyTimeout time.Duration

	// PollInterval is the pause between existence checks during
	// verification.
	// Default: 500ms
	PollInterval time.Duration

	// BackoffUnit is the base of the exponential backoff between
	// attempts; attempt n sleeps BackoffUnit * 2^n.
	// Default: 1s
	BackoffUnit time.Duration
}

// DefaultKillConfig returns the defaults for the kill protocol.
func DefaultKillConfig() KillConfig {
	return KillConfig{
		MaxRetries:    2,
		VerifyTimeout: 5 * time.Second,
		PollInterval:  500 * time.Millisecond,
		BackoffUnit:   time.Second,
	}
}

func (c KillConfig) normalized() KillConfig {
	if c.MaxRetries < 1 {
		c.MaxRetries = 1
	}
	if c.VerifyTimeout <= 0 {
		c.VerifyTimeout = 5 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.BackoffUnit <= 0 {
		c.BackoffUnit = time.Second
	}
	return c
}

// =============================================================================
// Kill Command
// =============================================================================

// killStatus is the structured result of one killOp command call. The
// composite-id fallback is a branch on this status, not a caught
// exception.
type killStatus int

const (
	// killOK: the server accepted the kill.
	killOK killStatus = iota

	// killRejected: the server answered with a non-ok status.
	killRejected

	// killTypeMismatch: the command failed because the opid type did
	// not match what this node expects (composite id on a shard).
	killTypeMismatch

	// killError: any other command failure.
	killError
)

// normalizeOpID prepares an opid string for the killOp command: a
// trimmed all-digits string becomes an integer, anything else (a
// composite "shard:n" id, or a string with a leading minus) is passed
// through whole.
func normalizeOpID(opid string) any {
	if !strings.Contains(opid, ":") && isAllDigits(opid) {
		n, err := strconv.ParseInt(opid, 10, 64)
		if err == nil {
			return n
		}
	}
	return opid
}

// splitShardOpID extracts the numeric suffix of a composite
// "shard:number" id. ok is false when the id is not composite or the
// suffix is not numeric.
func splitShardOpID(opid string) (numeric string, ok bool) {
	_, suffix, found := strings.Cut(opid, ":")
	if !found || !isAllDigits(suffix) {
		return "", false
	}
	return suffix, true
}

// isTypeMismatch reports whether a command error is the
// type-mismatch class that signals a composite opid hitting a node
// that wants the bare integer.
func isTypeMismatch(err error) bool {
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		if cmdErr.Name == "TypeMismatch" || cmdErr.Code == 14 {
			return true
		}
	}
	return strings.Contains(err.Error(), "TypeMismatch")
}

// okValue reads the numeric "ok" field of a command reply.
func okValue(reply bson.M) bool {
	switch v := reply["ok"].(type) {
	case float64:
		return v == 1
	case int32:
		return v == 1
	case int64:
		return v == 1
	default:
		return false
	}
}

// issueKill runs one killOp command on the primary path and maps the
// outcome onto a killStatus.
func (m *Manager) issueKill(ctx context.Context, target any) (killStatus, error) {
	reply, err := m.write.RunCommand(ctx, bson.D{
		{Key: "killOp", Value: 1},
		{Key: "op", Value: target},
	})
	if err != nil {
		if isTypeMismatch(err) {
			return killTypeMismatch, err
		}
		return killError, err
	}
	if !okValue(reply) {
		errmsg := stringField(reply, "errmsg")
		return killRejected, fmt.Errorf("%w: %s", ErrKillRejected, errmsg)
	}
	return killOK, nil
}

// =============================================================================
// Kill Coordinator
// =============================================================================

// KillOperation terminates one in-flight operation and verifies the
// kill took effect.
//
// Outcomes:
//   - (true, nil): the kill was issued and the operation verifiably
//     disappeared within the verification window.
//   - (false, nil): empty opid, a server-rejected kill, or an
//     operation that never died within the window across all attempts.
//     This is a reported outcome, not an error.
//   - (false, *OperationError): a genuine command failure after
//     exhausting the retry budget.
//
// Composite "shard:number" ids are passed whole on the first attempt;
// a type-mismatch reply triggers one dedicated fallback recursion with
// the numeric suffix, carrying forward the remaining retry budget.
func (m *Manager) KillOperation(ctx context.Context, opid string, cfg KillConfig) (bool, error) {
	opid = strings.TrimSpace(opid)
	if opid == "" {
		m.log.Error("cannot kill operation with empty opid")
		return false, nil
	}
	if m.write == nil {
		return false, &OperationError{Op: "killOp", OpID: opid, Err: ErrNotConnected}
	}

	cfg = cfg.normalized()
	target := normalizeOpID(opid)

	var lastErr error
	for attempt := 0; attempt < cfg.MaxRetries; attempt++ {
		status, err := m.issueKill(ctx, target)

		switch status {
		case killOK:
			if m.verifyKilled(ctx, opid, cfg) {
				m.log.Info("successfully killed and verified operation", "opid", opid)
				return true, nil
			}
			m.log.Warn("operation still exists after kill attempt",
				"opid", opid, "attempt", attempt+1)
			lastErr = nil

		case killRejected:
			m.log.Error("killOp rejected", "opid", opid, "error", err.Error())
			return false, nil

		case killTypeMismatch:
			if numeric, ok := splitShardOpID(opid); ok {
				m.log.Info("retrying kill with numeric part of sharded operation",
					"opid", opid, "numeric", numeric)
				rest := cfg
				rest.MaxRetries = cfg.MaxRetries - attempt
				return m.KillOperation(ctx, numeric, rest)
			}
			// Not a composite id: treat like any other command error.
			fallthrough

		case killError:
			m.log.Error("kill attempt failed",
				"opid", opid, "attempt", attempt+1, "error", err.Error())
			lastErr = err
			if attempt == cfg.MaxRetries-1 {
				return false, &OperationError{
					Op: "killOp", OpID: opid, Attempts: cfg.MaxRetries, Err: err,
				}
			}
		}

		if attempt < cfg.MaxRetries-1 {
			if err := sleepCtx(ctx, cfg.BackoffUnit<<attempt); err != nil {
				return false, err
			}
		}
	}

	m.log.Error("failed to kill operation",
		"opid", opid, "attempts", cfg.MaxRetries)
	if lastErr != nil {
		return false, &OperationError{
			Op: "killOp", OpID: opid, Attempts: cfg.MaxRetries, Err: lastErr,
		}
	}
	return false, nil
}

// verifyKilled polls for the operation's existence until it disappears
// or the verification window elapses. Poll errors are logged and do
// not end the window early; the next check may still succeed.
func (m *Manager) verifyKilled(ctx context.Context, opid string, cfg KillConfig) bool {
	start := time.Now()
	for {
		ops, err := m.ListOperations(ctx, FilterSpec{})
		if err != nil {
			m.log.Warn("existence check failed during kill verification",
				"opid", opid, "error", err.Error())
		} else if !operationExists(ops, opid) {
			return true
		}

		remaining := cfg.VerifyTimeout - time.Since(start)
		if remaining <= 0 {
			return false
		}
		pause := cfg.PollInterval
		if pause > remaining {
			pause = remaining
		}
		if sleepCtx(ctx, pause) != nil {
			return false
		}
	}
}

func operationExists(ops []Operation, opid string) bool {
	for _, op := range ops {
		if op.OpID == opid {
			return true
		}
	}
	return false
}

// sleepCtx pauses without blocking the scheduler, honoring context
// cancellation.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// =============================================================================
// Batch Semantics
// =============================================================================

// KillMany attempts each opid independently, in input order. One id's
// failure never aborts the rest; errors are captured per id. The
// report's Killed and Failed lists preserve input order.
func (m *Manager) KillMany(ctx context.Context, opids []string, cfg KillConfig) KillReport {
	report := KillReport{
		Outcomes: make([]KillOutcome, 0, len(opids)),
	}
	for _, opid := range opids {
		killed, err := m.KillOperation(ctx, opid, cfg)
		report.Outcomes = append(report.Outcomes, KillOutcome{
			OpID:   opid,
			Killed: killed,
			Err:    err,
		})
		if killed {
			report.Killed = append(report.Killed, opid)
		} else {
			report.Failed = append(report.Failed, opid)
		}
	}
	return report
}
