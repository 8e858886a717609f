// Copyright (C) 2025 CloseOps (ops@closeops.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package mongodb

import (
	"context"
	"strconv"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

// =============================================================================
// Pipeline Construction
// =============================================================================

// currentOpStage is the fixed $currentOp baseline: all users' active
// work, idle sessions included, idle connections/cursors, local-only
// ops and stack traces excluded. Not user-configurable.
func currentOpStage() bson.D {
	return bson.D{{Key: "$currentOp", Value: bson.D{
		{Key: "allUsers", Value: true},
		{Key: "idleConnections", Value: false},
		{Key: "idleCursors", Value: false},
		{Key: "idleSessions", Value: true},
		{Key: "localOps", Value: false},
		{Key: "backtrace", Value: false},
	}}}
}

// regexFilter builds a case-insensitive regex predicate on one field.
func regexFilter(field, pattern string) bson.D {
	return bson.D{{Key: field, Value: bson.D{
		{Key: "$regex", Value: pattern},
		{Key: "$options", Value: "i"},
	}}}
}

// hideSystemOpsClause excludes operations that are almost always
// monitor noise: system namespaces, no-op entries, the internal
// __system account, and cursor-bearing command operations (typically
// this tool's own polling).
func hideSystemOpsClause() bson.D {
	return bson.D{{Key: "$nor", Value: bson.A{
		regexFilter("ns", `^admin\.`),
		regexFilter("ns", `^config\.`),
		regexFilter("ns", `^local\.`),
		bson.D{{Key: "op", Value: "none"}},
		bson.D{{Key: "effectiveUsers.user", Value: "__system"}},
		bson.D{
			{Key: "op", Value: "command"},
			{Key: "command.cursor", Value: bson.D{{Key: "$exists", Value: true}}},
		},
	}}}
}

// isAllDigits reports whether s is non-empty and consists only of
// ASCII digits. A leading minus sign fails the check, so negative
// running-time filters stay silent no-ops.
func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// BuildPipeline constructs the $currentOp aggregation for the given
// namespace scope, system-ops setting, and filter set.
//
// The match stage is assembled in a fixed order:
// system-ops exclusion, namespace scope, per-field filters, then the
// mandatory active==true predicate. Absent or empty filter entries
// contribute no predicate at all. The aggregation form is used for
// both routed and single-node deployments; both support it.
func BuildPipeline(namespaceScope string, hideSystemOps bool, filters FilterSpec) mongo.Pipeline {
	var and bson.A

	if hideSystemOps {
		and = append(and, hideSystemOpsClause())
	}

	if namespaceScope != "" {
		and = append(and, regexFilter("ns", "^"+namespaceScope))
	}

	if filters.OpID != "" {
		and = append(and, regexFilter("opid", filters.OpID))
	}
	if filters.Operation != "" {
		and = append(and, regexFilter("op", filters.Operation))
	}
	if filters.Namespace != "" {
		and = append(and, regexFilter("ns", filters.Namespace))
	}
	if filters.Client != "" {
		// The client address lives in "client" on direct connections
		// and "client_s" behind a router; match either.
		and = append(and, bson.D{{Key: "$or", Value: bson.A{
			regexFilter("client", filters.Client),
			regexFilter("client_s", filters.Client),
		}}})
	}
	if filters.Desc != "" {
		and = append(and, regexFilter("desc", filters.Desc))
	}
	if filters.EffectiveUsers != "" {
		and = append(and, bson.D{{Key: "effectiveUsers", Value: bson.D{
			{Key: "$elemMatch", Value: regexFilter("user", filters.EffectiveUsers)},
		}}})
	}
	if isAllDigits(filters.RunningTime) {
		secs, _ := strconv.ParseInt(filters.RunningTime, 10, 64)
		and = append(and, bson.D{{Key: "secs_running", Value: bson.D{
			{Key: "$gte", Value: secs},
		}}})
	}

	and = append(and, bson.D{{Key: "active", Value: true}})

	return mongo.Pipeline{
		currentOpStage(),
		bson.D{{Key: "$match", Value: bson.D{{Key: "$and", Value: and}}}},
	}
}

// =============================================================================
// Query Execution
// =============================================================================

// ListOperations returns the current in-flight operations matching the
// configured scope plus the given filters, normalized into Operation
// records.
//
// It runs on the secondary-preferred read path. An empty result means
// zero operations matched; execution failures are returned as
// *OperationError and never collapsed into an empty slice.
func (m *Manager) ListOperations(ctx context.Context, filters FilterSpec) ([]Operation, error) {
	if m.read == nil {
		return nil, &OperationError{Op: "listOperations", Err: ErrNotConnected}
	}

	pipeline := BuildPipeline(m.cfg.NamespaceScope, m.cfg.HideSystemOps, filters)

	docs, err := m.read.Aggregate(ctx, pipeline)
	if err != nil {
		m.log.Error("listOperations failed", "error", err.Error())
		return nil, &OperationError{Op: "listOperations", Err: err}
	}

	ops := make([]Operation, 0, len(docs))
	for _, doc := range docs {
		ops = append(ops, normalizeOperation(doc))
	}
	return ops, nil
}
