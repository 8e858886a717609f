// Copyright (C) 2025 CloseOps (ops@closeops.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package mongodb

import (
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// =============================================================================
// Operation Record
// =============================================================================

// EffectiveUser is one {user, db} pair from an operation's
// effectiveUsers array.
type EffectiveUser struct {
	User string `bson:"user"`
	DB   string `bson:"db"`
}

// Operation is a snapshot of one in-flight server operation at query
// time.
//
// OpID is assigned by the server: an integer for single-node
// operations, a composite "shard:integer" string on routed
// deployments. It is unique within one query result but NOT stable
// across refresh cycles; every refresh is a full replacement snapshot,
// never a diff.
//
// Missing optional fields are normalized to zero values during
// decoding so the presentation layer never sees nulls.
type Operation struct {
	// OpID is the server-assigned operation identifier, stringified.
	OpID string

	// Type is the server-reported operation type ("op", "idleSession", ...).
	Type string

	// Host is the node the operation runs on.
	Host string

	// Desc is the server's description of the operation context.
	Desc string

	// Client is the client address; on routed deployments the
	// router-side address (client_s) is used when the direct one is
	// absent.
	Client string

	// Op is the operation kind: query, update, insert, remove, command.
	Op string

	// NS is the "database.collection" namespace string.
	NS string

	// SecsRunning is how long the operation has been running, seconds.
	SecsRunning int64

	// MicrosecsRunning is the same duration in microseconds.
	MicrosecsRunning int64

	// Active reports whether the operation is currently active.
	Active bool

	// Command is the opaque command payload. The core never interprets
	// it; the detail view renders it verbatim.
	Command bson.M

	// EffectiveUsers lists the users the operation runs as, possibly
	// empty.
	EffectiveUsers []EffectiveUser
}

// UserNames returns the effective user names joined with ", ",
// or "" when the list is empty.
func (o Operation) UserNames() string {
	if len(o.EffectiveUsers) == 0 {
		return ""
	}
	names := make([]string, 0, len(o.EffectiveUsers))
	for _, u := range o.EffectiveUsers {
		names = append(names, u.User)
	}
	return strings.Join(names, ", ")
}

// normalizeOperation maps one raw $currentOp document into an
// Operation. Absent or null fields default to empty-string, zero, or
// empty-list equivalents; decoding never fails.
func normalizeOperation(doc bson.M) Operation {
	op := Operation{
		OpID:             opidString(doc["opid"]),
		Type:             stringField(doc, "type"),
		Host:             stringField(doc, "host"),
		Desc:             stringField(doc, "desc"),
		Client:           stringField(doc, "client"),
		Op:               stringField(doc, "op"),
		NS:               stringField(doc, "ns"),
		SecsRunning:      int64Field(doc, "secs_running"),
		MicrosecsRunning: int64Field(doc, "microsecs_running"),
		Active:           boolField(doc, "active"),
		Command:          mapField(doc, "command"),
		EffectiveUsers:   usersField(doc, "effectiveUsers"),
	}
	if op.Client == "" {
		op.Client = stringField(doc, "client_s")
	}
	return op
}

// opidString renders the server's opid as a string regardless of the
// wire type. Single-node servers send an integer, routed deployments a
// "shard:integer" string.
func opidString(v any) string {
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return id
	case int32:
		return fmt.Sprintf("%d", id)
	case int64:
		return fmt.Sprintf("%d", id)
	case float64:
		return fmt.Sprintf("%d", int64(id))
	default:
		return fmt.Sprintf("%v", id)
	}
}

func stringField(doc bson.M, key string) string {
	if s, ok := doc[key].(string); ok {
		return s
	}
	return ""
}

func int64Field(doc bson.M, key string) int64 {
	switch n := doc[key].(type) {
	case int32:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	case int:
		return int64(n)
	default:
		return 0
	}
}

func boolField(doc bson.M, key string) bool {
	if b, ok := doc[key].(bool); ok {
		return b
	}
	return false
}

func mapField(doc bson.M, key string) bson.M {
	switch m := doc[key].(type) {
	case bson.M:
		return m
	case bson.D:
		return dToM(m)
	default:
		return bson.M{}
	}
}

func dToM(d bson.D) bson.M {
	out := make(bson.M, len(d))
	for _, e := range d {
		out[e.Key] = e.Value
	}
	return out
}

// usersField tolerates the array element shapes the driver can decode
// into: bson.M, bson.D, or already-typed maps.
func usersField(doc bson.M, key string) []EffectiveUser {
	raw, ok := doc[key].(bson.A)
	if !ok {
		return nil
	}
	users := make([]EffectiveUser, 0, len(raw))
	for _, entry := range raw {
		var m bson.M
		switch e := entry.(type) {
		case bson.M:
			m = e
		case bson.D:
			m = dToM(e)
		default:
			continue
		}
		users = append(users, EffectiveUser{
			User: stringField(m, "user"),
			DB:   stringField(m, "db"),
		})
	}
	return users
}

// =============================================================================
// Filters
// =============================================================================

// FilterSpec holds the per-field filter patterns from the filter bar.
// Absent or empty entries are excluded from query construction; they
// never become always-true or always-false predicates.
type FilterSpec struct {
	// OpID matches the operation id, case-insensitive regex.
	OpID string

	// Operation matches the op kind (query/update/insert/remove/command).
	Operation string

	// Namespace matches the "db.collection" namespace.
	Namespace string

	// Client matches either client-address representation (direct or
	// router-side) via logical OR.
	Client string

	// Desc matches the operation description.
	Desc string

	// EffectiveUsers matches any effective user name.
	EffectiveUsers string

	// RunningTime is a minimum-seconds threshold. It is applied only
	// when it is an all-digits string; anything else (including a
	// leading minus) is silently ignored.
	RunningTime string
}

// IsZero reports whether no filter field is set.
func (f FilterSpec) IsZero() bool {
	return f == FilterSpec{}
}

// =============================================================================
// Kill Results
// =============================================================================

// KillOutcome is the per-attempted-id result of one kill batch entry.
type KillOutcome struct {
	// OpID is the operation id this outcome refers to.
	OpID string

	// Killed reports whether the kill was issued and verified.
	Killed bool

	// Err carries the terminal error for this id, nil for a clean
	// false outcome (unverified or server-rejected kill).
	Err error
}

// KillReport aggregates a kill batch. Killed and Failed preserve the
// input order of the batch.
type KillReport struct {
	Killed   []string
	Failed   []string
	Outcomes []KillOutcome
}
