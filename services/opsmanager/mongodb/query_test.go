// Copyright (C) 2025 CloseOps (ops@closeops.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package mongodb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

// matchAnd extracts the $and predicate list from a built pipeline.
func matchAnd(t *testing.T, p mongo.Pipeline) bson.A {
	t.Helper()
	require.Len(t, p, 2, "pipeline must be $currentOp + $match")

	matchStage := p[1]
	require.Equal(t, "$match", matchStage[0].Key)

	match, ok := matchStage[0].Value.(bson.D)
	require.True(t, ok, "$match value must be bson.D")
	require.Equal(t, "$and", match[0].Key)

	and, ok := match[0].Value.(bson.A)
	require.True(t, ok, "$and value must be bson.A")
	return and
}

// hasRunningTimePredicate reports whether any predicate constrains
// secs_running.
func hasRunningTimePredicate(and bson.A) (bool, int64) {
	for _, clause := range and {
		d, ok := clause.(bson.D)
		if !ok || len(d) == 0 || d[0].Key != "secs_running" {
			continue
		}
		gte := d[0].Value.(bson.D)
		return true, gte[0].Value.(int64)
	}
	return false, 0
}

func TestBuildPipeline_CurrentOpBaseline(t *testing.T) {
	p := BuildPipeline("", false, FilterSpec{})
	require.NotEmpty(t, p)

	stage := p[0]
	require.Equal(t, "$currentOp", stage[0].Key)

	args, ok := stage[0].Value.(bson.D)
	require.True(t, ok)
	assert.Equal(t, bson.D{
		{Key: "allUsers", Value: true},
		{Key: "idleConnections", Value: false},
		{Key: "idleCursors", Value: false},
		{Key: "idleSessions", Value: true},
		{Key: "localOps", Value: false},
		{Key: "backtrace", Value: false},
	}, args)
}

func TestBuildPipeline_RunningTime(t *testing.T) {
	t.Run("absent means no predicate", func(t *testing.T) {
		and := matchAnd(t, BuildPipeline("", false, FilterSpec{}))
		has, _ := hasRunningTimePredicate(and)
		assert.False(t, has)
	})

	t.Run("empty string means no predicate", func(t *testing.T) {
		and := matchAnd(t, BuildPipeline("", false, FilterSpec{RunningTime: ""}))
		has, _ := hasRunningTimePredicate(and)
		assert.False(t, has)
	})

	t.Run("non-numeric is silently ignored", func(t *testing.T) {
		and := matchAnd(t, BuildPipeline("", false, FilterSpec{RunningTime: "abc"}))
		has, _ := hasRunningTimePredicate(and)
		assert.False(t, has)
	})

	t.Run("negative is silently ignored", func(t *testing.T) {
		// A leading minus fails the all-digits check; this exact
		// behavior is relied upon by callers that pass raw input.
		and := matchAnd(t, BuildPipeline("", false, FilterSpec{RunningTime: "-5"}))
		has, _ := hasRunningTimePredicate(and)
		assert.False(t, has)
	})

	t.Run("zero builds a gte-zero predicate", func(t *testing.T) {
		and := matchAnd(t, BuildPipeline("", false, FilterSpec{RunningTime: "0"}))
		has, secs := hasRunningTimePredicate(and)
		assert.True(t, has)
		assert.Equal(t, int64(0), secs)
	})

	t.Run("threshold value is carried through", func(t *testing.T) {
		and := matchAnd(t, BuildPipeline("", false, FilterSpec{RunningTime: "30"}))
		has, secs := hasRunningTimePredicate(and)
		assert.True(t, has)
		assert.Equal(t, int64(30), secs)
	})
}

func TestBuildPipeline_ActiveAlwaysLast(t *testing.T) {
	specs := []FilterSpec{
		{},
		{OpID: "123", Operation: "update", Client: "10\\.0"},
		{RunningTime: "10", EffectiveUsers: "alice"},
	}
	for _, spec := range specs {
		and := matchAnd(t, BuildPipeline("mydb", true, spec))
		last, ok := and[len(and)-1].(bson.D)
		require.True(t, ok)
		assert.Equal(t, bson.D{{Key: "active", Value: true}}, last)
	}
}

func TestBuildPipeline_EmptyFiltersContributeNothing(t *testing.T) {
	// No scope, no system-ops hiding, no filters: active is the only
	// predicate. Empty entries must never become always-true or
	// always-false predicates.
	and := matchAnd(t, BuildPipeline("", false, FilterSpec{}))
	assert.Len(t, and, 1)
}

func TestBuildPipeline_HideSystemOps(t *testing.T) {
	and := matchAnd(t, BuildPipeline("", true, FilterSpec{}))
	require.Len(t, and, 2)

	nor, ok := and[0].(bson.D)
	require.True(t, ok)
	require.Equal(t, "$nor", nor[0].Key)

	clauses, ok := nor[0].Value.(bson.A)
	require.True(t, ok)
	assert.Contains(t, clauses, regexFilter("ns", `^admin\.`))
	assert.Contains(t, clauses, regexFilter("ns", `^config\.`))
	assert.Contains(t, clauses, regexFilter("ns", `^local\.`))
	assert.Contains(t, clauses, bson.D{{Key: "op", Value: "none"}})
	assert.Contains(t, clauses, bson.D{{Key: "effectiveUsers.user", Value: "__system"}})
	assert.Contains(t, clauses, bson.D{
		{Key: "op", Value: "command"},
		{Key: "command.cursor", Value: bson.D{{Key: "$exists", Value: true}}},
	})
}

func TestBuildPipeline_NamespaceScope(t *testing.T) {
	and := matchAnd(t, BuildPipeline("MyDb.orders", false, FilterSpec{}))
	assert.Contains(t, and, regexFilter("ns", "^MyDb.orders"))
}

func TestBuildPipeline_FieldFilters(t *testing.T) {
	and := matchAnd(t, BuildPipeline("", false, FilterSpec{
		OpID:           "42",
		Operation:      "update",
		Namespace:      "orders",
		Desc:           "conn",
		EffectiveUsers: "alice",
	}))

	assert.Contains(t, and, regexFilter("opid", "42"))
	assert.Contains(t, and, regexFilter("op", "update"))
	assert.Contains(t, and, regexFilter("ns", "orders"))
	assert.Contains(t, and, regexFilter("desc", "conn"))
	assert.Contains(t, and, bson.D{{Key: "effectiveUsers", Value: bson.D{
		{Key: "$elemMatch", Value: regexFilter("user", "alice")},
	}}})
}

func TestBuildPipeline_ClientMatchesEitherRepresentation(t *testing.T) {
	and := matchAnd(t, BuildPipeline("", false, FilterSpec{Client: "10\\.1\\.2"}))
	assert.Contains(t, and, bson.D{{Key: "$or", Value: bson.A{
		regexFilter("client", "10\\.1\\.2"),
		regexFilter("client_s", "10\\.1\\.2"),
	}}})
}

func TestIsAllDigits(t *testing.T) {
	cases := map[string]bool{
		"":       false,
		"0":      true,
		"12345":  true,
		"-123":   false,
		" 12":    false,
		"12.5":   false,
		"abc":    false,
		"12a":    false,
		"007":    true,
		"999999": true,
	}
	for in, want := range cases {
		assert.Equal(t, want, isAllDigits(in), "isAllDigits(%q)", in)
	}
}
